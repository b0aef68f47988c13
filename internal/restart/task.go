package restart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"restartd/internal/relay"
	"restartd/pkg/logx"
)

// TaskState is the task lifecycle. Completed and Cancelled are terminal: no
// timer owned by the task may fire once either is reached.
type TaskState int

const (
	StatePending   TaskState = iota // created, Start not yet called
	StateActive                     // countdown in progress
	StateExecuting                  // shutdown sent, after-commands pending
	StateCompleted
	StateCancelled
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s TaskState) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// delayCheckWindow is how close to the restart the min-players check starts
// caring, and also the span of each automatic postponement.
const delayCheckWindow = 300 * time.Second

// Task is one live countdown bound to a schedule occurrence. It owns every
// timer for that occurrence and is mutated only through Start, Delay and
// Cancel, all safe for concurrent use.
//
// Timer callbacks and the public mutators serialize on mu; every disarm
// bumps gen, so a callback that already left the timer queue observes the
// stale generation and does nothing. Effects are emitted while holding mu,
// which is what makes "no effect lands after Cancel/Delay returns" a hard
// guarantee rather than a best effort.
type Task struct {
	log     logx.Logger
	ctx     context.Context
	channel relay.Channel

	schedule Schedule

	mu          sync.Mutex
	state       TaskState
	scheduledAt time.Time
	delayReason *Reason
	gen         uint64

	warningTimers map[int]*time.Timer
	commandTimers map[string]*time.Timer
	shutdownTimer *time.Timer
	afterPending  int

	checkStop    chan struct{}
	checkWG      sync.WaitGroup
	delayTripped bool

	// onTerminal is invoked (outside mu) exactly once when the task reaches
	// a terminal state, so the owner can drop it from its active set.
	onTerminal func(*Task)

	// test seams; defaulted in newTask
	now           func() time.Time
	afterFunc     func(d time.Duration, fn func()) *time.Timer
	checkInterval time.Duration
}

func newTask(ctx context.Context, log logx.Logger, sch Schedule, at time.Time, ch relay.Channel) *Task {
	return &Task{
		log:           log.With(logx.String("schedule", sch.Name)),
		ctx:           ctx,
		channel:       ch,
		schedule:      sch,
		state:         StatePending,
		scheduledAt:   at,
		warningTimers: map[int]*time.Timer{},
		commandTimers: map[string]*time.Timer{},
		now:           time.Now,
		afterFunc:     time.AfterFunc,
		checkInterval: 30 * time.Second,
	}
}

func (t *Task) Schedule() Schedule { return t.schedule }

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) ScheduledAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduledAt
}

// SecondsUntilRestart is the whole-second countdown; negative once the
// scheduled instant is past.
func (t *Task) SecondsUntilRestart() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.secondsUntilLocked()
}

// DelayReason returns the most recent delay reason, if the task was delayed.
func (t *Task) DelayReason() *Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delayReason
}

func (t *Task) secondsUntilLocked() int64 {
	return int64(t.scheduledAt.Sub(t.now()) / time.Second)
}

// Start arms the countdown. Calling it in any state but pending is a logged
// no-op.
func (t *Task) Start() {
	t.mu.Lock()
	if t.state != StatePending {
		st := t.state
		t.mu.Unlock()
		t.log.Warn("attempted to start task that is already running", logx.String("state", st.String()))
		return
	}
	t.state = StateActive
	done := t.armLocked()
	t.mu.Unlock()

	if done {
		t.fireTerminal()
	}
}

// armLocked schedules every timer for the current scheduled instant. If the
// instant is already past, the restart executes immediately. Returns true
// when the task reached a terminal state.
func (t *Task) armLocked() bool {
	until := t.scheduledAt.Sub(t.now())
	if until <= 0 {
		return t.executeLocked()
	}

	gen := t.gen

	for _, w := range t.schedule.WarningIntervals {
		d := until - time.Duration(w)*time.Second
		if d < 0 {
			continue // offset larger than remaining time; expected, not an error
		}
		offset := w
		t.warningTimers[w] = t.afterFunc(d, func() { t.fireWarning(gen, offset) })
	}

	for _, c := range t.schedule.BeforeCommands() {
		d := until - time.Duration(c.Delay)*time.Second
		if d < 0 {
			continue
		}
		cmd := c
		key := fmt.Sprintf("before_%d_%s", c.Delay, c.Command)
		t.commandTimers[key] = t.afterFunc(d, func() { t.fireCommand(gen, cmd) })
	}

	t.shutdownTimer = t.afterFunc(until, func() { t.fireShutdown(gen) })

	if t.schedule.MinPlayersDelay > 0 && t.checkStop == nil {
		stop := make(chan struct{})
		t.checkStop = stop
		t.checkWG.Add(1)
		go func() {
			defer t.checkWG.Done()
			t.delayCheckLoop(stop)
		}()
	}

	t.log.Info("restart countdown armed",
		logx.String("in", FormatDuration(int64(until/time.Second))),
		logx.Time("at", t.scheduledAt))
	return false
}

func (t *Task) fireWarning(gen uint64, secondsLeft int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.state != StateActive {
		return
	}
	delete(t.warningTimers, secondsLeft)
	t.channel.NotifyWarning(t.ctx, t.schedule.Servers, secondsLeft, t.schedule.WarningSound)
	t.log.Debug("restart warning sent", logx.Int("seconds_left", secondsLeft))
}

func (t *Task) fireCommand(gen uint64, cmd ScheduledCommand) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.state != StateActive {
		return
	}
	t.dispatchLocked(cmd)
}

func (t *Task) dispatchLocked(cmd ScheduledCommand) {
	switch cmd.Target {
	case TargetProxy:
		t.channel.DispatchCommand(t.ctx, relay.Proxy, cmd.Command)
	default:
		for _, server := range t.schedule.Servers {
			t.channel.DispatchCommand(t.ctx, server, cmd.Command)
		}
	}
	t.log.Debug("scheduled command dispatched", logx.String("command", cmd.String()))
}

func (t *Task) fireShutdown(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != StateActive {
		t.mu.Unlock()
		return
	}
	done := t.executeLocked()
	t.mu.Unlock()
	if done {
		t.fireTerminal()
	}
}

// executeLocked sends the shutdown signal and arms after-commands relative
// to the execution instant. The task stays in executing until the last
// after-command fires, so terminal really means "no timer left".
func (t *Task) executeLocked() bool {
	t.state = StateExecuting
	t.log.Info("executing restart", logx.Strs("servers", t.schedule.Servers))

	t.channel.NotifyShutdown(t.ctx, t.schedule.Servers)

	afters := t.schedule.AfterCommands()
	if len(afters) == 0 {
		return t.completeLocked()
	}

	gen := t.gen
	t.afterPending = len(afters)
	for _, c := range afters {
		cmd := c
		key := fmt.Sprintf("after_%d_%s", c.Delay, c.Command)
		t.commandTimers[key] = t.afterFunc(time.Duration(c.Delay)*time.Second, func() { t.fireAfterCommand(gen, cmd) })
	}
	return false
}

func (t *Task) fireAfterCommand(gen uint64, cmd ScheduledCommand) {
	t.mu.Lock()
	if t.gen != gen || t.state != StateExecuting {
		t.mu.Unlock()
		return
	}
	t.dispatchLocked(cmd)
	t.afterPending--
	done := false
	if t.afterPending <= 0 {
		done = t.completeLocked()
	}
	t.mu.Unlock()
	if done {
		t.fireTerminal()
	}
}

func (t *Task) completeLocked() bool {
	t.disarmLocked()
	t.stopCheckerLocked()
	t.state = StateCompleted
	t.log.Info("restart completed")
	return true
}

// Delay pushes the restart to now+additionalSeconds, cancelling every armed
// timer and re-arming against the new instant. Legal only while active.
func (t *Task) Delay(additionalSeconds int64, reason Reason) bool {
	t.mu.Lock()
	if t.state != StateActive {
		st := t.state
		t.mu.Unlock()
		t.log.Warn("cannot delay task", logx.String("state", st.String()))
		return false
	}

	t.disarmLocked()
	t.scheduledAt = t.now().Add(time.Duration(additionalSeconds) * time.Second)
	r := reason
	t.delayReason = &r

	done := t.armLocked()
	if !done {
		t.channel.NotifyDelayed(t.ctx, t.schedule.Servers, FormatDuration(additionalSeconds), reason.Reason)
	}
	t.mu.Unlock()

	if done {
		t.fireTerminal()
	}
	t.log.Info("restart delayed", logx.String("reason", reason.Message()))
	return true
}

// Cancel unwinds every pending timer and finalizes the task. Legal from any
// non-terminal state; cancelling an already-terminal task is a silent no-op.
func (t *Task) Cancel(reason Reason) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}

	t.disarmLocked()
	t.stopCheckerLocked()
	t.state = StateCancelled
	t.channel.NotifyCancelled(t.ctx, t.schedule.Servers, reason.Reason)
	t.mu.Unlock()

	t.fireTerminal()
	t.log.Info("restart cancelled", logx.String("reason", reason.Message()))
	return true
}

// disarmLocked stops and forgets every armed timer. Bumping gen makes any
// callback already out of the timer queue a no-op.
func (t *Task) disarmLocked() {
	t.gen++
	for k, tm := range t.warningTimers {
		tm.Stop()
		delete(t.warningTimers, k)
	}
	for k, tm := range t.commandTimers {
		tm.Stop()
		delete(t.commandTimers, k)
	}
	if t.shutdownTimer != nil {
		t.shutdownTimer.Stop()
		t.shutdownTimer = nil
	}
	t.afterPending = 0
}

func (t *Task) stopCheckerLocked() {
	if t.checkStop != nil {
		close(t.checkStop)
		t.checkStop = nil
	}
}

// fireTerminal runs outside mu. Joining the check goroutine here means a
// terminal transition has fully drained before Cancel or the final timer
// callback returns; nothing of the task outlives it.
func (t *Task) fireTerminal() {
	t.checkWG.Wait()
	if t.onTerminal != nil {
		t.onTerminal(t)
	}
}

// delayCheckLoop periodically sums connected players across the schedule's
// servers once the countdown is inside the check window, and postpones the
// restart when too many are still online. It trips at most once per window:
// after an auto-delay it stays quiet until the remaining time has climbed
// back above the window (e.g. through a larger operator delay).
func (t *Task) delayCheckLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.checkPlayerDelay()
		}
	}
}

func (t *Task) checkPlayerDelay() {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return
	}
	secs := t.secondsUntilLocked()
	if secs > int64(delayCheckWindow/time.Second) {
		t.delayTripped = false
		t.mu.Unlock()
		return
	}
	if t.delayTripped {
		t.mu.Unlock()
		return
	}
	servers := t.schedule.Servers
	min := t.schedule.MinPlayersDelay
	t.mu.Unlock()

	count, err := t.channel.PlayerCount(t.ctx, servers)
	if err != nil {
		t.log.Warn("player count query failed", logx.Err(err))
		return
	}
	if count <= min {
		return
	}

	t.mu.Lock()
	trip := t.state == StateActive && !t.delayTripped && t.secondsUntilLocked() <= int64(delayCheckWindow/time.Second)
	if trip {
		t.delayTripped = true
	}
	t.mu.Unlock()

	if trip {
		t.Delay(int64(delayCheckWindow/time.Second), NewReason(
			fmt.Sprintf("%d players online (min: %d)", count, min),
			"System", ReasonDelay,
		))
	}
}
