package restart

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"restartd/internal/relay"
	"restartd/pkg/logx"
)

// fakeTimers captures AfterFunc registrations so tests can fire callbacks
// deterministically. The returned real timers never fire on their own.
type fakeTimers struct {
	mu    sync.Mutex
	armed []fakeTimer
}

type fakeTimer struct {
	d  time.Duration
	fn func()
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	f.armed = append(f.armed, fakeTimer{d: d, fn: fn})
	f.mu.Unlock()
	return time.NewTimer(24 * time.Hour)
}

// fireUpTo runs every captured callback with delay <= limit, in delay
// order, and clears them from the capture list.
func (f *fakeTimers) fireUpTo(limit time.Duration) {
	f.mu.Lock()
	var due, rest []fakeTimer
	for _, ft := range f.armed {
		if ft.d <= limit {
			due = append(due, ft)
		} else {
			rest = append(rest, ft)
		}
	}
	f.armed = rest
	f.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].d < due[j].d })
	for _, ft := range due {
		ft.fn()
	}
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

func newTestTask(t *testing.T, sch Schedule, in time.Duration, ch relay.Channel) (*Task, *fakeTimers) {
	t.Helper()
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	ft := &fakeTimers{}
	tk := newTask(context.Background(), logx.Nop(), sch, now.Add(in), ch)
	tk.now = func() time.Time { return now }
	tk.afterFunc = ft.afterFunc
	return tk, ft
}

func TestTaskWarningLadder(t *testing.T) {
	mem := relay.NewMemory()
	sch := testSchedule("nightly", "lobby", "survival")
	tk, ft := newTestTask(t, sch, 300*time.Second, mem)

	terminal := 0
	tk.onTerminal = func(*Task) { terminal++ }

	tk.Start()
	if tk.State() != StateActive {
		t.Fatalf("state = %v, want active", tk.State())
	}
	// warnings at 300/60/10 plus the shutdown timer
	if got := ft.count(); got != 4 {
		t.Fatalf("armed %d timers, want 4", got)
	}

	ft.fireUpTo(300 * time.Second)

	warnings := mem.EventsOfKind("warning")
	if len(warnings) != 3 {
		t.Fatalf("got %d warnings, want 3", len(warnings))
	}
	wantSecs := []int{300, 60, 10}
	for i, ev := range warnings {
		if ev.Seconds != wantSecs[i] {
			t.Fatalf("warning %d carried %d seconds, want %d", i, ev.Seconds, wantSecs[i])
		}
		if ev.Sound != DefaultWarningSound {
			t.Fatalf("warning sound = %q", ev.Sound)
		}
	}
	if got := mem.EventsOfKind("shutdown"); len(got) != 1 {
		t.Fatalf("got %d shutdowns, want 1", len(got))
	}
	if tk.State() != StateCompleted {
		t.Fatalf("state = %v, want completed", tk.State())
	}
	if terminal != 1 {
		t.Fatalf("terminal callback ran %d times, want 1", terminal)
	}
}

func TestTaskSkipsWarningsBeyondCountdown(t *testing.T) {
	mem := relay.NewMemory()
	sch := testSchedule("nightly", "lobby")
	sch.WarningIntervals = []int{600, 60}
	tk, ft := newTestTask(t, sch, 120*time.Second, mem)

	tk.Start()

	// only the 60s warning and the shutdown timer; 600 > countdown
	if got := ft.count(); got != 2 {
		t.Fatalf("armed %d timers, want 2", got)
	}
	ft.fireUpTo(120 * time.Second)
	if got := mem.EventsOfKind("warning"); len(got) != 1 || got[0].Seconds != 60 {
		t.Fatalf("warnings = %v", got)
	}
}

func TestTaskCancelSuppressesPendingTimers(t *testing.T) {
	mem := relay.NewMemory()
	sch := testSchedule("nightly", "lobby")
	tk, ft := newTestTask(t, sch, 300*time.Second, mem)

	terminal := 0
	tk.onTerminal = func(*Task) { terminal++ }
	tk.Start()

	if !tk.Cancel(NewReason("maintenance window moved", "@ops", ReasonCancel)) {
		t.Fatalf("Cancel returned false")
	}
	if tk.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled", tk.State())
	}
	if tk.Cancel(NewReason("again", "@ops", ReasonCancel)) {
		t.Fatalf("second Cancel should be a no-op")
	}
	if terminal != 1 {
		t.Fatalf("terminal callback ran %d times, want 1", terminal)
	}

	// Stale callbacks must observe the generation bump and do nothing.
	ft.fireUpTo(300 * time.Second)
	if got := mem.EventsOfKind("warning"); len(got) != 0 {
		t.Fatalf("warning fired after cancel: %v", got)
	}
	if got := mem.EventsOfKind("shutdown"); len(got) != 0 {
		t.Fatalf("shutdown fired after cancel: %v", got)
	}
	if got := mem.EventsOfKind("cancelled"); len(got) != 1 {
		t.Fatalf("got %d cancelled events, want 1", len(got))
	}
}

func TestTaskDelayRearms(t *testing.T) {
	mem := relay.NewMemory()
	sch := testSchedule("nightly", "lobby")
	sch.WarningIntervals = []int{60, 10}
	tk, ft := newTestTask(t, sch, 60*time.Second, mem)

	tk.Start()
	before := tk.ScheduledAt()

	if !tk.Delay(300, NewReason("boss fight in progress", "@ops", ReasonDelay)) {
		t.Fatalf("Delay returned false")
	}
	if got := tk.ScheduledAt(); !got.Equal(before.Add(240 * time.Second)) {
		// now+300 where the original instant was now+60
		t.Fatalf("scheduledAt = %v, want %v", got, before.Add(240*time.Second))
	}
	if r := tk.DelayReason(); r == nil || r.Reason != "boss fight in progress" {
		t.Fatalf("delay reason = %v", r)
	}
	if got := mem.EventsOfKind("delayed"); len(got) != 1 {
		t.Fatalf("got %d delayed events, want 1", len(got))
	}

	// Old generation timers are dead; new ladder fires against now+300.
	ft.fireUpTo(300 * time.Second)
	warnings := mem.EventsOfKind("warning")
	if len(warnings) != 2 {
		t.Fatalf("got %d warnings, want 2", len(warnings))
	}
	if got := mem.EventsOfKind("shutdown"); len(got) != 1 {
		t.Fatalf("got %d shutdowns, want 1", len(got))
	}
	if tk.State() != StateCompleted {
		t.Fatalf("state = %v", tk.State())
	}

	// Delaying a finished task must fail.
	if tk.Delay(60, NewReason("too late", "@ops", ReasonDelay)) {
		t.Fatalf("Delay after completion should fail")
	}
}

func TestTaskBeforeAndAfterCommands(t *testing.T) {
	mem := relay.NewMemory()
	sch := testSchedule("nightly", "lobby")
	sch.WarningIntervals = []int{10}
	sch.Commands = []ScheduledCommand{
		{Command: "save-all", Delay: 30, Timing: Before},
		{Command: "kickall", Delay: 5, Timing: Before},
		{Command: "alert back online", Delay: 20, Timing: After, Target: TargetProxy},
		{Command: "warmup", Delay: 5, Timing: After},
	}
	tk, ft := newTestTask(t, sch, 60*time.Second, mem)

	terminal := 0
	tk.onTerminal = func(*Task) { terminal++ }
	tk.Start()

	// Run the countdown to the restart instant.
	ft.fireUpTo(60 * time.Second)

	cmds := mem.EventsOfKind("command")
	if len(cmds) != 2 {
		t.Fatalf("got %d before-commands, want 2: %v", len(cmds), cmds)
	}
	if cmds[0].Command != "save-all" || cmds[1].Command != "kickall" {
		t.Fatalf("before-command order wrong: %v", cmds)
	}
	if tk.State() != StateExecuting {
		t.Fatalf("state = %v, want executing until after-commands fire", tk.State())
	}
	if terminal != 0 {
		t.Fatalf("terminal fired before after-commands completed")
	}

	// After-commands are armed relative to the execution instant.
	ft.fireUpTo(20 * time.Second)

	cmds = mem.EventsOfKind("command")
	if len(cmds) != 4 {
		t.Fatalf("got %d commands, want 4: %v", len(cmds), cmds)
	}
	if cmds[2].Command != "warmup" || cmds[3].Command != "alert back online" {
		t.Fatalf("after-command order wrong: %v", cmds)
	}
	if cmds[3].Target != relay.Proxy {
		t.Fatalf("proxy command target = %q", cmds[3].Target)
	}
	if tk.State() != StateCompleted {
		t.Fatalf("state = %v, want completed", tk.State())
	}
	if terminal != 1 {
		t.Fatalf("terminal callback ran %d times, want 1", terminal)
	}
}

func TestTaskImmediatePastDueExecutes(t *testing.T) {
	mem := relay.NewMemory()
	sch := testSchedule("nightly", "lobby")
	tk, _ := newTestTask(t, sch, -5*time.Second, mem)

	tk.Start()

	if got := mem.EventsOfKind("shutdown"); len(got) != 1 {
		t.Fatalf("past-due task should execute immediately, events: %v", mem.Events())
	}
	if tk.State() != StateCompleted {
		t.Fatalf("state = %v", tk.State())
	}
}

func TestTaskMinPlayersDelayTripsOnce(t *testing.T) {
	mem := relay.NewMemory()
	mem.SetPlayerCount(20)
	sch := testSchedule("nightly", "lobby")
	sch.MinPlayersDelay = 5
	tk, _ := newTestTask(t, sch, 100*time.Second, mem)

	tk.Start()
	defer tk.Cancel(NewReason("test done", "test", ReasonCancel))

	tk.checkPlayerDelay()
	if got := mem.EventsOfKind("delayed"); len(got) != 1 {
		t.Fatalf("got %d delays, want 1", len(got))
	}

	// Tripped: further checks inside the window must not delay again.
	tk.checkPlayerDelay()
	tk.checkPlayerDelay()
	if got := mem.EventsOfKind("delayed"); len(got) != 1 {
		t.Fatalf("auto-delay fired more than once: %d", len(got))
	}

	// A larger operator delay moves the restart outside the window; the
	// next check re-arms the trip, delaying again once the countdown is
	// back inside the window.
	if !tk.Delay(900, NewReason("event running", "@ops", ReasonDelay)) {
		t.Fatalf("operator delay failed")
	}
	tk.checkPlayerDelay() // outside window: resets trip, no delay
	if got := mem.EventsOfKind("delayed"); len(got) != 2 {
		t.Fatalf("got %d delays, want 2 (one auto, one operator)", len(got))
	}
}

func TestTaskCancelJoinsPlayerCheck(t *testing.T) {
	mem := relay.NewMemory()
	mem.SetPlayerCount(20)
	sch := testSchedule("nightly", "lobby")
	sch.MinPlayersDelay = 5
	tk, _ := newTestTask(t, sch, 100*time.Second, mem)
	tk.checkInterval = time.Millisecond

	tk.Start()
	time.Sleep(5 * time.Millisecond) // let the checker tick a few times
	tk.Cancel(NewReason("maintenance window moved", "@ops", ReasonCancel))

	// By the time Cancel returns, the check goroutine has exited.
	exited := make(chan struct{})
	go func() {
		tk.checkWG.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatalf("player-check goroutine survived Cancel")
	}

	// The event stream is frozen: no tick lands after cancellation.
	n := len(mem.EventsOfKind("delayed"))
	time.Sleep(10 * time.Millisecond)
	if got := len(mem.EventsOfKind("delayed")); got != n {
		t.Fatalf("auto-delay fired after cancel: %d -> %d", n, got)
	}
}

func TestTaskLowPopulationDoesNotDelay(t *testing.T) {
	mem := relay.NewMemory()
	mem.SetPlayerCount(3)
	sch := testSchedule("nightly", "lobby")
	sch.MinPlayersDelay = 5
	tk, _ := newTestTask(t, sch, 100*time.Second, mem)

	tk.Start()
	defer tk.Cancel(NewReason("test done", "test", ReasonCancel))

	tk.checkPlayerDelay()
	if got := mem.EventsOfKind("delayed"); len(got) != 0 {
		t.Fatalf("delay fired with %d players below the threshold", 3)
	}
}
