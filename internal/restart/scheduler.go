package restart

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"restartd/internal/audit"
	"restartd/internal/relay"
	"restartd/pkg/logx"
)

const (
	// DefaultCheckInterval is how often the scheduler scans for schedules
	// whose next occurrence entered the trigger horizon.
	DefaultCheckInterval = 60 * time.Second

	// DefaultTriggerHorizon is how far ahead a schedule occurrence must be
	// before a countdown task is created for it.
	DefaultTriggerHorizon = 3600 * time.Second

	// DefaultDelayCheckInterval is how often an active task re-checks the
	// player count for auto-postponement.
	DefaultDelayCheckInterval = 30 * time.Second
)

// Manual restart defaults, used by RestartNow.
const (
	manualScheduleName = "manual_restart"
	manualWarningSound = "ENTITY_ENDER_DRAGON_GROWL"
	manualLeadTime     = 10 * time.Second
)

// SchedulerConfig carries the already-parsed runtime knobs; zero values
// fall back to the defaults above.
type SchedulerConfig struct {
	Location           *time.Location
	CheckInterval      time.Duration
	TriggerHorizon     time.Duration
	DelayCheckInterval time.Duration
}

// Scheduler owns the schedule table and every live countdown task. It
// periodically matches schedules against the clock, creates a task when an
// occurrence enters the trigger horizon, and routes operator actions
// (delay, cancel, restart-now) to the right task.
//
// Lock discipline: mu guards the maps only. Task methods are never called
// while holding mu, and a task's terminal callback re-acquires mu to drop
// the task from its map.
type Scheduler struct {
	log     logx.Logger
	channel relay.Channel
	store   audit.Store

	loc           *time.Location
	checkInterval time.Duration
	horizon       time.Duration
	delayCheck    time.Duration

	mu        sync.Mutex
	schedules map[string]Schedule
	active    map[string]*Task // keyed by schedule name
	adhoc     map[uint64]*Task // manual restarts, keyed by sequence
	adhocSeq  uint64
	c         *cron.Cron
	ctx       context.Context

	// test seams
	now      func() time.Time
	taskHook func(*Task)
}

func NewScheduler(cfg SchedulerConfig, ch relay.Channel, store audit.Store, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	ci := cfg.CheckInterval
	if ci <= 0 {
		ci = DefaultCheckInterval
	}
	hz := cfg.TriggerHorizon
	if hz <= 0 {
		hz = DefaultTriggerHorizon
	}
	dc := cfg.DelayCheckInterval
	if dc <= 0 {
		dc = DefaultDelayCheckInterval
	}
	return &Scheduler{
		log:           log,
		channel:       ch,
		store:         store,
		loc:           loc,
		checkInterval: ci,
		horizon:       hz,
		delayCheck:    dc,
		schedules:     map[string]Schedule{},
		active:        map[string]*Task{},
		adhoc:         map[uint64]*Task{},
		now:           time.Now,
	}
}

// Reload swaps the schedule table. Invalid schedules are skipped with every
// violation logged; any running countdown is cancelled first, so tasks for
// schedules that survived the reload are re-created on the next scan against
// the fresh definitions.
func (s *Scheduler) Reload(schedules []Schedule) {
	next := make(map[string]Schedule, len(schedules))
	for _, sch := range schedules {
		if problems := sch.Validate(); len(problems) > 0 {
			s.log.Warn("skipping invalid restart schedule",
				logx.String("schedule", sch.Name),
				logx.Strs("problems", problems))
			continue
		}
		next[sch.Name] = sch
	}

	s.cancelAllTasks(NewReason("schedule reload", "System", ReasonCancel))

	s.mu.Lock()
	s.schedules = next
	s.mu.Unlock()

	s.record(audit.Entry{Action: "reload", Actor: "System",
		Reason: fmt.Sprintf("%d schedules loaded", len(next))})
	s.log.Info("restart schedules loaded", logx.Int("count", len(next)))
}

// Start begins periodic schedule matching. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	c := cron.New(cron.WithLocation(s.loc))
	s.c = c
	s.mu.Unlock()

	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.checkInterval), s.checkSchedules)
	if err != nil {
		s.log.Error("failed to register schedule check job", logx.Err(err))
		return
	}
	c.Start()
	s.checkSchedules()

	s.log.Info("restart scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Duration("check_interval", s.checkInterval))
}

// Shutdown stops the periodic check and cancels every live countdown.
func (s *Scheduler) Shutdown(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.cancelAllTasks(NewReason("system shutdown", "System", ReasonCancel))
	s.record(audit.Entry{Action: "shutdown", Actor: "System"})
	s.log.Info("restart scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Scheduler) cancelAllTasks(reason Reason) {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.active)+len(s.adhoc))
	for _, t := range s.active {
		tasks = append(tasks, t)
	}
	for _, t := range s.adhoc {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel(reason)
	}
}

// checkSchedules creates a task for every enabled schedule whose next
// occurrence is inside the trigger horizon and has no task yet.
func (s *Scheduler) checkSchedules() {
	now := s.now()

	s.mu.Lock()
	type pending struct {
		sch Schedule
		at  time.Time
	}
	var due []pending
	for name, sch := range s.schedules {
		if !sch.Enabled {
			continue
		}
		if _, running := s.active[name]; running {
			continue
		}
		secs := sch.Time.SecondsUntil(now)
		if secs <= 0 || secs > int64(s.horizon/time.Second) {
			continue
		}
		due = append(due, pending{sch: sch, at: sch.Time.NextOccurrence(now)})
	}
	s.mu.Unlock()

	for _, p := range due {
		s.startTask(p.sch, p.at)
	}
}

func (s *Scheduler) startTask(sch Schedule, at time.Time) {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	if _, running := s.active[sch.Name]; running {
		s.mu.Unlock()
		return
	}
	t := newTask(s.ctx, s.log, sch, at, s.channel)
	t.checkInterval = s.delayCheck
	t.onTerminal = func(t *Task) { s.dropNamed(sch.Name, t) }
	if s.taskHook != nil {
		s.taskHook(t)
	}
	s.active[sch.Name] = t
	s.mu.Unlock()

	s.record(audit.Entry{Action: "started", Schedule: sch.Name, Servers: sch.Servers,
		Actor: "System", Reason: "occurrence at " + at.Format("15:04 MST")})
	s.log.Info("restart task created",
		logx.String("schedule", sch.Name),
		logx.Time("at", at))
	t.Start()
}

func (s *Scheduler) dropNamed(name string, t *Task) {
	s.mu.Lock()
	if cur, ok := s.active[name]; ok && cur == t {
		delete(s.active, name)
	}
	s.mu.Unlock()

	if t.State() == StateCompleted {
		s.record(audit.Entry{Action: "completed", Schedule: name,
			Servers: t.Schedule().Servers, Actor: "System"})
	}
}

func (s *Scheduler) dropAdhoc(seq uint64, t *Task) {
	s.mu.Lock()
	if cur, ok := s.adhoc[seq]; ok && cur == t {
		delete(s.adhoc, seq)
	}
	s.mu.Unlock()

	if t.State() == StateCompleted {
		s.record(audit.Entry{Action: "completed", Schedule: manualScheduleName,
			Servers: t.Schedule().Servers, Actor: "System"})
	}
}

// RestartNow starts an immediate short countdown for the given servers,
// independent of any named schedule: an existing countdown for the same
// servers keeps running untouched.
func (s *Scheduler) RestartNow(servers []string, actor string) error {
	if len(servers) == 0 {
		return fmt.Errorf("no servers given")
	}

	sch := Schedule{
		Name:             manualScheduleName,
		Enabled:          true,
		Servers:          servers,
		WarningIntervals: []int{10, 5, 3, 1},
		WarningSound:     manualWarningSound,
	}
	at := s.now().Add(manualLeadTime)

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not started")
	}
	s.adhocSeq++
	seq := s.adhocSeq
	t := newTask(s.ctx, s.log, sch, at, s.channel)
	t.checkInterval = s.delayCheck
	t.onTerminal = func(t *Task) { s.dropAdhoc(seq, t) }
	if s.taskHook != nil {
		s.taskHook(t)
	}
	s.adhoc[seq] = t
	s.mu.Unlock()

	s.record(audit.Entry{Action: "manual", Schedule: manualScheduleName,
		Servers: servers, Actor: actor})
	s.log.Info("manual restart requested",
		logx.Strs("servers", servers),
		logx.String("by", actor))
	t.Start()
	return nil
}

// DelayRestart pushes the named schedule's running countdown to
// now+minutes. Returns false when no countdown is running for that name or
// the task is past the point of delaying.
func (s *Scheduler) DelayRestart(name string, minutes int, reason Reason) bool {
	s.mu.Lock()
	t, ok := s.active[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if !t.Delay(int64(minutes)*60, reason) {
		return false
	}
	s.record(audit.Entry{Action: "delayed", Schedule: name,
		Servers: t.Schedule().Servers, Actor: reason.RequestedBy, Reason: reason.Reason})
	return true
}

// CancelRestart cancels the named schedule's running countdown. The
// schedule itself stays loaded and will trigger again on its next
// occurrence.
func (s *Scheduler) CancelRestart(name string, reason Reason) bool {
	s.mu.Lock()
	t, ok := s.active[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if !t.Cancel(reason) {
		return false
	}
	s.record(audit.Entry{Action: "cancelled", Schedule: name,
		Servers: t.Schedule().Servers, Actor: reason.RequestedBy, Reason: reason.Reason})
	return true
}

// NextRestartInfo describes the next restart affecting the given server:
// a live countdown wins over a schedule projection; "none scheduled" when
// neither exists.
func (s *Scheduler) NextRestartInfo(server string) string {
	now := s.now()

	s.mu.Lock()
	var best *Task
	consider := func(t *Task) {
		if !t.Schedule().AppliesTo(server) || t.State().Terminal() {
			return
		}
		if best == nil || t.ScheduledAt().Before(best.ScheduledAt()) {
			best = t
		}
	}
	for _, t := range s.adhoc {
		consider(t)
	}
	for _, t := range s.active {
		consider(t)
	}

	var bestSch *Schedule
	var bestSecs int64
	for name := range s.schedules {
		sch := s.schedules[name]
		if !sch.Enabled || !sch.AppliesTo(server) {
			continue
		}
		secs := sch.Time.SecondsUntil(now)
		if bestSch == nil || secs < bestSecs {
			bestSch, bestSecs = &sch, secs
		}
	}
	s.mu.Unlock()

	if best != nil {
		secs := best.ScheduledAt().Sub(now) / time.Second
		msg := fmt.Sprintf("Restart in %s (at %s)",
			FormatDuration(int64(secs)),
			best.ScheduledAt().In(s.loc).Format("15:04"))
		if r := best.DelayReason(); r != nil {
			msg += " [delayed: " + r.Reason + "]"
		}
		return msg
	}
	if bestSch != nil {
		return fmt.Sprintf("Next restart %s (%s)",
			bestSch.Time.FormattedTimeUntil(now), bestSch.Time.String())
	}
	return "No restart scheduled for " + server
}

// ScheduleStatus is a point-in-time view of one schedule for listings.
type ScheduleStatus struct {
	Name    string
	Enabled bool
	Servers []string
	NextIn  string
	Active  bool
	State   string
}

// List snapshots every loaded schedule, sorted by name.
func (s *Scheduler) List() []ScheduleStatus {
	now := s.now()

	s.mu.Lock()
	out := make([]ScheduleStatus, 0, len(s.schedules))
	for name, sch := range s.schedules {
		st := ScheduleStatus{
			Name:    name,
			Enabled: sch.Enabled,
			Servers: append([]string(nil), sch.Servers...),
			NextIn:  sch.Time.FormattedTimeUntil(now),
		}
		if t, ok := s.active[name]; ok {
			st.Active = true
			st.State = t.State().String()
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats summarizes the scheduler for status commands.
type Stats struct {
	Schedules   int
	ActiveTasks int
	AdhocTasks  int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Schedules:   len(s.schedules),
		ActiveTasks: len(s.active),
		AdhocTasks:  len(s.adhoc),
	}
}

// ActiveNames lists schedules with a running countdown, sorted.
func (s *Scheduler) ActiveNames() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.active))
	for name := range s.active {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

func (s *Scheduler) record(e audit.Entry) {
	if s.store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed",
			logx.String("action", e.Action), logx.Err(err))
	}
}

// FormatStatus renders the stats plus active countdowns as one message,
// used by the operator bot.
func (s *Scheduler) FormatStatus() string {
	st := s.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "schedules: %d, active: %d, manual: %d",
		st.Schedules, st.ActiveTasks, st.AdhocTasks)
	for _, name := range s.ActiveNames() {
		s.mu.Lock()
		t, ok := s.active[name]
		s.mu.Unlock()
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %s in %s", name, t.State(),
			FormatDuration(t.SecondsUntilRestart()))
	}
	return b.String()
}
