package restart

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"restartd/internal/config"
)

// CommandTiming says which side of the restart instant a command runs on.
type CommandTiming int

const (
	Before CommandTiming = iota
	After
)

func (t CommandTiming) String() string {
	if t == Before {
		return "before"
	}
	return "after"
}

// CommandTarget is a closed set: a command runs either on each affected
// backend server or once on the proxy.
type CommandTarget int

const (
	TargetServer CommandTarget = iota
	TargetProxy
)

func (t CommandTarget) String() string {
	if t == TargetProxy {
		return "proxy"
	}
	return "server"
}

// ScheduledCommand is an operator command tied to a restart at a fixed
// offset in seconds before or after the restart instant.
type ScheduledCommand struct {
	Command string
	Delay   int // seconds before/after restart
	Timing  CommandTiming
	Target  CommandTarget
}

func (c ScheduledCommand) String() string {
	return fmt.Sprintf("[%s %ds] %s on %s", c.Timing, c.Delay, c.Command, c.Target)
}

// Schedule is an immutable restart policy. It is built once at config load
// (or reload) and replaced wholesale, never mutated in place.
type Schedule struct {
	Name             string
	Enabled          bool
	Servers          []string
	Time             ScheduleTime
	WarningIntervals []int // seconds before restart
	WarningSound     string
	MinPlayersDelay  int // 0 disables auto-postponement
	Commands         []ScheduledCommand

	// timeProblem carries a time-string parse failure from construction
	// into Validate, so one unparseable schedule is skipped like any other
	// invalid one instead of failing the whole load.
	timeProblem string
}

// DefaultWarningSound matches what backend servers play when a warning
// carries no explicit sound.
const DefaultWarningSound = "ENTITY_EXPERIENCE_ORB_PICKUP"

// ScheduleFromConfig builds a Schedule from its config block. The result
// still needs Validate before being promoted to a task; an unparseable
// time string surfaces there as a violation, never as a load failure.
func ScheduleFromConfig(name string, sc config.ScheduleConfig, loc *time.Location) Schedule {
	var timeProblem string
	st, err := NewScheduleTime(sc.Time, ParseDays(sc.Days), loc)
	if err != nil {
		timeProblem = err.Error()
	}

	enabled := true
	if sc.Enabled != nil {
		enabled = *sc.Enabled
	}
	sound := sc.Warnings.Sound
	if sound == "" {
		sound = DefaultWarningSound
	}

	s := Schedule{
		Name:             name,
		Enabled:          enabled,
		Servers:          append([]string(nil), sc.Servers...),
		Time:             st,
		WarningIntervals: append([]int(nil), sc.Warnings.Intervals...),
		WarningSound:     sound,
		MinPlayersDelay:  sc.MinPlayersDelay,
		timeProblem:      timeProblem,
	}
	if sc.Commands != nil {
		for _, c := range sc.Commands.Before {
			s.Commands = append(s.Commands, ScheduledCommand{
				Command: c.Command, Delay: c.Delay, Timing: Before, Target: parseTarget(c.Target),
			})
		}
		for _, c := range sc.Commands.After {
			s.Commands = append(s.Commands, ScheduledCommand{
				Command: c.Command, Delay: c.Delay, Timing: After, Target: parseTarget(c.Target),
			})
		}
	}
	return s
}

func parseTarget(s string) CommandTarget {
	if strings.EqualFold(strings.TrimSpace(s), "proxy") {
		return TargetProxy
	}
	return TargetServer
}

// AppliesTo reports whether the schedule covers the given server.
func (s Schedule) AppliesTo(server string) bool {
	for _, v := range s.Servers {
		if v == server {
			return true
		}
	}
	return false
}

// BeforeCommands returns pre-restart commands, farthest from the restart
// first: operators expect "announce at T-10m" to run before "kick at T-1m".
func (s Schedule) BeforeCommands() []ScheduledCommand {
	out := s.commandsWithTiming(Before)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Delay > out[j].Delay })
	return out
}

// AfterCommands returns post-restart commands, soonest after the restart
// first.
func (s Schedule) AfterCommands() []ScheduledCommand {
	out := s.commandsWithTiming(After)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Delay < out[j].Delay })
	return out
}

func (s Schedule) commandsWithTiming(t CommandTiming) []ScheduledCommand {
	var out []ScheduledCommand
	for _, c := range s.Commands {
		if c.Timing == t {
			out = append(out, c)
		}
	}
	return out
}

// Validate returns every configuration violation as a human-readable line.
// An invalid schedule is never promoted to a task; the rest of the config
// still loads.
func (s Schedule) Validate() []string {
	var errs []string

	if s.timeProblem != "" {
		errs = append(errs, s.timeProblem)
	}
	if s.Name == "" {
		errs = append(errs, "schedule name cannot be empty")
	} else if !ValidScheduleName(s.Name) {
		errs = append(errs, fmt.Sprintf("schedule name %q may only contain letters, digits, '_' and '-'", s.Name))
	}
	if len(s.Servers) == 0 {
		errs = append(errs, "schedule must specify at least one server")
	}
	if len(s.WarningIntervals) == 0 {
		errs = append(errs, "schedule should have at least one warning interval")
	}

	seen := map[int]bool{}
	for _, w := range s.WarningIntervals {
		if w <= 0 {
			errs = append(errs, fmt.Sprintf("warning interval %d must be positive", w))
			continue
		}
		if seen[w] {
			errs = append(errs, fmt.Sprintf("duplicate warning interval: %d", w))
		}
		seen[w] = true
	}

	for _, c := range s.Commands {
		if strings.TrimSpace(c.Command) == "" {
			errs = append(errs, "scheduled command cannot be empty")
		}
		if c.Delay < 0 {
			errs = append(errs, fmt.Sprintf("command %q has negative offset %d", c.Command, c.Delay))
		}
	}
	return errs
}

func (s Schedule) String() string {
	return fmt.Sprintf("Schedule{name=%s enabled=%t servers=%s time=%s}",
		s.Name, s.Enabled, strings.Join(s.Servers, ","), s.Time)
}
