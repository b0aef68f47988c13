package restart

import (
	"strings"
	"testing"
	"time"

	"restartd/internal/config"
)

func testSchedule(name string, servers ...string) Schedule {
	st, _ := NewScheduleTime("04:00", nil, time.UTC)
	return Schedule{
		Name:             name,
		Enabled:          true,
		Servers:          servers,
		Time:             st,
		WarningIntervals: []int{300, 60, 10},
		WarningSound:     DefaultWarningSound,
	}
}

func TestScheduleFromConfig(t *testing.T) {
	disabled := false
	sc := config.ScheduleConfig{
		Enabled:         &disabled,
		Servers:         []string{"lobby", "survival"},
		Time:            "04:30",
		Days:            []string{"mon", "fri"},
		MinPlayersDelay: 5,
		Warnings:        config.WarningsConfig{Intervals: []int{600, 60}},
		Commands: &config.CommandsConfig{
			Before: []config.CommandConfig{{Command: "save-all", Delay: 60}},
			After:  []config.CommandConfig{{Command: "alert back", Delay: 30, Target: "proxy"}},
		},
	}

	sch := ScheduleFromConfig("weekly", sc, time.UTC)
	if sch.Enabled {
		t.Fatalf("expected disabled schedule")
	}
	if sch.WarningSound != DefaultWarningSound {
		t.Fatalf("expected default sound, got %q", sch.WarningSound)
	}
	if !sch.Time.RunsOn(time.Monday) || sch.Time.RunsOn(time.Tuesday) {
		t.Fatalf("day filter not applied")
	}
	if len(sch.Commands) != 2 {
		t.Fatalf("got %d commands, want 2", len(sch.Commands))
	}
	if sch.Commands[0].Timing != Before || sch.Commands[1].Target != TargetProxy {
		t.Fatalf("command mapping wrong: %+v", sch.Commands)
	}
}

func TestScheduleBadTimeBecomesViolation(t *testing.T) {
	sc := config.ScheduleConfig{
		Servers:  []string{"lobby"},
		Time:     "nope",
		Warnings: config.WarningsConfig{Intervals: []int{60}},
	}
	sch := ScheduleFromConfig("bad-time", sc, time.UTC)

	errs := sch.Validate()
	if len(errs) != 1 || !strings.Contains(errs[0], "nope") {
		t.Fatalf("got violations %v, want one naming the bad time", errs)
	}

	// An otherwise identical schedule with a parseable time is clean.
	sc.Time = "04:00"
	if errs := ScheduleFromConfig("bad-time", sc, time.UTC).Validate(); len(errs) != 0 {
		t.Fatalf("valid schedule rejected: %v", errs)
	}
}

func TestScheduleValidate(t *testing.T) {
	sch := testSchedule("nightly", "lobby")
	if errs := sch.Validate(); len(errs) != 0 {
		t.Fatalf("valid schedule rejected: %v", errs)
	}

	bad := Schedule{
		Name:             "bad name!",
		WarningIntervals: []int{60, 60, -5},
		Commands:         []ScheduledCommand{{Command: " ", Delay: -1}},
	}
	// invalid name, no servers, duplicate 60, negative interval,
	// empty command, negative command offset
	errs := bad.Validate()
	if len(errs) != 6 {
		t.Fatalf("got %d violations, want 6: %v", len(errs), errs)
	}
}

func TestScheduleAppliesTo(t *testing.T) {
	sch := testSchedule("nightly", "lobby", "survival")
	if !sch.AppliesTo("lobby") || sch.AppliesTo("creative") {
		t.Fatalf("AppliesTo wrong")
	}
}

func TestCommandOrdering(t *testing.T) {
	sch := testSchedule("nightly", "lobby")
	sch.Commands = []ScheduledCommand{
		{Command: "kick", Delay: 5, Timing: Before},
		{Command: "announce", Delay: 600, Timing: Before},
		{Command: "save", Delay: 60, Timing: Before},
		{Command: "late", Delay: 120, Timing: After},
		{Command: "early", Delay: 10, Timing: After},
	}

	before := sch.BeforeCommands()
	if len(before) != 3 || before[0].Command != "announce" || before[2].Command != "kick" {
		t.Fatalf("before order wrong: %v", before)
	}
	after := sch.AfterCommands()
	if len(after) != 2 || after[0].Command != "early" {
		t.Fatalf("after order wrong: %v", after)
	}
}
