package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"restartd/internal/audit"
	"restartd/internal/config"
	"restartd/internal/restart"
)

func mapAuditConfig(ac *config.AuditConfig) (audit.Config, error) {
	busy, err := config.ParseDurationOrDefault("audit.busy_timeout", ac.BusyTimeout, 0)
	if err != nil {
		return audit.Config{}, err
	}
	return audit.Config{
		Driver:      ac.Driver,
		Path:        ac.Path,
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(rc *config.RestartConfig) (restart.SchedulerConfig, error) {
	loc, err := loadLocation(rc.Timezone)
	if err != nil {
		return restart.SchedulerConfig{}, err
	}
	check, err := config.ParseDurationOrDefault("restart.check_interval", rc.CheckInterval, restart.DefaultCheckInterval)
	if err != nil {
		return restart.SchedulerConfig{}, err
	}
	horizon, err := config.ParseDurationOrDefault("restart.trigger_horizon", rc.TriggerHorizon, restart.DefaultTriggerHorizon)
	if err != nil {
		return restart.SchedulerConfig{}, err
	}
	delayCheck, err := config.ParseDurationOrDefault("restart.delay_check_interval", rc.DelayCheckInterval, restart.DefaultDelayCheckInterval)
	if err != nil {
		return restart.SchedulerConfig{}, err
	}
	return restart.SchedulerConfig{
		Location:           loc,
		CheckInterval:      check,
		TriggerHorizon:     horizon,
		DelayCheckInterval: delayCheck,
	}, nil
}

func buildSchedules(rc *config.RestartConfig) ([]restart.Schedule, error) {
	loc, err := loadLocation(rc.Timezone)
	if err != nil {
		return nil, err
	}
	out := make([]restart.Schedule, 0, len(rc.Schedules))
	for name, sc := range rc.Schedules {
		out = append(out, restart.ScheduleFromConfig(name, sc, loc))
	}
	return out, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("restart.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// validate is the transactional reload gate: a config that fails here is
// never committed or published. Per-schedule problems are deliberately not
// load failures; the scheduler skips and logs the offending schedule and
// keeps the rest.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, time.Second); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("relay.request_timeout", cfg.Relay.RequestTimeout, time.Second); err != nil {
		return err
	}
	if cfg.Audit != nil {
		if _, err := mapAuditConfig(cfg.Audit); err != nil {
			return err
		}
	}
	if _, err := mapSchedulerConfig(&cfg.Restart); err != nil {
		return err
	}
	if _, err := buildSchedules(&cfg.Restart); err != nil {
		return err
	}
	return nil
}
