package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Relay    RelayConfig    `json:"relay"`
	Restart  RestartConfig  `json:"restart"`
	Audit    *AuditConfig   `json:"audit,omitempty"`
}

type LoggingConfig struct {
	Level   string           `json:"level"`
	Console bool             `json:"console"`
	File    LogFileConfig    `json:"file"`
	Discord LogForwardConfig `json:"discord"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogForwardConfig forwards warnings/errors to the Discord webhook.
type LogForwardConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig configures the operator bot. If Token is empty the bot is
// not started and the daemon runs on schedules alone.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

// DiscordConfig configures restart lifecycle announcements.
type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// RelayConfig configures the fleet message channel.
//
// Driver values:
//   - "nats": NATS pub/sub relay (player counts via request/reply)
//   - "memory": in-process relay, useful for dry runs and tests
type RelayConfig struct {
	Driver         string `json:"driver"`
	URL            string `json:"url,omitempty"`
	Name           string `json:"name,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// AuditConfig controls the restart action trail.
//
// Example:
//
//	"audit": { "driver": "sqlite", "path": "./restartd.db" }
type AuditConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RestartConfig is the scheduling section. All durations are Go duration
// strings (e.g. "60s", "1h").
type RestartConfig struct {
	Enabled            bool   `json:"enabled"`
	Timezone           string `json:"timezone,omitempty"`
	CheckInterval      string `json:"check_interval,omitempty"`
	TriggerHorizon     string `json:"trigger_horizon,omitempty"`
	DelayCheckInterval string `json:"delay_check_interval,omitempty"`

	Schedules map[string]ScheduleConfig `json:"schedules"`
}

type ScheduleConfig struct {
	Enabled         *bool           `json:"enabled,omitempty"` // nil means enabled
	Servers         []string        `json:"servers"`
	Time            string          `json:"time"`           // HH:MM, 24-hour
	Days            []string        `json:"days,omitempty"` // weekday names, "*" = all
	MinPlayersDelay int             `json:"min_players_delay,omitempty"`
	Warnings        WarningsConfig  `json:"warnings"`
	Commands        *CommandsConfig `json:"commands,omitempty"`
}

type WarningsConfig struct {
	Intervals []int  `json:"intervals"` // seconds before restart
	Sound     string `json:"sound,omitempty"`
}

type CommandsConfig struct {
	Before []CommandConfig `json:"before,omitempty"`
	After  []CommandConfig `json:"after,omitempty"`
}

type CommandConfig struct {
	Command string `json:"command"`
	Delay   int    `json:"delay"`            // seconds before/after restart
	Target  string `json:"target,omitempty"` // "server" (default) or "proxy"
}
