// Package audit persists the reason trail behind every restart action:
// who started, delayed or cancelled what, and why.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"restartd/pkg/logx"
)

// Entry records one restart action. Keep it compact and schema-stable.
type Entry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"` // started, delayed, cancelled, completed, manual, reload, shutdown
	Schedule string    `json:"schedule,omitempty"`
	Servers  []string  `json:"servers,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Store is the minimal persistence API the scheduler writes through.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Config selects the audit backend.
//
// Driver values:
//   - "file": JSONL file, dependency-free
//   - "sqlite": SQLite database file
//
// Empty or "none" disables auditing.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store. It returns (nil, nil) when
// auditing is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown audit driver: " + driver)
	}
}
