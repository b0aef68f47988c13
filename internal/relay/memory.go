package relay

import (
	"context"
	"sync"
)

// Event is one recorded channel call.
type Event struct {
	Kind    string // "warning", "command", "shutdown", "cancelled", "delayed"
	Servers []string
	Target  string
	Seconds int
	Sound   string
	Command string
	Reason  string
	ETA     string
}

// Memory is an in-process Channel. It records every call and serves player
// counts from a settable value, which makes it both the dry-run driver and
// the test double for the scheduling core.
type Memory struct {
	mu      sync.Mutex
	events  []Event
	players int
}

func NewMemory() *Memory { return &Memory{} }

// SetPlayerCount sets the value PlayerCount will report.
func (m *Memory) SetPlayerCount(n int) {
	m.mu.Lock()
	m.players = n
	m.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// EventsOfKind filters recorded events by kind.
func (m *Memory) EventsOfKind(kind string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recording.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

func (m *Memory) record(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *Memory) NotifyWarning(_ context.Context, servers []string, secondsLeft int, soundID string) {
	m.record(Event{Kind: "warning", Servers: servers, Seconds: secondsLeft, Sound: soundID})
}

func (m *Memory) DispatchCommand(_ context.Context, target string, command string) {
	m.record(Event{Kind: "command", Target: target, Command: command})
}

func (m *Memory) NotifyShutdown(_ context.Context, servers []string) {
	m.record(Event{Kind: "shutdown", Servers: servers})
}

func (m *Memory) NotifyCancelled(_ context.Context, servers []string, reason string) {
	m.record(Event{Kind: "cancelled", Servers: servers, Reason: reason})
}

func (m *Memory) NotifyDelayed(_ context.Context, servers []string, newETA string, reason string) {
	m.record(Event{Kind: "delayed", Servers: servers, ETA: newETA, Reason: reason})
}

func (m *Memory) PlayerCount(_ context.Context, _ []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.players, nil
}
