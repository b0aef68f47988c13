package restart

import (
	"strings"
	"time"
)

// ReasonType classifies why a task deviated from its schedule.
type ReasonType int

const (
	ReasonDelay ReasonType = iota
	ReasonCancel
	ReasonManual
)

func (t ReasonType) String() string {
	switch t {
	case ReasonDelay:
		return "delay"
	case ReasonCancel:
		return "cancel"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Reason records who changed a restart's fate and why. It is attached to the
// resulting state transition and the outward notification, nothing more.
type Reason struct {
	Reason      string
	RequestedBy string
	At          time.Time
	Type        ReasonType
}

func NewReason(reason, requestedBy string, t ReasonType) Reason {
	return Reason{Reason: reason, RequestedBy: requestedBy, At: time.Now(), Type: t}
}

// Message renders the operator-facing summary line.
func (r Reason) Message() string {
	var b strings.Builder
	switch r.Type {
	case ReasonDelay:
		b.WriteString("Restart delayed")
	case ReasonCancel:
		b.WriteString("Restart cancelled")
	case ReasonManual:
		b.WriteString("Manual restart initiated")
	}
	b.WriteString(" by ")
	b.WriteString(r.RequestedBy)
	if r.Reason != "" {
		b.WriteString(": ")
		b.WriteString(r.Reason)
	}
	return b.String()
}

func (r Reason) String() string { return r.Message() }
