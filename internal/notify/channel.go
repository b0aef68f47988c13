package notify

import (
	"context"
	"fmt"
	"strings"

	"restartd/internal/relay"
)

// announceFloor keeps the webhook quiet during the final warning burst:
// only warnings at or above this many seconds are announced.
const announceFloor = 300

// Channel decorates a relay channel with Discord announcements. Fleet
// traffic passes through untouched; lifecycle events additionally land on
// the webhook.
type Channel struct {
	inner relay.Channel
	svc   *Service
}

func Wrap(inner relay.Channel, svc *Service) *Channel {
	return &Channel{inner: inner, svc: svc}
}

func (c *Channel) NotifyWarning(ctx context.Context, servers []string, secondsLeft int, soundID string) {
	c.inner.NotifyWarning(ctx, servers, secondsLeft, soundID)
	if secondsLeft >= announceFloor {
		c.announce(fmt.Sprintf(":hourglass: Restart of %s in %d minutes",
			serverList(servers), secondsLeft/60))
	}
}

func (c *Channel) DispatchCommand(ctx context.Context, target string, command string) {
	c.inner.DispatchCommand(ctx, target, command)
}

func (c *Channel) NotifyShutdown(ctx context.Context, servers []string) {
	c.inner.NotifyShutdown(ctx, servers)
	c.announce(":arrows_counterclockwise: Restarting " + serverList(servers))
}

func (c *Channel) NotifyCancelled(ctx context.Context, servers []string, reason string) {
	c.inner.NotifyCancelled(ctx, servers, reason)
	c.announce(fmt.Sprintf(":no_entry: Restart of %s cancelled: %s", serverList(servers), reason))
}

func (c *Channel) NotifyDelayed(ctx context.Context, servers []string, newETA string, reason string) {
	c.inner.NotifyDelayed(ctx, servers, newETA, reason)
	c.announce(fmt.Sprintf(":alarm_clock: Restart of %s delayed by %s: %s",
		serverList(servers), newETA, reason))
}

func (c *Channel) PlayerCount(ctx context.Context, servers []string) (int, error) {
	return c.inner.PlayerCount(ctx, servers)
}

func (c *Channel) announce(text string) {
	if c.svc == nil {
		return
	}
	// Best-effort; disabled and full-queue cases are expected.
	_ = c.svc.Announce(text)
}

func serverList(servers []string) string {
	if len(servers) == 0 {
		return "(none)"
	}
	return "**" + strings.Join(servers, "**, **") + "**"
}
