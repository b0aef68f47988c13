// Package relay is the message channel between the coordinator and the
// fleet: countdown warnings, scheduled commands, shutdown signals and
// player-count queries.
package relay

import "context"

// Proxy is the command target for proxy-wide commands, distinct from any
// server name.
const Proxy = "@proxy"

// Channel is the contract the restart core requires from the fleet link.
//
// Notify/Dispatch calls are fire-and-forget: implementations must not block
// the caller beyond a short bounded duration, and failures are logged by the
// implementation, never retried by the core.
type Channel interface {
	// NotifyWarning tells the servers a restart is secondsLeft away, with
	// the sound backends should play alongside the on-screen warning.
	NotifyWarning(ctx context.Context, servers []string, secondsLeft int, soundID string)

	// DispatchCommand runs a console command on a server, or on the proxy
	// when target is Proxy.
	DispatchCommand(ctx context.Context, target string, command string)

	// NotifyShutdown tells the servers to shut down now.
	NotifyShutdown(ctx context.Context, servers []string)

	// NotifyCancelled announces that the pending restart was called off.
	NotifyCancelled(ctx context.Context, servers []string, reason string)

	// NotifyDelayed announces the new countdown after a postponement.
	NotifyDelayed(ctx context.Context, servers []string, newETA string, reason string)

	// PlayerCount sums currently connected players across the servers.
	PlayerCount(ctx context.Context, servers []string) (int, error)
}
