package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"restartd/pkg/logx"
)

// Message kinds carried on the restart subjects. Backends switch on Kind.
const (
	kindWarning  = "restart_warning"
	kindCommand  = "restart_command"
	kindShutdown = "restart_shutdown"
	kindCancel   = "restart_cancel"
	kindDelayed  = "restart_delayed"
)

// message is the wire envelope published to restart.server.<name> (and
// restart.proxy.command for proxy-targeted commands).
type message struct {
	Kind    string `json:"kind"`
	Seconds int    `json:"seconds,omitempty"`
	Sound   string `json:"sound,omitempty"`
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`
	ETA     string `json:"eta,omitempty"`
}

// playerCountReply is the response backends send on players.<name>.
type playerCountReply struct {
	Online int `json:"online"`
}

type NATSConfig struct {
	URL            string
	Name           string // connection name, shows up in server monitoring
	RequestTimeout time.Duration
}

// NATSChannel relays restart traffic over NATS subjects, one per server,
// with player counts served by request/reply. Publish failures are logged
// and dropped; the countdown never waits on the broker.
type NATSChannel struct {
	log  logx.Logger
	conn *nats.Conn

	reqTimeout time.Duration
}

func NewNATS(cfg NATSConfig, log logx.Logger) (*NATSChannel, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "restartd"
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", logx.Err(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSChannel{log: log, conn: conn, reqTimeout: timeout}, nil
}

func (c *NATSChannel) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func serverSubject(server string) string { return "restart.server." + server }

const proxySubject = "restart.proxy.command"

func (c *NATSChannel) publish(subject string, m message) {
	data, err := json.Marshal(m)
	if err != nil {
		c.log.Error("relay message marshal failed", logx.Err(err), logx.String("kind", m.Kind))
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		c.log.Warn("relay publish failed",
			logx.String("subject", subject), logx.String("kind", m.Kind), logx.Err(err))
	}
}

func (c *NATSChannel) fanout(servers []string, m message) {
	for _, s := range servers {
		c.publish(serverSubject(s), m)
	}
}

func (c *NATSChannel) NotifyWarning(_ context.Context, servers []string, secondsLeft int, soundID string) {
	c.fanout(servers, message{Kind: kindWarning, Seconds: secondsLeft, Sound: soundID})
}

func (c *NATSChannel) DispatchCommand(_ context.Context, target string, command string) {
	m := message{Kind: kindCommand, Command: command}
	if target == Proxy {
		c.publish(proxySubject, m)
		return
	}
	c.publish(serverSubject(target), m)
}

func (c *NATSChannel) NotifyShutdown(_ context.Context, servers []string) {
	c.fanout(servers, message{Kind: kindShutdown})
}

func (c *NATSChannel) NotifyCancelled(_ context.Context, servers []string, reason string) {
	c.fanout(servers, message{Kind: kindCancel, Reason: reason})
}

func (c *NATSChannel) NotifyDelayed(_ context.Context, servers []string, newETA string, reason string) {
	c.fanout(servers, message{Kind: kindDelayed, ETA: newETA, Reason: reason})
}

// PlayerCount asks each server for its online count over request/reply.
// Servers that don't answer within the timeout count as zero; the restart
// must not hinge on an unreachable backend.
func (c *NATSChannel) PlayerCount(ctx context.Context, servers []string) (int, error) {
	total := 0
	for _, s := range servers {
		rctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
		msg, err := c.conn.RequestWithContext(rctx, "players."+s, nil)
		cancel()
		if err != nil {
			c.log.Debug("player count request failed", logx.String("server", s), logx.Err(err))
			continue
		}
		var reply playerCountReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			c.log.Debug("player count reply malformed", logx.String("server", s), logx.Err(err))
			continue
		}
		total += reply.Online
	}
	return total, nil
}
