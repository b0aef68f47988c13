// Package bot is the Telegram operator surface: restart status, delays,
// cancellations and manual restarts, restricted to configured owners.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"restartd/internal/restart"
	"restartd/pkg/logx"
)

type Config struct {
	Token        string
	OwnerUserIDs []int64
	PollTimeout  time.Duration
}

// Service wraps a telebot long-poller around the scheduler. Command
// handlers run on telebot's dispatch goroutine and only touch the
// scheduler's thread-safe API.
type Service struct {
	cfg   Config
	log   logx.Logger
	sched *restart.Scheduler

	// reload re-reads the config file; wired by the app.
	reload func() error

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	runWG   sync.WaitGroup
}

func New(cfg Config, sched *restart.Scheduler, reload func() error, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, log: log, sched: sched, reload: reload, bot: b}
	s.register()
	return s, nil
}

func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runWG.Add(1)
	s.runMu.Unlock()

	go func() {
		defer s.runWG.Done()
		go func() {
			<-rctx.Done()
			s.bot.Stop()
		}()
		s.log.Info("polling started")
		s.bot.Start() // blocks until Stop()
	}()
}

// Stop shuts down polling, never blocking longer than a short grace window
// on a pending long-poll.
func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasRunning := s.running
	s.running = false
	s.runMu.Unlock()

	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}
	go s.bot.Stop()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		s.log.Info("polling stopped")
	case <-ctx.Done():
	case <-t.C:
		s.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
}

func (s *Service) register() {
	s.handle("/status", func(c tele.Context, _ []string) error {
		return c.Send(s.sched.FormatStatus())
	})

	s.handle("/next", func(c tele.Context, args []string) error {
		if len(args) < 1 {
			return c.Send("usage: /next <server>")
		}
		return c.Send(s.sched.NextRestartInfo(args[0]))
	})

	s.handle("/list", func(c tele.Context, _ []string) error {
		list := s.sched.List()
		if len(list) == 0 {
			return c.Send("no restart schedules loaded")
		}
		var b strings.Builder
		for _, st := range list {
			state := "-"
			if st.Active {
				state = st.State
			}
			enabled := "on"
			if !st.Enabled {
				enabled = "off"
			}
			fmt.Fprintf(&b, "%s [%s] %s, next %s (%s)\n",
				st.Name, enabled, strings.Join(st.Servers, ","), st.NextIn, state)
		}
		return c.Send(strings.TrimRight(b.String(), "\n"))
	})

	s.handle("/delay", func(c tele.Context, args []string) error {
		if len(args) < 2 {
			return c.Send("usage: /delay <schedule> <minutes> [reason]")
		}
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes <= 0 {
			return c.Send("minutes must be a positive number")
		}
		reason := strings.Join(args[2:], " ")
		if reason == "" {
			reason = "operator request"
		}
		r := restart.NewReason(reason, senderName(c), restart.ReasonDelay)
		if !s.sched.DelayRestart(args[0], minutes, r) {
			return c.Send("no running countdown for " + args[0])
		}
		return c.Send(fmt.Sprintf("delayed %s by %d minute(s)", args[0], minutes))
	})

	s.handle("/cancel", func(c tele.Context, args []string) error {
		if len(args) < 1 {
			return c.Send("usage: /cancel <schedule> [reason]")
		}
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = "operator request"
		}
		r := restart.NewReason(reason, senderName(c), restart.ReasonCancel)
		if !s.sched.CancelRestart(args[0], r) {
			return c.Send("no running countdown for " + args[0])
		}
		return c.Send("cancelled restart for " + args[0])
	})

	s.handle("/restartnow", func(c tele.Context, args []string) error {
		if len(args) < 1 {
			return c.Send("usage: /restartnow <server> [server...]")
		}
		if err := s.sched.RestartNow(args, senderName(c)); err != nil {
			return c.Send("restart failed: " + err.Error())
		}
		return c.Send("restarting " + strings.Join(args, ", ") + " in 10 seconds")
	})

	s.handle("/reload", func(c tele.Context, _ []string) error {
		if s.reload == nil {
			return c.Send("reload not available")
		}
		if err := s.reload(); err != nil {
			return c.Send("reload failed: " + err.Error())
		}
		return c.Send("configuration reloaded")
	})
}

// handle registers one command with the owner gate and argument split
// applied. Unknown senders are ignored silently.
func (s *Service) handle(command string, fn func(c tele.Context, args []string) error) {
	s.bot.Handle(command, func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil || !s.isOwner(sender.ID) {
			return nil
		}
		err := fn(c, c.Args())
		if err != nil {
			s.log.Warn("command failed",
				logx.String("command", command), logx.Err(err))
		}
		return err
	})
}

func (s *Service) isOwner(id int64) bool {
	for _, owner := range s.cfg.OwnerUserIDs {
		if owner == id {
			return true
		}
	}
	return false
}

func senderName(c tele.Context) string {
	sender := c.Sender()
	if sender == nil {
		return "unknown"
	}
	if sender.Username != "" {
		return "@" + sender.Username
	}
	return strconv.FormatInt(sender.ID, 10)
}
