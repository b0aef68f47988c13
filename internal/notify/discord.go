// Package notify posts restart lifecycle announcements to a Discord
// webhook so operators see countdowns, delays and cancellations without
// watching the logs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"restartd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

type Config struct {
	Enabled    bool
	WebhookURL string
	RatePerSec int
	QueueSize  int
}

// Service is an async announcement pipeline: bounded queue, one worker,
// rate limit, a single retry. Announcements are best-effort and dropped
// when the queue is full; the restart core never blocks on Discord.
type Service struct {
	log logx.Logger

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan string
	accepting bool
	done      chan struct{}

	// enqueueWG counts Announce calls between their accepting-check and the
	// queue send; Stop waits it out before closing the queue, so an enqueue
	// in flight can never hit a closed channel.
	enqueueWG sync.WaitGroup

	client *http.Client
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.cfg.WebhookURL == "" {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	s.done = make(chan struct{})
	q := s.queue
	done := s.done
	s.mu.Unlock()

	go s.workerLoop(ctx, q, done)
	s.log.Info("discord notifier started")
}

// Stop blocks intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.done
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.done = nil
	s.mu.Unlock()

	s.enqueueWG.Wait()
	close(q)
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Announce queues one message. Returns ErrQueueFull rather than blocking.
func (s *Service) Announce(text string) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, text)
		}
	}
}

func (s *Service) send(ctx context.Context, text string) {
	s.mu.Lock()
	lim := s.limiter
	url := s.cfg.WebhookURL
	s.mu.Unlock()
	if url == "" {
		return
	}

	if err := lim.Wait(ctx); err != nil {
		return
	}

	// One retry after a short pause covers transient webhook hiccups.
	for attempt := 1; attempt <= 2; attempt++ {
		err := s.post(ctx, url, text)
		if err == nil {
			return
		}
		s.log.Debug("discord announce failed", logx.Err(err), logx.Int("attempt", attempt))
		if attempt == 1 {
			t := time.NewTimer(time.Second)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
	}
}

func (s *Service) post(ctx context.Context, url, text string) error {
	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
