package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"restartd/internal/relay"
	"restartd/pkg/logx"
)

func webhookRecorder(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	received := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var payload map[string]string
		if err := json.Unmarshal(b, &payload); err != nil {
			t.Errorf("bad webhook payload %q: %v", b, err)
		}
		received <- payload["content"]
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func TestAnnouncePostsToWebhook(t *testing.T) {
	srv, received := webhookRecorder(t)

	svc := New(Config{Enabled: true, WebhookURL: srv.URL, RatePerSec: 100}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	if err := svc.Announce("restart in 5 minutes"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	select {
	case got := <-received:
		if got != "restart in 5 minutes" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook never called")
	}

	svc.Stop(context.Background())
	if err := svc.Announce("after stop"); err != ErrStopped {
		t.Fatalf("Announce after stop = %v, want ErrStopped", err)
	}
}

// Announce racing Stop must never send on the closed queue: the service
// waits out in-flight enqueues before closing. A lost race surfaces here as
// a "send on closed channel" panic.
func TestAnnounceConcurrentWithStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	for i := 0; i < 100; i++ {
		svc := New(Config{Enabled: true, WebhookURL: srv.URL, RatePerSec: 1000, QueueSize: 4}, logx.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		svc.Start(ctx)

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					err := svc.Announce("restart soon")
					if err == ErrStopped {
						return
					}
					if err != nil && err != ErrQueueFull {
						t.Errorf("Announce: %v", err)
						return
					}
				}
			}()
		}
		svc.Stop(context.Background())
		wg.Wait()
		cancel()
	}
}

func TestAnnounceDisabled(t *testing.T) {
	svc := New(Config{Enabled: false}, logx.Nop())
	svc.Start(context.Background())
	if err := svc.Announce("nope"); err != ErrDisabled {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
}

func TestChannelTee(t *testing.T) {
	srv, received := webhookRecorder(t)

	svc := New(Config{Enabled: true, WebhookURL: srv.URL, RatePerSec: 100}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	mem := relay.NewMemory()
	ch := Wrap(mem, svc)

	ch.NotifyDelayed(ctx, []string{"lobby"}, "5m", "boss fight")

	// Fleet traffic always passes through.
	if got := mem.EventsOfKind("delayed"); len(got) != 1 || got[0].Reason != "boss fight" {
		t.Fatalf("inner channel events: %v", got)
	}
	select {
	case got := <-received:
		if !strings.Contains(got, "lobby") || !strings.Contains(got, "boss fight") {
			t.Fatalf("announcement = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook never called")
	}
}

func TestChannelWarningFloor(t *testing.T) {
	srv, received := webhookRecorder(t)

	svc := New(Config{Enabled: true, WebhookURL: srv.URL, RatePerSec: 100}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	mem := relay.NewMemory()
	ch := Wrap(mem, svc)

	ch.NotifyWarning(ctx, []string{"lobby"}, 10, "SOUND")
	ch.NotifyWarning(ctx, []string{"lobby"}, 600, "SOUND")

	// Only the 600s warning crosses the announce floor.
	select {
	case got := <-received:
		if !strings.Contains(got, "10 minutes") {
			t.Fatalf("announcement = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook never called")
	}
	select {
	case got := <-received:
		t.Fatalf("unexpected second announcement %q", got)
	case <-time.After(100 * time.Millisecond):
	}

	// Both warnings reached the fleet regardless.
	if got := mem.EventsOfKind("warning"); len(got) != 2 {
		t.Fatalf("inner warnings = %d, want 2", len(got))
	}
}
