package notifier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"deployd/internal/eventbus"
	"deployd/internal/pool"
	logx "deployd/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestForwardsLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	fs := &fakeSender{}
	s := newWithSender(Config{ChatID: 42, RatePerSec: 100}, bus, logx.Nop(), fs)
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	bus.Publish(eventbus.Event{Type: "job.finished", Data: pool.JobEvent{TargetID: "web", Kind: "create"}})
	bus.Publish(eventbus.Event{Type: "job.crashed", Data: pool.JobEvent{TargetID: "api", Kind: "restart", Slot: 2}})
	bus.Publish(eventbus.Event{Type: "job.queued", Data: pool.JobEvent{TargetID: "web", Kind: "create"}})

	waitFor(t, time.Second, "two sends", func() bool { return len(fs.texts()) == 2 })

	got := strings.Join(fs.texts(), "\n")
	if !strings.Contains(got, "web: create finished") {
		t.Fatalf("missing finished message: %q", got)
	}
	if !strings.Contains(got, "api: restart crashed") {
		t.Fatalf("missing crashed message: %q", got)
	}
	// job.queued is intentionally not forwarded.
	if strings.Contains(got, "queued") {
		t.Fatalf("queued event should be skipped: %q", got)
	}
}

func TestRateLimitDropsExcess(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	fs := &fakeSender{}
	s := newWithSender(Config{ChatID: 42, RatePerSec: 1}, bus, logx.Nop(), fs)
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	for i := 0; i < 20; i++ {
		bus.Publish(eventbus.Event{Type: "job.finished", Data: pool.JobEvent{TargetID: "web", Kind: "create"}})
	}

	waitFor(t, time.Second, "at least one send", func() bool { return len(fs.texts()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(fs.texts()); n > 2 {
		t.Fatalf("sent %d messages, expected the limiter to drop most of 20", n)
	}
}

func TestFormatEventSkipsUnknown(t *testing.T) {
	t.Parallel()
	if got := formatEvent(eventbus.Event{Type: "config.updated"}); got != "" {
		t.Fatalf("formatEvent = %q, want empty", got)
	}
	got := formatEvent(eventbus.Event{Type: "pool.saturated", Data: pool.Info{QueueLen: 60, QueueCap: 64}})
	if !strings.Contains(got, "60/64") {
		t.Fatalf("formatEvent = %q", got)
	}
}
