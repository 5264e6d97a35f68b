// Package notifier pushes job lifecycle events to a Telegram chat.
//
// It subscribes to the in-process event bus and forwards a curated subset of
// events as plain-text messages. Sends are rate limited; events over the
// budget are dropped and summarized periodically instead of queued.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"deployd/internal/eventbus"
	"deployd/internal/pool"
	logx "deployd/pkg/logx"
)

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int // default 1
}

// sender is the slice of telebot used here. Tests substitute a fake.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	cfg Config
	bus eventbus.Bus
	log logx.Logger

	bot     sender
	limiter *rate.Limiter
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notifier chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: false})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, bus, log, b), nil
}

func newWithSender(cfg Config, bus eventbus.Bus, log logx.Logger, s sender) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	per := cfg.RatePerSec
	if per <= 0 {
		per = 1
	}
	return &Service{
		cfg:     cfg,
		bus:     bus,
		log:     log,
		bot:     s,
		limiter: rate.NewLimiter(rate.Limit(per), per),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true

	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events, unsub := s.bus.Subscribe(64)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()

		// Summarize drops instead of logging per event.
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-rctx.Done():
				s.flushDropped()
				return
			case <-ticker.C:
				s.flushDropped()
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.handle(rctx, ev)
			}
		}
	}()
}

func (s *Service) Stop() {
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
	s.wg.Wait()
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	text := formatEvent(ev)
	if text == "" {
		return
	}
	if !s.limiter.Allow() {
		s.dropped.Add(1)
		return
	}
	_, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("telegram send failed", logx.String("event", ev.Type), logx.Any("err", err))
	}
}

func (s *Service) flushDropped() {
	if n := s.dropped.Swap(0); n > 0 {
		s.log.Warn("notifications dropped (rate limit)", logx.Uint64("count", n))
	}
}

// formatEvent returns the message text for an event, or "" to skip it.
// Queued and dispatched events are too chatty to forward.
func formatEvent(ev eventbus.Event) string {
	switch ev.Type {
	case "job.finished":
		if je, ok := ev.Data.(pool.JobEvent); ok {
			return fmt.Sprintf("✅ %s: %s finished", je.TargetID, je.Kind)
		}
	case "job.crashed":
		if je, ok := ev.Data.(pool.JobEvent); ok {
			return fmt.Sprintf("💥 %s: %s crashed (worker %d replaced)", je.TargetID, je.Kind, je.Slot)
		}
	case "job.cancelled":
		if je, ok := ev.Data.(pool.JobEvent); ok {
			return fmt.Sprintf("🚫 %s: cancelled while queued", je.TargetID)
		}
	case "pool.saturated":
		if info, ok := ev.Data.(pool.Info); ok {
			return fmt.Sprintf("⚠️ deploy queue nearly full: %d/%d", info.QueueLen, info.QueueCap)
		}
	}
	return ""
}
