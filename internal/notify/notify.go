// Package notify delivers the mute action for fired events. Delivery is
// rate limited so a burst of simultaneous events stays within Telegram's
// API budget, and transient failures are retried with backoff.
package notify

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mutemebot/internal/eventbus"
	kit "mutemebot/internal/transport"
	logx "mutemebot/pkg/logx"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, adapter: adapter, bus: bus}
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
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket with burst = rate per sec so short spikes don't stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Mute restricts the user in the chat and posts a confirmation. The mute
// itself is retried; the confirmation message is best-effort.
func (s *Service) Mute(ctx context.Context, chatID, userID int64, eventID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.adapter.Mute(ctx, chatID, userID)
		if err == nil {
			s.confirm(ctx, chatID, eventID)
			s.publish("notify.muted", chatID, userID, eventID, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("mute failed",
			logx.String("id", eventID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}

	s.publish("notify.failed", chatID, userID, eventID, lastErr)
	return fmt.Errorf("mute %s: %w", eventID, lastErr)
}

func (s *Service) confirm(ctx context.Context, chatID int64, eventID string) {
	text := fmt.Sprintf("\U0001F507 Muted on schedule (%s).", eventID)
	if _, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		s.log.Debug("mute confirmation send failed", logx.String("id", eventID), logx.Err(err))
	}
}

func (s *Service) publish(typ string, chatID, userID int64, eventID string, err error) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"id": eventID, "chat_id": chatID, "user_id": userID}
	if err != nil {
		data["error"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3.
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
