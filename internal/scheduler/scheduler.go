// Package scheduler turns persisted events into live timers. Each event id
// has at most one pending timer; re-arming an id replaces its timer, and a
// per-id version counter makes callbacks from replaced timers inert.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mutemebot/internal/eventbus"
	"mutemebot/internal/registry"
	"mutemebot/internal/store"
	"mutemebot/internal/timemath"
	logx "mutemebot/pkg/logx"
)

// Notifier delivers the mute action when an event fires.
type Notifier interface {
	Mute(ctx context.Context, chatID, userID int64, eventID string) error
}

const (
	defaultReconcileEvery = 5 * time.Minute
	notifyTimeout         = 30 * time.Second
)

type Config struct {
	// ReconcileEvery is the period of the safety sweep that re-arms any
	// event without a live timer. Zero means the default.
	ReconcileEvery time.Duration
}

type Service struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	reg      *registry.Registry
	notifier Notifier

	c       *cron.Cron
	timers  map[string]*time.Timer
	ver     map[string]uint64
	now     func() time.Time
	baseCtx context.Context
}

func New(cfg Config, reg *registry.Registry, notifier Notifier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = defaultReconcileEvery
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		reg:      reg,
		notifier: notifier,
		timers:   map[string]*time.Timer{},
		ver:      map[string]uint64{},
		now:      time.Now,
		baseCtx:  context.Background(),
	}
}

// SetClock overrides the wall clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Start arms every persisted event and begins the periodic reconcile sweep.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.baseCtx = ctx
	c := cron.New()
	s.c = c
	every := s.cfg.ReconcileEvery
	s.mu.Unlock()

	s.RearmAll()

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), s.reconcile); err != nil {
		s.log.Error("reconcile sweep register failed", logx.Err(err))
	}
	c.Start()
	s.log.Info("service started", logx.Duration("reconcile_every", every))
}

// Stop halts the sweep and all pending timers. Persisted events are
// untouched; the next Start re-arms them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for id, t := range s.timers {
		_ = t.Stop()
		s.ver[id]++
	}
	s.timers = map[string]*time.Timer{}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Arm schedules (or reschedules) the timer for an event. An event whose fire
// instant is already past is treated as expired and deleted instead of armed.
func (s *Service) Arm(eventID string) {
	ev, ok := s.reg.Event(eventID)
	if !ok {
		s.Cancel(eventID)
		return
	}

	s.mu.Lock()
	delay := ev.NextFire.Sub(s.now())
	ctx := s.baseCtx
	s.mu.Unlock()
	if delay < 0 {
		s.log.Info("event expired while unscheduled; removing",
			logx.String("id", eventID), logx.Time("next_fire", ev.NextFire))
		s.reg.DeleteEvent(ctx, eventID)
		s.publish(eventbus.TypeEventRemoved, eventID, ev, "expired")
		return
	}

	s.mu.Lock()
	if t, ok := s.timers[eventID]; ok {
		_ = t.Stop()
		delete(s.timers, eventID)
	}
	ver := s.ver[eventID] + 1
	s.ver[eventID] = ver
	s.timers[eventID] = time.AfterFunc(delay, func() { s.fire(eventID, ver) })
	s.mu.Unlock()

	s.log.Debug("event armed",
		logx.String("id", eventID),
		logx.Duration("delay", delay),
		logx.Time("next_fire", ev.NextFire))
}

// Cancel stops the pending timer for an event, if any. Idempotent.
func (s *Service) Cancel(eventID string) {
	s.mu.Lock()
	if t, ok := s.timers[eventID]; ok {
		_ = t.Stop()
		delete(s.timers, eventID)
	}
	s.ver[eventID]++
	s.mu.Unlock()
}

// RearmAll arms a fresh timer for every persisted event. Used at startup and
// after bulk recomputes such as a timezone change.
func (s *Service) RearmAll() {
	ids := s.reg.EventIDs()
	for _, id := range ids {
		s.Arm(id)
	}
	s.log.Info("events armed", logx.Int("count", len(ids)))
}

// reconcile arms any event that lost its timer. A correct timer set makes
// this a no-op; it exists to bound the damage of a missed re-arm.
func (s *Service) reconcile() {
	for _, id := range s.reg.EventIDs() {
		s.mu.Lock()
		_, armed := s.timers[id]
		s.mu.Unlock()
		if !armed {
			s.log.Warn("event had no live timer; re-arming", logx.String("id", id))
			s.Arm(id)
		}
	}
}

// fire runs when a timer elapses. A stale version means the timer was
// replaced or cancelled after the callback was already in flight.
func (s *Service) fire(eventID string, ver uint64) {
	s.mu.Lock()
	if s.ver[eventID] != ver {
		s.mu.Unlock()
		return
	}
	delete(s.timers, eventID)
	ctx := s.baseCtx
	s.mu.Unlock()

	ev, ok := s.reg.Event(eventID)
	if !ok {
		// Deleted between timer expiry and this callback.
		return
	}

	if ev.Snooze {
		s.log.Info("event fired while snoozed; skipping notification",
			logx.String("id", eventID), logx.Int64("user", ev.UserID))
		s.publish(eventbus.TypeEventSkipped, eventID, ev, "snoozed")
	} else {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		err := s.notifier.Mute(nctx, ev.ChatID, ev.UserID, eventID)
		cancel()
		if err != nil {
			// Delivery failures never stall the schedule.
			s.log.Warn("notification failed",
				logx.String("id", eventID), logx.Int64("user", ev.UserID), logx.Err(err))
		}
		s.publish(eventbus.TypeEventFired, eventID, ev, "")
	}

	if ev.Repeat == timemath.NoRepeat {
		s.reg.DeleteEvent(ctx, eventID)
		s.publish(eventbus.TypeEventRemoved, eventID, ev, "fired")
		return
	}

	if err := s.reg.RefreshRecurring(ctx, eventID); err != nil {
		s.log.Error("recurring advance failed", logx.String("id", eventID), logx.Err(err))
		return
	}
	s.Arm(eventID)
	s.publish(eventbus.TypeEventRearmed, eventID, ev, "")
}

func (s *Service) publish(typ, eventID string, ev store.Event, reason string) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"id":      eventID,
		"user_id": ev.UserID,
		"chat_id": ev.ChatID,
		"repeat":  ev.Repeat,
	}
	if reason != "" {
		data["reason"] = reason
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
