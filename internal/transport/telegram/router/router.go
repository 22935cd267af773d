// Package router consumes transport updates and dispatches the bot's single
// command surface. Handlers run on the dispatch goroutine; replies are
// bounded by a per-request timeout so a slow Telegram call cannot back up
// the update channel forever.
package router

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"mutemebot/internal/registry"
	rtsup "mutemebot/internal/runtime/supervisor"
	"mutemebot/internal/scheduler"
	kit "mutemebot/internal/transport"
	logx "mutemebot/pkg/logx"
)

const (
	defaultPrefix  = "muteme"
	requestTimeout = 15 * time.Second
)

type Config struct {
	// Prefix is the command word, matched bare or as "/<prefix>".
	Prefix string
}

type Service struct {
	cfg     Config
	log     logx.Logger
	adapter kit.Adapter
	reg     *registry.Registry
	sched   *scheduler.Service

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, adapter kit.Adapter, reg *registry.Registry, sched *scheduler.Service, log logx.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, adapter: adapter, reg: reg, sched: sched}
}

// Start begins consuming updates from in. Idempotent.
func (s *Service) Start(ctx context.Context, in <-chan kit.Update) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.runMu.Unlock()

	sup.GoRestart0("dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up, ok := <-in:
				if !ok {
					return
				}
				s.dispatch(c, up)
			}
		}
	}, rtsup.WithPublishFirstError(true))
}

func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	wasRunning := s.running
	s.running = false
	s.runMu.Unlock()

	if !wasRunning || sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("stop error", logx.Err(err))
	}
}

func (s *Service) dispatch(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	m := up.Message

	reqID := uuid.NewString()
	log := s.log.With(
		logx.String("req", reqID),
		logx.Int64("from", m.FromID),
		logx.Int64("chat", m.ChatID),
	)

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	handled := s.handleMessage(rctx, log, m)
	if handled {
		log.Debug("request ok", logx.Duration("took", time.Since(start)))
	}
}

func (s *Service) reply(ctx context.Context, log logx.Logger, chatID int64, text string) {
	if _, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		log.Warn("reply failed", logx.Err(err))
	}
}
