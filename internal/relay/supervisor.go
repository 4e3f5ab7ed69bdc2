package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/clawdis/warelay/internal/autoreply"
	"github.com/clawdis/warelay/internal/bus"
	"github.com/clawdis/warelay/internal/config"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/session"
	"github.com/clawdis/warelay/internal/stt"
)

// Supervisor owns the providers for the lifetime of a relay run. It
// starts them concurrently, isolates their failures, and tears them
// down in reverse start order on cancellation.
type Supervisor struct {
	cfg         *config.Config
	tuning      *provider.RelayTuning
	sessions    *session.Manager
	engine      *autoreply.Engine
	transcriber stt.Provider

	mu      sync.Mutex
	running map[provider.Kind]provider.Provider
	order   []provider.Kind
}

// NewSupervisor wires the session manager, the transcription provider
// and the auto-reply engine together.
func NewSupervisor(cfg *config.Config, tuning *provider.RelayTuning) (*Supervisor, error) {
	if tuning == nil {
		tuning = provider.DefaultTuning()
	}

	transcriber, err := stt.New(cfg.Transcription)
	if err != nil {
		return nil, fmt.Errorf("failed to set up transcription: %w", err)
	}

	sessions := session.NewManager()
	engine := autoreply.New(cfg, sessions, transcriber)

	return &Supervisor{
		cfg:         cfg,
		tuning:      tuning,
		sessions:    sessions,
		engine:      engine,
		transcriber: transcriber,
		running:     make(map[provider.Kind]provider.Provider),
	}, nil
}

// Engine exposes the auto-reply engine, for the heartbeat verb.
func (s *Supervisor) Engine() *autoreply.Engine { return s.engine }

// Run starts every kind and blocks until ctx is cancelled or all
// providers have failed. Individual provider failures are logged and
// do not stop the others.
func (s *Supervisor) Run(ctx context.Context, kinds []provider.Kind) error {
	if len(kinds) == 0 {
		kind, err := AutoDetect()
		if err != nil {
			return err
		}
		kinds = []provider.Kind{kind}
	}
	ReportUnselected(kinds)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var allFailed atomic.Bool
	sub := bus.SubscribeEvent(bus.TopicProviderFatal, func(evt bus.Event) {
		kind := provider.Kind(evt.Source)
		L_error("relay: provider failed permanently", "provider", kind, "reason", evt.Data)
		s.stopProvider(kind)
		if s.runningCount() == 0 {
			allFailed.Store(true)
			cancel()
		}
	})
	defer bus.UnsubscribeEvent(sub)

	s.sessions.StartSweeper()
	defer s.sessions.StopSweeper()
	defer stt.MustClose(s.transcriber)

	var g errgroup.Group
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			s.startProvider(runCtx, kind)
			return nil
		})
	}
	_ = g.Wait()

	if s.runningCount() == 0 {
		return fmt.Errorf("no provider started")
	}

	L_info("relay: running", "providers", kindList(s.runningKinds()))

	<-runCtx.Done()
	s.shutdown()

	if allFailed.Load() && ctx.Err() == nil {
		return fmt.Errorf("all providers failed")
	}
	return nil
}

// startProvider creates, initialises and starts one provider. Errors
// are logged, not returned: one provider's failure must not take the
// run down.
func (s *Supervisor) startProvider(ctx context.Context, kind provider.Kind) {
	p, err := Connect(ctx, kind, s.cfg, s.tuning)
	if err != nil {
		L_error("relay: provider failed to initialize", "provider", kind, "error", err)
		return
	}

	s.engine.Attach(p)

	if err := p.StartListening(ctx); err != nil {
		L_error("relay: provider failed to start", "provider", kind, "error", err)
		if derr := p.Disconnect(); derr != nil {
			L_warn("relay: disconnect after failed start", "provider", kind, "error", derr)
		}
		return
	}

	s.mu.Lock()
	s.running[kind] = p
	s.order = append(s.order, kind)
	s.mu.Unlock()

	bus.PublishEventWithSource(bus.TopicProviderStarted, nil, string(kind))
	L_info("relay: provider started", "provider", kind)
}

// stopProvider takes one provider out of the run: stop listening, wait
// for in-flight handlers, drop the connection.
func (s *Supervisor) stopProvider(kind provider.Kind) {
	s.mu.Lock()
	p, ok := s.running[kind]
	if ok {
		delete(s.running, kind)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if err := p.StopListening(); err != nil {
		L_warn("relay: stop listening failed", "provider", kind, "error", err)
	}
	if err := p.Disconnect(); err != nil {
		L_warn("relay: disconnect failed", "provider", kind, "error", err)
	}
	bus.PublishEventWithSource(bus.TopicProviderStopped, nil, string(kind))
	L_info("relay: provider stopped", "provider", kind)
}

// shutdown settles every remaining provider in reverse start order.
func (s *Supervisor) shutdown() {
	L_info("relay: shutting down")

	s.mu.Lock()
	order := make([]provider.Kind, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		s.stopProvider(order[i])
	}
}

func (s *Supervisor) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Supervisor) runningKinds() []provider.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]provider.Kind, 0, len(s.running))
	for _, k := range s.order {
		if _, ok := s.running[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
