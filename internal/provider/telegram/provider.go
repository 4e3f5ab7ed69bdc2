// Package telegram relays over a personal Telegram account through
// MTProto, using gotd. The engine dials in Initialize and stays up for
// the provider's lifetime; update delivery is gated by StartListening
// so the send-only CLI paths never consume messages.
package telegram

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"

	"github.com/clawdis/warelay/internal/bus"
	"github.com/clawdis/warelay/internal/config"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/provider"
)

const (
	deviceModel = "warelay"
	appVersion  = "0.0.1"

	connectTimeout = 30 * time.Second
	logoutTimeout  = 5 * time.Second
)

// Provider implements the provider contract for Telegram.
type Provider struct {
	tuning *provider.RelayTuning

	mu          sync.RWMutex
	initialized bool
	listening   bool
	env         *config.TelegramEnv
	client      *telegram.Client
	api         *tg.Client
	sender      *message.Sender
	gaps        *updates.Manager
	temp        *media.TempStore
	peers       *peerCache
	handler     provider.Handler

	listenCtx    context.Context
	listenCancel context.CancelFunc
	gapsDone     chan struct{}
	inflight     sync.WaitGroup

	runCancel context.CancelFunc
	runDone   chan struct{}
	runErr    error // written before runDone closes, read after

	connected atomic.Bool
	selfID    atomic.Int64
}

var _ provider.Provider = (*Provider)(nil)

// New creates the Telegram provider. A nil tuning uses the defaults.
func New(tuning *provider.RelayTuning) *Provider {
	if tuning == nil {
		tuning = provider.DefaultTuning()
	}
	return &Provider{tuning: tuning}
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindTelegram
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.CapabilitiesFor(provider.KindTelegram)
}

// Initialize loads the MTProto credentials, spins up the gotd engine in
// a background goroutine and waits for the first connect.
func (p *Provider) Initialize(ctx context.Context, cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	env, err := config.LoadTelegramEnv()
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if issues := env.Validate(); len(issues) > 0 {
		return fmt.Errorf("telegram: %s", strings.Join(issues, "; "))
	}

	temp, err := media.NewTempStore(env.TempDir)
	if err != nil {
		return fmt.Errorf("telegram: temp store: %w", err)
	}
	if n := temp.SweepOrphans(); n > 0 {
		L_debug("telegram: removed orphaned temp files", "count", n)
	}

	peers := newPeerCache(peerCachePath())

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(p.onNewMessage)
	gaps := updates.New(updates.Config{
		Handler: dispatcher,
		Logger:  gotdLogger("gaps"),
	})

	client := telegram.NewClient(env.APIID, env.APIHash, telegram.Options{
		SessionStorage: newSessionStorage(),
		UpdateHandler:  gaps,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(gaps.Handle),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   deviceModel,
			SystemVersion: runtime.GOOS,
			AppVersion:    appVersion,
		},
		Logger: gotdLogger("client"),
		OnDead: func() {
			L_warn("telegram: connection reported dead, engine is redialing")
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan struct{})
	go p.runEngine(runCtx, client, started, done)

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-started:
	case <-done:
		cancel()
		if p.runErr != nil {
			return fmt.Errorf("telegram: engine stopped during connect: %w", p.runErr)
		}
		return fmt.Errorf("telegram: engine stopped during connect")
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	case <-timer.C:
		cancel()
		<-done
		return fmt.Errorf("telegram: timed out connecting after %s", connectTimeout)
	}

	p.env = env
	p.temp = temp
	p.peers = peers
	p.client = client
	p.api = client.API()
	p.sender = message.NewSender(p.api)
	p.gaps = gaps
	p.runCancel = cancel
	p.runDone = done
	p.initialized = true
	L_info("telegram: connected", "apiId", env.APIID)
	return nil
}

// runEngine owns the gotd run loop. The callback fires once the engine
// is connected and holds the connection open until the run context is
// cancelled.
func (p *Provider) runEngine(ctx context.Context, client *telegram.Client, started, done chan struct{}) {
	defer close(done)
	err := client.Run(ctx, func(cbCtx context.Context) error {
		p.connected.Store(true)
		close(started)
		<-cbCtx.Done()
		return nil
	})
	p.connected.Store(false)
	p.runErr = err
	if err == nil || ctx.Err() != nil {
		return
	}

	L_error("telegram: engine stopped", "error", err)
	p.mu.RLock()
	listening := p.listening
	p.mu.RUnlock()
	if listening {
		p.fatal("engine stopped: %v", err)
	}
}

func (p *Provider) IsConnected() bool {
	p.mu.RLock()
	initialized := p.initialized
	p.mu.RUnlock()
	return initialized && p.connected.Load()
}

// Disconnect stops listening, shuts the engine down and forgets all
// derived state. Idempotent and safe after a failed Initialize.
func (p *Provider) Disconnect() error {
	_ = p.StopListening()

	p.mu.Lock()
	cancel := p.runCancel
	done := p.runDone
	p.runCancel = nil
	p.runDone = nil
	p.client = nil
	p.api = nil
	p.sender = nil
	p.gaps = nil
	p.env = nil
	p.temp = nil
	p.peers = nil
	wasInitialized := p.initialized
	p.initialized = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if wasInitialized {
		L_debug("telegram: disconnected")
	}
	return nil
}

// OnMessage registers the inbound handler. Must be called before
// StartListening.
func (p *Provider) OnMessage(h provider.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// StartListening verifies the account is authorized, records the self
// user and starts the update gap engine. Inbound delivery begins here.
func (p *Provider) StartListening(ctx context.Context) error {
	p.mu.Lock()
	if p.listening {
		p.mu.Unlock()
		L_debug("telegram: already listening")
		return nil
	}
	if !p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("telegram: not initialized")
	}
	if p.handler == nil {
		p.mu.Unlock()
		return fmt.Errorf("telegram: no message handler registered")
	}
	client := p.client
	gaps := p.gaps
	api := p.api
	p.mu.Unlock()

	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("telegram: auth status: %w", err)
	}
	if !status.Authorized {
		return fmt.Errorf("telegram: not authenticated, run 'warelay login --provider telegram' first")
	}

	self, err := client.Self(ctx)
	if err != nil {
		return fmt.Errorf("telegram: failed to load own account: %w", err)
	}
	p.selfID.Store(self.ID)
	p.rememberUser(self)

	p.mu.Lock()
	if p.listening {
		p.mu.Unlock()
		return nil
	}
	p.listenCtx, p.listenCancel = context.WithCancel(ctx)
	listenCtx := p.listenCtx
	done := make(chan struct{})
	p.gapsDone = done
	p.listening = true
	p.mu.Unlock()

	go p.gapsLoop(listenCtx, gaps, api, self.ID, done)

	L_info("telegram: listening", "userId", self.ID, "username", self.Username)
	return nil
}

// gapsLoop keeps the update gap engine running. Failures restart it on
// the reconnect schedule; exhausting the schedule goes fatal so the
// relay supervisor shuts this provider down.
func (p *Provider) gapsLoop(ctx context.Context, gaps *updates.Manager, api *tg.Client, selfID int64, done chan struct{}) {
	defer close(done)

	policy := p.tuning.Reconnect
	attempt := 0
	for {
		startedAt := time.Now()
		err := gaps.Run(ctx, api, selfID, updates.AuthOptions{})
		if ctx.Err() != nil {
			return
		}
		if time.Since(startedAt) > time.Minute {
			attempt = 0
		}
		if attempt >= policy.MaxAttempts {
			L_error("telegram: update engine failed permanently", "attempts", attempt, "error", err)
			p.fatal("update engine failed after %d attempts: %v", attempt, err)
			return
		}
		delay := policy.Backoff(attempt)
		attempt++
		L_warn("telegram: update engine stopped, restarting", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// StopListening halts update delivery and waits for in-flight handler
// invocations to finish. Idempotent.
func (p *Provider) StopListening() error {
	p.mu.Lock()
	if !p.listening {
		p.mu.Unlock()
		return nil
	}
	p.listening = false
	cancel := p.listenCancel
	done := p.gapsDone
	p.listenCancel = nil
	p.gapsDone = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	p.inflight.Wait()
	L_debug("telegram: stopped listening")
	return nil
}

// IsAuthenticated asks the server when connected and otherwise falls
// back to probing for a persisted session token.
func (p *Provider) IsAuthenticated(ctx context.Context) bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client != nil && p.connected.Load() {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			L_warn("telegram: auth status check failed", "error", err)
			return false
		}
		return status.Authorized
	}
	return SessionFileExists()
}

// GetSessionID returns the numeric id of the logged-in account.
func (p *Provider) GetSessionID(ctx context.Context) (string, error) {
	if id := p.selfID.Load(); id != 0 {
		return strconv.FormatInt(id, 10), nil
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil || !p.connected.Load() {
		return "", fmt.Errorf("telegram: not connected")
	}

	self, err := client.Self(ctx)
	if err != nil {
		return "", fmt.Errorf("telegram: failed to load own account: %w", err)
	}
	p.selfID.Store(self.ID)
	p.rememberUser(self)
	return strconv.FormatInt(self.ID, 10), nil
}

// fatal reports a non-recoverable provider failure to the supervisor.
func (p *Provider) fatal(format string, args ...interface{}) {
	bus.PublishEventWithSource(bus.TopicProviderFatal,
		fmt.Sprintf(format, args...), string(provider.KindTelegram))
}

func (p *Provider) apiClient() *tg.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.api
}

func (p *Provider) tempStore() *media.TempStore {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.temp
}

func (p *Provider) rememberUser(u *tg.User) {
	p.mu.RLock()
	peers := p.peers
	p.mu.RUnlock()
	if peers != nil {
		peers.remember(u)
	}
}
