package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clawdis/warelay/internal/bus"
	"github.com/clawdis/warelay/internal/config"
	"github.com/clawdis/warelay/internal/provider"
)

// stubProvider records lifecycle calls for supervisor tests.
type stubProvider struct {
	kind provider.Kind

	mu           sync.Mutex
	connected    bool
	stopCalls    int
	disconnects  int
	stoppedOrder *[]provider.Kind
}

func (s *stubProvider) Kind() provider.Kind                 { return s.kind }
func (s *stubProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (s *stubProvider) Initialize(context.Context, *config.Config) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *stubProvider) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubProvider) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.disconnects++
	s.mu.Unlock()
	return nil
}

func (s *stubProvider) Send(context.Context, string, string, *provider.SendOptions) (*provider.SendResult, error) {
	return &provider.SendResult{Status: provider.SendSent}, nil
}

func (s *stubProvider) SendTyping(context.Context, string) {}

func (s *stubProvider) GetDeliveryStatus(_ context.Context, id string) (*provider.DeliveryStatus, error) {
	return &provider.DeliveryStatus{MessageID: id, State: provider.DeliveryUnknown, Timestamp: time.Now()}, nil
}

func (s *stubProvider) OnMessage(provider.Handler)         {}
func (s *stubProvider) StartListening(context.Context) error { return nil }

func (s *stubProvider) StopListening() error {
	s.mu.Lock()
	s.stopCalls++
	if s.stoppedOrder != nil {
		*s.stoppedOrder = append(*s.stoppedOrder, s.kind)
	}
	s.mu.Unlock()
	return nil
}

func (s *stubProvider) IsAuthenticated(context.Context) bool               { return true }
func (s *stubProvider) Login(context.Context, *provider.LoginOptions) error { return nil }
func (s *stubProvider) Logout(context.Context) error                       { return nil }
func (s *stubProvider) GetSessionID(context.Context) (string, error)       { return "stub", nil }

func (s *stubProvider) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	sup, err := NewSupervisor(config.Default(), nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	return sup
}

// track registers a stub as if startProvider had brought it up.
func (s *Supervisor) track(p provider.Provider) {
	s.mu.Lock()
	s.running[p.Kind()] = p
	s.order = append(s.order, p.Kind())
	s.mu.Unlock()
}

func TestShutdownReverseOrder(t *testing.T) {
	sup := newTestSupervisor(t)

	var order []provider.Kind
	web := &stubProvider{kind: provider.KindWhatsAppWeb, connected: true, stoppedOrder: &order}
	tg := &stubProvider{kind: provider.KindTelegram, connected: true, stoppedOrder: &order}
	sup.track(web)
	sup.track(tg)

	sup.shutdown()

	if len(order) != 2 || order[0] != provider.KindTelegram || order[1] != provider.KindWhatsAppWeb {
		t.Fatalf("shutdown order = %v, want [telegram wa-web]", order)
	}
	if web.IsConnected() || tg.IsConnected() {
		t.Error("providers still connected after shutdown")
	}
	if sup.runningCount() != 0 {
		t.Errorf("runningCount = %d after shutdown", sup.runningCount())
	}
}

func TestStopProviderIdempotent(t *testing.T) {
	sup := newTestSupervisor(t)

	web := &stubProvider{kind: provider.KindWhatsAppWeb, connected: true}
	sup.track(web)

	sup.stopProvider(provider.KindWhatsAppWeb)
	sup.stopProvider(provider.KindWhatsAppWeb)
	sup.stopProvider(provider.KindTelegram) // never started

	if got := web.stops(); got != 1 {
		t.Errorf("StopListening calls = %d, want 1", got)
	}
}

func TestProviderFatalStopsOnlyThatProvider(t *testing.T) {
	sup := newTestSupervisor(t)

	web := &stubProvider{kind: provider.KindWhatsAppWeb, connected: true}
	tg := &stubProvider{kind: provider.KindTelegram, connected: true}
	sup.track(web)
	sup.track(tg)

	sub := bus.SubscribeEvent(bus.TopicProviderFatal, func(evt bus.Event) {
		sup.stopProvider(provider.Kind(evt.Source))
	})
	defer bus.UnsubscribeEvent(sub)

	bus.PublishEventWithSource(bus.TopicProviderFatal, "reconnect exhausted", string(provider.KindWhatsAppWeb))

	deadline := time.After(5 * time.Second)
	for web.stops() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the fatal provider to stop")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if tg.stops() != 0 {
		t.Error("healthy provider was stopped by another provider's failure")
	}
	if !tg.IsConnected() {
		t.Error("healthy provider was disconnected")
	}
	if sup.runningCount() != 1 {
		t.Errorf("runningCount = %d, want 1", sup.runningCount())
	}
}

func TestAutoDetectOrder(t *testing.T) {
	saved := probes
	defer func() { probes = saved }()

	set := func(web, tg, twilio bool) {
		probes = map[provider.Kind]func() bool{
			provider.KindWhatsAppWeb:    func() bool { return web },
			provider.KindTelegram:       func() bool { return tg },
			provider.KindWhatsAppTwilio: func() bool { return twilio },
		}
	}

	cases := []struct {
		name             string
		web, tg, twilio  bool
		want             provider.Kind
		wantErr          bool
	}{
		{"web wins over all", true, true, true, provider.KindWhatsAppWeb, false},
		{"telegram before twilio", false, true, true, provider.KindTelegram, false},
		{"twilio last", false, false, true, provider.KindWhatsAppTwilio, false},
		{"nothing configured", false, false, false, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set(tc.web, tc.tg, tc.twilio)
			kind, err := AutoDetect()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("AutoDetect: %v", err)
			}
			if kind != tc.want {
				t.Errorf("AutoDetect = %s, want %s", kind, tc.want)
			}
		})
	}
}

func TestRunErrorsWhenNothingConfigured(t *testing.T) {
	saved := probes
	defer func() { probes = saved }()
	probes = map[provider.Kind]func() bool{
		provider.KindWhatsAppWeb:    func() bool { return false },
		provider.KindTelegram:       func() bool { return false },
		provider.KindWhatsAppTwilio: func() bool { return false },
	}

	sup := newTestSupervisor(t)
	if err := sup.Run(context.Background(), nil); err == nil {
		t.Fatal("Run with no configured provider should error")
	}
}
