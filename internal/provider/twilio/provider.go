// Package twilio implements the wa-twilio provider: a stateless REST
// client over the Twilio Messaging API with a polling inbound loop.
package twilio

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/clawdis/warelay/internal/config"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/provider"
)

// restRate paces REST calls from the poll loop so a tiny poll interval
// cannot hammer the API. One call per 200ms, small burst for the
// list-then-media sequence of a single iteration.
const (
	restRate  = 200 * time.Millisecond
	restBurst = 3
)

// Provider is the wa-twilio backend. It keeps no connection: Send and
// GetDeliveryStatus are plain REST calls, inbound arrives via the poll
// loop started by StartListening.
type Provider struct {
	tuning *provider.RelayTuning

	env     *config.TwilioEnv
	client  *twilio.RestClient
	temp    *media.TempStore
	limiter *rate.Limiter

	handler provider.Handler

	mu          sync.RWMutex
	initialized bool
	listening   bool

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup

	// watermark is the newest message SID observed by the poll loop.
	// Touched only from the poll goroutine.
	watermark string
}

// New creates an uninitialised wa-twilio provider. Nil tuning uses the
// defaults.
func New(tuning *provider.RelayTuning) *Provider {
	if tuning == nil {
		tuning = provider.DefaultTuning()
	}
	return &Provider{
		tuning:  tuning,
		limiter: rate.NewLimiter(rate.Every(restRate), restBurst),
	}
}

func (p *Provider) Kind() provider.Kind { return provider.KindWhatsAppTwilio }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.CapabilitiesFor(provider.KindWhatsAppTwilio)
}

// Initialize reads and validates the TWILIO_* environment and builds
// the REST client. Credentials are not verified against the API here;
// Login does that.
func (p *Provider) Initialize(ctx context.Context, cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	env, err := config.LoadTwilioEnv()
	if err != nil {
		return fmt.Errorf("wa-twilio: %w", err)
	}
	if issues := env.Validate(); len(issues) > 0 {
		return fmt.Errorf("wa-twilio: invalid configuration: %s", strings.Join(issues, "; "))
	}

	params := twilio.ClientParams{AccountSid: env.AccountSID}
	if env.UsesAPIKey() {
		params.Username = env.APIKey
		params.Password = env.APISecret
	} else {
		params.Username = env.AccountSID
		params.Password = env.AuthToken
	}

	temp, err := media.NewTempStore("")
	if err != nil {
		return fmt.Errorf("wa-twilio: %w", err)
	}
	// Inbound media URLs live on api.twilio.com and may require basic
	// auth when the account has media auth enabled.
	temp.HTTPClient = &http.Client{
		Transport: &authTransport{username: params.Username, password: params.Password},
		Timeout:   2 * time.Minute,
	}
	temp.SweepOrphans()

	p.env = env
	p.client = twilio.NewRestClientWithParams(params)
	p.temp = temp
	p.initialized = true

	L_debug("wa-twilio: initialized", "account", env.AccountSID, "from", env.From, "apiKey", env.UsesAPIKey())
	return nil
}

// IsConnected is a local readiness flag: there is no socket to probe.
func (p *Provider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// Disconnect stops the poll loop and drops the client. Safe to call
// repeatedly and after a failed Initialize.
func (p *Provider) Disconnect() error {
	_ = p.StopListening()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	p.env = nil
	p.initialized = false
	return nil
}

// IsAuthenticated reports whether a complete credential set is present.
func (p *Provider) IsAuthenticated(ctx context.Context) bool {
	p.mu.RLock()
	initialized := p.initialized
	p.mu.RUnlock()

	if initialized {
		return true
	}
	env, err := config.LoadTwilioEnv()
	return err == nil && env.Complete()
}

// Login verifies the credentials with a cheap authenticated API call.
// There is no interactive pairing: credentials come from the
// environment.
func (p *Provider) Login(ctx context.Context, opts *provider.LoginOptions) error {
	p.mu.RLock()
	client := p.client
	env := p.env
	p.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("wa-twilio: not initialized")
	}

	params := &twilioApi.ListMessageParams{}
	params.SetPageSize(1)
	params.SetLimit(1)
	if _, err := client.Api.ListMessage(params); err != nil {
		return fmt.Errorf("wa-twilio: credential verification failed: %w", err)
	}

	L_info("wa-twilio: credentials verified", "account", env.AccountSID, "from", env.From)
	return nil
}

// Logout is a no-op: nothing is stored locally and there is no session
// to revoke server-side.
func (p *Provider) Logout(ctx context.Context) error {
	L_info("wa-twilio: nothing to log out, credentials live in the environment")
	return nil
}

// GetSessionID returns the account SID.
func (p *Provider) GetSessionID(ctx context.Context) (string, error) {
	p.mu.RLock()
	env := p.env
	p.mu.RUnlock()

	if env == nil {
		return "", fmt.Errorf("wa-twilio: not initialized")
	}
	return env.AccountSID, nil
}

// OnMessage registers the inbound handler. Must precede StartListening.
func (p *Provider) OnMessage(h provider.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// authTransport adds basic auth to requests against the Twilio API
// host. Media downloads redirect to a CDN; those hops pass through
// untouched.
type authTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if strings.EqualFold(req.URL.Host, "api.twilio.com") {
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.username, t.password)
	}
	return base.RoundTrip(req)
}
