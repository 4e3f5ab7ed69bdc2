// Package whatsapp implements the wa-web provider over a whatsmeow
// socket with on-disk credentials, QR pairing and reconnect backoff.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/clawdis/warelay/internal/config"
	"github.com/clawdis/warelay/internal/identify"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/paths"
	"github.com/clawdis/warelay/internal/provider"
)

const maxWhatsAppMessage = 65536

// warelayLogger bridges whatsmeow's waLog.Logger to our L_* functions.
type warelayLogger struct {
	module string
}

func (l *warelayLogger) Debugf(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *warelayLogger) Infof(msg string, args ...interface{}) {
	L_info(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *warelayLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *warelayLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *warelayLogger) Sub(module string) waLog.Logger {
	return &warelayLogger{module: l.module + "/" + module}
}

// Provider is the wa-web backend. Credentials live in a sqlite store
// under <cfg>/credentials/whatsapp.db; the socket lifecycle is driven
// by StartListening and the reconnect loop.
type Provider struct {
	tuning *provider.RelayTuning

	db        *sql.DB
	container *sqlstore.Container
	client    *whatsmeow.Client
	temp      *media.TempStore
	lids      *lidMap
	groups    *groupCache

	handler provider.Handler

	mu           sync.RWMutex
	initialized  bool
	listening    bool
	loggedOut    bool
	reconnecting bool

	listenCtx    context.Context
	listenCancel context.CancelFunc
	handlerID    uint32
	inflight     sync.WaitGroup
}

// New creates an uninitialised wa-web provider. Nil tuning uses the
// defaults.
func New(tuning *provider.RelayTuning) *Provider {
	if tuning == nil {
		tuning = provider.DefaultTuning()
	}
	return &Provider{
		tuning: tuning,
		groups: newGroupCache(),
	}
}

func (p *Provider) Kind() provider.Kind { return provider.KindWhatsAppWeb }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.CapabilitiesFor(provider.KindWhatsAppWeb)
}

// DBPath returns the credential store location. The relay auto-detect
// probes it without constructing a provider.
func DBPath() string {
	return filepath.Join(paths.CredentialsDir(), "whatsapp.db")
}

// Initialize opens the credential store and builds the client. No
// network traffic happens here; Connect is deferred to StartListening.
func (p *Provider) Initialize(ctx context.Context, cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if err := paths.EnsureDir(paths.CredentialsDir()); err != nil {
		return fmt.Errorf("wa-web: credentials dir: %w", err)
	}

	db, err := sql.Open("sqlite3", DBPath()+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("wa-web: failed to open credential store: %w", err)
	}

	storeLog := &warelayLogger{module: "store"}
	container := sqlstore.NewWithDB(db, "sqlite3", storeLog)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return fmt.Errorf("wa-web: failed to upgrade credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return fmt.Errorf("wa-web: failed to load device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	clientLog := &warelayLogger{module: "client"}
	client := whatsmeow.NewClient(device, clientLog)
	// The provider owns the reconnect schedule.
	client.EnableAutoReconnect = false

	temp, err := media.NewTempStore("")
	if err != nil {
		db.Close()
		return fmt.Errorf("wa-web: %w", err)
	}

	p.db = db
	p.container = container
	p.client = client
	p.temp = temp
	p.initialized = true

	if device.ID != nil {
		L_debug("wa-web: initialized", "jid", device.ID.String())
	} else {
		L_debug("wa-web: initialized, no paired device")
	}
	return nil
}

func (p *Provider) IsConnected() bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	return client != nil && client.IsConnected()
}

// Disconnect tears the provider down. Safe to call repeatedly and
// after a failed Initialize.
func (p *Provider) Disconnect() error {
	_ = p.StopListening()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect()
	}
	if p.lids != nil {
		p.lids.Close()
		p.lids = nil
	}
	if p.db != nil {
		p.db.Close()
		p.db = nil
	}
	p.initialized = false
	return nil
}

// IsAuthenticated reports whether a paired device exists on disk.
func (p *Provider) IsAuthenticated(ctx context.Context) bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client != nil {
		return client.Store.ID != nil
	}
	_, err := os.Stat(DBPath())
	return err == nil
}

// GetSessionID returns the paired account JID.
func (p *Provider) GetSessionID(ctx context.Context) (string, error) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil || client.Store.ID == nil {
		return "", fmt.Errorf("wa-web: no paired device")
	}
	return client.Store.ID.String(), nil
}

// OnMessage registers the inbound handler. Must precede StartListening.
func (p *Provider) OnMessage(h provider.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// StartListening connects the socket and subscribes to events. The
// reconnect loop and the keepalive watchdog run until StopListening.
func (p *Provider) StartListening(ctx context.Context) error {
	p.mu.Lock()
	if p.listening {
		p.mu.Unlock()
		return nil
	}
	if p.client == nil {
		p.mu.Unlock()
		return fmt.Errorf("wa-web: not initialized")
	}
	if p.handler == nil {
		p.mu.Unlock()
		return fmt.Errorf("wa-web: no message handler registered")
	}
	if p.client.Store.ID == nil {
		p.mu.Unlock()
		return fmt.Errorf("wa-web: not authenticated, run 'warelay login --provider wa-web' first")
	}

	p.listenCtx, p.listenCancel = context.WithCancel(ctx)
	listenCtx := p.listenCtx
	p.handlerID = p.client.AddEventHandler(p.handleEvent)
	p.listening = true
	p.loggedOut = false
	client := p.client
	selfUser := p.client.Store.ID.User
	p.mu.Unlock()

	p.lidsInit(selfUser)

	if !client.IsConnected() {
		if err := client.Connect(); err != nil {
			_ = p.StopListening()
			return fmt.Errorf("wa-web: failed to connect: %w", err)
		}
	}

	if p.tuning.WebHeartbeat > 0 {
		go p.watchdog(listenCtx)
	}

	L_info("wa-web: listening", "jid", client.Store.ID.String())
	return nil
}

// lidsInit loads the reverse mapping for the paired account and starts
// the hot-reload watcher.
func (p *Provider) lidsInit(selfUser string) {
	path := lidMapPath(selfUser)
	lids := newLIDMap(path)
	if err := lids.Watch(); err != nil {
		L_warn("wa-web: lid mapping watch failed", "path", path, "error", err)
	}

	p.mu.Lock()
	p.lids = lids
	p.mu.Unlock()
}

// StopListening unsubscribes and waits for in-flight handler calls.
// Idempotent; the socket itself stays up until Disconnect.
func (p *Provider) StopListening() error {
	p.mu.Lock()
	if !p.listening {
		p.mu.Unlock()
		return nil
	}
	p.listening = false
	if p.listenCancel != nil {
		p.listenCancel()
	}
	if p.client != nil {
		p.client.RemoveEventHandler(p.handlerID)
	}
	p.mu.Unlock()

	p.inflight.Wait()
	L_debug("wa-web: stopped listening")
	return nil
}

// Send resolves the recipient, attaches the first media item and
// returns the backend message key. Backend refusals come back as a
// failed SendResult; only local faults are errors.
func (p *Provider) Send(ctx context.Context, to, body string, opts *provider.SendOptions) (*provider.SendResult, error) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("wa-web: not initialized")
	}
	if !client.IsConnected() {
		return nil, fmt.Errorf("wa-web: not connected")
	}

	jid, err := resolveJID(to)
	if err != nil {
		return nil, fmt.Errorf("wa-web: cannot resolve recipient %q: %w", to, err)
	}

	if opts != nil && opts.Typing {
		_ = client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	}

	if opts != nil && len(opts.Media) > 0 {
		return p.sendMedia(ctx, client, jid, body, opts.Media[0])
	}

	formatted := FormatMessage(body)
	chunks := SplitMessage(formatted, maxWhatsAppMessage)

	var lastID string
	for _, chunk := range chunks {
		resp, err := client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(chunk),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &provider.SendResult{
				Status:   provider.SendFailed,
				Error:    err.Error(),
				Metadata: map[string]string{"jid": jid.String()},
			}, nil
		}
		lastID = resp.ID
	}

	return &provider.SendResult{
		MessageID: lastID,
		Status:    provider.SendSent,
		Metadata:  map[string]string{"jid": jid.String()},
	}, nil
}

// SendTyping is best-effort; wa-web models it as a composing presence.
func (p *Provider) SendTyping(ctx context.Context, to string) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return
	}
	jid, err := resolveJID(to)
	if err != nil {
		L_trace("wa-web: typing skipped, bad recipient", "to", to, "error", err)
		return
	}
	if err := client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
		L_trace("wa-web: typing presence failed", "error", err)
	}
}

// GetDeliveryStatus always reports unknown: the web socket does not
// expose reliable per-message receipts to us.
func (p *Provider) GetDeliveryStatus(ctx context.Context, messageID string) (*provider.DeliveryStatus, error) {
	return &provider.DeliveryStatus{
		MessageID: messageID,
		State:     provider.DeliveryUnknown,
		Timestamp: time.Now(),
	}, nil
}

// resolveJID turns any recognised recipient form into a backend JID:
// +E164, whatsapp:+E164, bare or group JIDs, and the session-layer
// group:<jid> form.
func resolveJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	to = strings.TrimPrefix(to, "group:")

	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, err
		}
		if jid.User == "" {
			return types.EmptyJID, fmt.Errorf("jid %q has no user part", to)
		}
		return jid, nil
	}

	phone, err := identify.CanonicalPhone(to)
	if err != nil {
		return types.EmptyJID, err
	}
	return types.NewJID(strings.TrimPrefix(phone, "+"), types.DefaultUserServer), nil
}
