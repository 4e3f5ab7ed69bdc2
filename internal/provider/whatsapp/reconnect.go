package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"

	"github.com/clawdis/warelay/internal/bus"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/provider"
)

// maybeReconnect kicks off the backoff loop unless one is already in
// flight, we are shutting down, or the server logged us out.
func (p *Provider) maybeReconnect() {
	p.mu.Lock()
	if !p.listening || p.loggedOut || p.reconnecting || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	ctx := p.listenCtx
	p.mu.Unlock()

	go p.reconnectLoop(ctx)
}

// reconnectLoop retries the socket on the configured backoff schedule.
// Exhausting the attempts is fatal: the supervisor is told to stop
// this provider, the others keep running.
func (p *Provider) reconnectLoop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	pol := p.tuning.Reconnect
	for attempt := 0; attempt < pol.MaxAttempts; attempt++ {
		delay := pol.Backoff(attempt)
		L_info("wa-web: reconnecting", "attempt", attempt+1, "maxAttempts", pol.MaxAttempts, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if p.abandoned() {
			return
		}

		err := client.Connect()
		if err == nil {
			L_info("wa-web: reconnected", "attempts", attempt+1)
			return
		}
		if errors.Is(err, whatsmeow.ErrAlreadyConnected) {
			return
		}
		L_warn("wa-web: reconnect attempt failed", "attempt", attempt+1, "error", err)
	}

	L_error("wa-web: reconnect attempts exhausted", "attempts", pol.MaxAttempts)
	p.fatal("reconnect failed after %d attempts", pol.MaxAttempts)
}

// abandoned reports whether the reconnect loop should stop without a
// verdict: listening ended or the server logged us out mid-loop.
func (p *Provider) abandoned() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.listening || p.loggedOut
}

// watchdog is the wa-web keepalive probe: it catches sockets that died
// without a Disconnected event and nudges the reconnect loop.
func (p *Provider) watchdog(ctx context.Context) {
	ticker := time.NewTicker(p.tuning.WebHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.abandoned() {
				return
			}
			if p.IsConnected() {
				L_trace("wa-web: heartbeat, socket healthy")
				continue
			}
			L_warn("wa-web: heartbeat found socket down")
			p.maybeReconnect()
		}
	}
}

// fatal reports a non-recoverable provider failure to the supervisor.
func (p *Provider) fatal(format string, args ...interface{}) {
	bus.PublishEventWithSource(bus.TopicProviderFatal,
		fmt.Sprintf(format, args...), string(provider.KindWhatsAppWeb))
}
