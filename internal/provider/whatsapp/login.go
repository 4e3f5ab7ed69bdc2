package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/paths"
	"github.com/clawdis/warelay/internal/provider"
)

// syncTimeout bounds the wait for the post-scan initial sync. The QR
// "success" event only means the scan was accepted; disconnecting
// before Connected fires leaves the pairing incomplete.
const syncTimeout = 30 * time.Second

// Login drives QR pairing. The code is re-rendered every time the
// backend rotates it, until scanned or expired.
func (p *Provider) Login(ctx context.Context, opts *provider.LoginOptions) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("wa-web: not initialized")
	}
	container := p.container
	p.mu.Unlock()

	if p.IsAuthenticated(ctx) {
		id, _ := p.GetSessionID(ctx)
		L_info("wa-web: already paired", "jid", id)
		return nil
	}

	// Stale device entries from aborted pairings make GetFirstDevice
	// hand back an invalidated session that 401s on connect.
	oldDevices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("wa-web: failed to list existing devices: %w", err)
	}
	for _, d := range oldDevices {
		jid := "(unknown)"
		if d.ID != nil {
			jid = d.ID.String()
		}
		L_debug("wa-web: removing stale device", "jid", jid)
		_ = d.Delete(ctx)
	}

	clientLog := &warelayLogger{module: "client"}
	device := container.NewDevice()
	client := whatsmeow.NewClient(device, clientLog)

	connectedCh := make(chan struct{}, 1)
	client.AddEventHandler(func(evt interface{}) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case connectedCh <- struct{}{}:
			default:
			}
		}
	})

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("wa-web: failed to get QR channel: %w", err)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("wa-web: failed to connect for pairing: %w", err)
	}

	fmt.Println("Scan the QR code below with your WhatsApp app:")
	fmt.Println("  WhatsApp > Settings > Linked Devices > Link a Device")
	fmt.Println()

	for item := range qrChan {
		switch item.Event {
		case "code":
			qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			fmt.Println()
			fmt.Println("Waiting for scan...")
		case "success":
			fmt.Println("\nScan accepted, completing initial sync...")
			select {
			case <-connectedCh:
			case <-time.After(syncTimeout):
				client.Disconnect()
				return fmt.Errorf("wa-web: timed out waiting for initial sync, try again")
			case <-ctx.Done():
				client.Disconnect()
				return ctx.Err()
			}

			fmt.Printf("Paired successfully! JID: %s\n", client.Store.ID)
			client.Disconnect()

			p.mu.Lock()
			p.client = client
			p.loggedOut = false
			p.mu.Unlock()
			return nil
		case "timeout":
			client.Disconnect()
			return fmt.Errorf("wa-web: QR code expired, run login again")
		default:
			client.Disconnect()
			return fmt.Errorf("wa-web: pairing failed: %s", item.Event)
		}
	}

	client.Disconnect()
	return fmt.Errorf("wa-web: QR channel closed unexpectedly")
}

// Logout unlinks the device server-side when connected, then erases
// the local credential state including the LID mapping files.
func (p *Provider) Logout(ctx context.Context) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("wa-web: not initialized")
	}
	client := p.client
	container := p.container
	p.loggedOut = true
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		if err := client.Logout(ctx); err != nil {
			L_warn("wa-web: server-side logout failed, clearing local state anyway", "error", err)
		}
	}

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("wa-web: failed to list devices: %w", err)
	}
	for _, device := range devices {
		jid := "(unknown)"
		if device.ID != nil {
			jid = device.ID.String()
		}
		if err := device.Delete(ctx); err != nil {
			return fmt.Errorf("wa-web: failed to delete device %s: %w", jid, err)
		}
		L_info("wa-web: removed device", "jid", jid)
	}

	removeLIDMappings()
	return nil
}

// removeLIDMappings erases the on-disk reverse mapping files.
func removeLIDMappings() {
	matches, err := filepath.Glob(filepath.Join(paths.CredentialsDir(), "lid-mapping-*.json"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			L_trace("wa-web: failed to remove lid mapping", "path", m, "error", err)
		}
	}
}
