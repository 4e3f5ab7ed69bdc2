package telegram

import (
	"context"
	"fmt"
	"os"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/paths"
	"github.com/clawdis/warelay/internal/provider"
)

// SessionFileExists reports whether a persisted session token is on
// disk. The relay auto-detect probes this without building a provider.
func SessionFileExists() bool {
	info, err := os.Stat(paths.TelegramSessionFile())
	return err == nil && info.Size() > 0
}

// Login walks the interactive MTProto auth flow: phone, login code and
// the optional two-factor password, all supplied through the prompt
// callbacks. A failed flow leaves no session file behind unless one
// already existed.
func (p *Provider) Login(ctx context.Context, opts *provider.LoginOptions) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("telegram: not initialized")
	}

	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("telegram: auth status: %w", err)
	}
	if status.Authorized {
		if self, err := client.Self(ctx); err == nil {
			L_info("telegram: already logged in", "userId", self.ID, "username", self.Username)
		} else {
			L_info("telegram: already logged in")
		}
		return nil
	}

	if opts == nil || opts.Phone == "" || opts.CodeFunc == nil {
		return fmt.Errorf("telegram: login requires a phone number and a code prompt")
	}

	hadSession := SessionFileExists()
	flow := auth.NewFlow(&loginPrompts{opts: opts}, auth.SendCodeOptions{})
	if err := flow.Run(ctx, client.Auth()); err != nil {
		if !hadSession {
			removeSessionFiles()
		}
		return fmt.Errorf("telegram: login failed: %w", err)
	}

	self, err := client.Self(ctx)
	if err != nil {
		return fmt.Errorf("telegram: login verification failed: %w", err)
	}
	p.selfID.Store(self.ID)
	p.rememberUser(self)
	L_info("telegram: logged in", "userId", self.ID, "username", self.Username, "session", paths.TelegramSessionFile())
	return nil
}

// Logout revokes the session server-side when possible and always
// removes the local session files, the legacy location included.
func (p *Provider) Logout(ctx context.Context) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client != nil && p.connected.Load() {
		callCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
		if _, err := client.API().AuthLogOut(callCtx); err != nil {
			L_warn("telegram: server-side logout failed, clearing local state anyway", "error", err)
		}
		cancel()
	}

	removeSessionFiles()
	p.selfID.Store(0)
	L_info("telegram: logged out, session files removed")
	return nil
}

func removeSessionFiles() {
	for _, path := range []string{paths.TelegramSessionFile(), paths.LegacyTelegramSessionFile()} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			L_warn("telegram: failed to remove session file", "path", path, "error", err)
		}
	}
}

// loginPrompts adapts the provider-level login callbacks onto gotd's
// authenticator interface.
type loginPrompts struct {
	opts *provider.LoginOptions
}

var _ auth.UserAuthenticator = (*loginPrompts)(nil)

func (l *loginPrompts) Phone(ctx context.Context) (string, error) {
	return l.opts.Phone, nil
}

func (l *loginPrompts) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	return l.opts.CodeFunc()
}

func (l *loginPrompts) Password(ctx context.Context) (string, error) {
	if l.opts.PasswordFunc == nil {
		return "", fmt.Errorf("account has two-factor auth enabled but no password prompt is available")
	}
	return l.opts.PasswordFunc()
}

func (l *loginPrompts) AcceptTermsOfService(ctx context.Context, tos tg.HelpTermsOfService) error {
	return nil
}

// SignUp refuses to register new accounts; the relay only attaches to
// an existing one.
func (l *loginPrompts) SignUp(ctx context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, fmt.Errorf("phone number is not registered with Telegram")
}
