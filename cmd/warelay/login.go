package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/relay"
)

type loginCmd struct {
	providerFlag
	Phone string `help:"Telegram account phone number in +E164 form."`
}

func (c *loginCmd) Run(rc *runContext) error {
	kind, err := c.kind()
	if err != nil {
		return err
	}

	p, err := relay.Connect(rc.ctx, kind, rc.cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if derr := p.Disconnect(); derr != nil {
			L_warn("disconnect failed", "provider", kind, "error", derr)
		}
	}()

	opts := &provider.LoginOptions{}
	if kind == provider.KindTelegram {
		phone := strings.TrimSpace(c.Phone)
		if phone == "" {
			phone, err = promptInput("Phone number", "+491701234567")
			if err != nil {
				return err
			}
		}
		opts.Phone = phone
		opts.CodeFunc = func() (string, error) {
			return promptInput("Login code", "The code Telegram just sent you in-app")
		}
		opts.PasswordFunc = promptPassword
	}

	if err := p.Login(rc.ctx, opts); err != nil {
		return err
	}

	if id, err := p.GetSessionID(rc.ctx); err == nil {
		L_info("logged in", "provider", kind, "session", id)
	} else {
		L_info("logged in", "provider", kind)
	}
	return nil
}

type logoutCmd struct {
	providerFlag
}

func (c *logoutCmd) Run(rc *runContext) error {
	kind, err := c.kind()
	if err != nil {
		return err
	}

	p, err := relay.Connect(rc.ctx, kind, rc.cfg, nil)
	if err != nil {
		// Server-side revocation needs a live client, but local state
		// can always be erased.
		L_warn("provider init failed, clearing local state only", "provider", kind, "error", err)
		p, err = relay.New(kind, nil)
		if err != nil {
			return err
		}
	}
	defer func() { _ = p.Disconnect() }()

	if err := p.Logout(rc.ctx); err != nil {
		return err
	}
	L_info("logged out", "provider", kind)
	return nil
}

func promptInput(title, description string) (string, error) {
	var value string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(title).Description(description).Value(&value),
	))
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("prompt aborted: %w", err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s must not be empty", strings.ToLower(title))
	}
	return value, nil
}

// promptPassword reads the Telegram two-factor password without echo.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Two-factor password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}
