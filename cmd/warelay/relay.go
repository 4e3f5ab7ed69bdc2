package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sevlyar/go-daemon"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/paths"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/relay"
)

type relayCmd struct {
	Provider  string   `help:"Single provider: wa-web, wa-twilio, telegram or auto." default:"auto"`
	Providers []string `help:"Run several providers (comma-separated kinds)." sep:","`

	Interval     time.Duration `help:"wa-twilio inbound poll interval." default:"5s"`
	Lookback     time.Duration `help:"wa-twilio poll lookback window." default:"10m"`
	WebHeartbeat time.Duration `name:"web-heartbeat" help:"wa-web socket health probe period (0 disables)." default:"30s"`

	ReconnectInitial  time.Duration `help:"First reconnect delay." default:"2s"`
	ReconnectMax      time.Duration `help:"Reconnect delay cap." default:"60s"`
	ReconnectFactor   float64       `help:"Reconnect delay growth factor." default:"2.0"`
	ReconnectJitter   float64       `help:"Reconnect jitter fraction (0..1)." default:"0.2"`
	ReconnectAttempts int           `help:"Reconnect attempts before the provider goes fatal." default:"10"`

	Daemon bool `help:"Detach and keep relaying in the background."`
}

func (c *relayCmd) Run(rc *runContext) error {
	kinds, err := c.selectedKinds()
	if err != nil {
		return err
	}

	tuning := &provider.RelayTuning{
		PollInterval: c.Interval,
		Lookback:     c.Lookback,
		WebHeartbeat: c.WebHeartbeat,
		Reconnect: provider.ReconnectPolicy{
			Initial:     c.ReconnectInitial,
			Max:         c.ReconnectMax,
			Factor:      c.ReconnectFactor,
			Jitter:      c.ReconnectJitter,
			MaxAttempts: c.ReconnectAttempts,
		},
	}

	if c.Daemon {
		done, err := daemonize()
		if err != nil {
			return err
		}
		if done != nil {
			defer done()
		} else {
			// parent: the child carries on
			return nil
		}
	}

	sup, err := relay.NewSupervisor(rc.cfg, tuning)
	if err != nil {
		return err
	}
	return sup.Run(rc.ctx, kinds)
}

// selectedKinds resolves --providers over --provider. An empty result
// means auto-detect inside the supervisor.
func (c *relayCmd) selectedKinds() ([]provider.Kind, error) {
	if len(c.Providers) > 0 {
		kinds := make([]provider.Kind, 0, len(c.Providers))
		seen := make(map[provider.Kind]bool)
		for _, name := range c.Providers {
			kind, err := provider.ParseKind(name)
			if err != nil {
				return nil, err
			}
			if seen[kind] {
				return nil, fmt.Errorf("provider %s given twice", kind)
			}
			seen[kind] = true
			kinds = append(kinds, kind)
		}
		return kinds, nil
	}

	if c.Provider == "" || c.Provider == "auto" {
		return nil, nil
	}
	kind, err := provider.ParseKind(c.Provider)
	if err != nil {
		return nil, err
	}
	return []provider.Kind{kind}, nil
}

// daemonize forks the relay into the background. The parent gets
// (nil, nil); the child gets a release closure for its pid file.
func daemonize() (func(), error) {
	dctx := &daemon.Context{
		PidFileName: filepath.Join(paths.ConfigDir(), "warelay.pid"),
		PidFilePerm: 0644,
		LogFileName: filepath.Join(paths.ConfigDir(), "warelay.log"),
		LogFilePerm: 0640,
		Umask:       027,
	}

	child, err := dctx.Reborn()
	if err != nil {
		return nil, fmt.Errorf("failed to daemonize: %w", err)
	}
	if child != nil {
		L_info("relay daemon started", "pid", child.Pid, "log", dctx.LogFileName)
		return nil, nil
	}

	return func() {
		if err := dctx.Release(); err != nil {
			L_warn("failed to release pid file", "error", err)
		}
	}, nil
}
