// Command warelay is a single-operator messaging relay: it pairs with
// WhatsApp (web or Twilio) and Telegram, forwards whitelisted inbound
// messages to an external agent process, and streams the replies back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/clawdis/warelay/internal/config"
	. "github.com/clawdis/warelay/internal/logging"
)

const version = "0.2.0"

type cli struct {
	Config  string `help:"Config file path (default: <cfg>/clawdis.json)." type:"path"`
	Verbose bool   `short:"v" help:"Debug logging."`

	Login     loginCmd     `cmd:"" help:"Authenticate a provider (QR scan, phone code or credential check)."`
	Logout    logoutCmd    `cmd:"" help:"Revoke a provider session and erase local state."`
	Send      sendCmd      `cmd:"" help:"Send a single message."`
	Status    statusCmd    `cmd:"" help:"Show provider authentication and connection state."`
	Relay     relayCmd     `cmd:"" help:"Listen for inbound messages and auto-reply."`
	Heartbeat heartbeatCmd `cmd:"" help:"Run one heartbeat turn immediately."`
	Version   versionCmd   `cmd:"" help:"Print the version."`
}

// runContext is handed to every verb's Run method.
type runContext struct {
	ctx context.Context
	cfg *config.Config
}

type versionCmd struct{}

func (versionCmd) Run(*runContext) error {
	fmt.Printf("warelay %s\n", version)
	return nil
}

func main() {
	var c cli
	k := kong.Parse(&c,
		kong.Name("warelay"),
		kong.Description("Personal messaging relay: WhatsApp and Telegram in, your agent out."),
		kong.UsageOnError(),
	)

	Init(DefaultConfig())

	cfg, err := config.Load(c.Config)
	if err != nil {
		L_error("failed to load config", "error", err)
		os.Exit(1)
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "config: %s\n", issue)
		}
		os.Exit(1)
	}

	if c.Verbose {
		SetLevel(LevelDebug)
	} else {
		SetLevel(levelFor(cfg.Logging.Level))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.Run(&runContext{ctx: ctx, cfg: cfg}); err != nil {
		L_error("%v", err)
		os.Exit(1)
	}
}

func levelFor(name string) int {
	switch name {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	}
	return LevelInfo
}
