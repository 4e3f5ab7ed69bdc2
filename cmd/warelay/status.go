package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/relay"
)

// statusProbeTimeout bounds each provider's connect attempt; status
// must not hang on a dead backend.
const statusProbeTimeout = 15 * time.Second

type statusCmd struct {
	Provider string `help:"Limit to one provider kind." default:""`
}

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	statusOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	statusBadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// column widths; cells are padded before styling so ANSI codes don't
// skew the layout.
const (
	colProvider = 18
	colFlag     = 14
	colLimit    = 11
)

func cell(text string, width int, style lipgloss.Style) string {
	return style.Render(fmt.Sprintf("%-*s", width, text))
}

func flagCell(ok bool) string {
	if ok {
		return cell("yes", colFlag, statusOKStyle)
	}
	return cell("no", colFlag, statusBadStyle)
}

func (c *statusCmd) Run(rc *runContext) error {
	kinds := []provider.Kind{
		provider.KindWhatsAppWeb,
		provider.KindWhatsAppTwilio,
		provider.KindTelegram,
	}
	if c.Provider != "" {
		kind, err := provider.ParseKind(c.Provider)
		if err != nil {
			return err
		}
		kinds = []provider.Kind{kind}
	}

	fmt.Println(cell("PROVIDER", colProvider, statusHeaderStyle) +
		cell("AUTHENTICATED", colFlag, statusHeaderStyle) +
		cell("CONNECTED", colFlag, statusHeaderStyle) +
		cell("MEDIA CAP", colLimit, statusHeaderStyle) +
		statusHeaderStyle.Render("SESSION"))

	for _, kind := range kinds {
		fmt.Println(c.row(rc, kind))
	}
	return nil
}

func (c *statusCmd) row(rc *runContext, kind provider.Kind) string {
	ctx, cancel := context.WithTimeout(rc.ctx, statusProbeTimeout)
	defer cancel()

	name := cell(kind.DetailedName(), colProvider, lipgloss.NewStyle())
	limit := provider.FormatMediaSize(provider.CapabilitiesFor(kind).MaxMediaSize)

	p, err := relay.Connect(ctx, kind, rc.cfg, nil)
	if err != nil {
		return name + statusDimStyle.Render(fmt.Sprintf("not configured (%v)", err))
	}
	defer func() { _ = p.Disconnect() }()

	authed := p.IsAuthenticated(ctx)

	session := "-"
	if authed {
		if id, err := p.GetSessionID(ctx); err == nil && id != "" {
			session = id
		}
	}

	return name +
		flagCell(authed) +
		flagCell(p.IsConnected()) +
		cell(limit, colLimit, lipgloss.NewStyle()) +
		statusDimStyle.Render(session)
}
