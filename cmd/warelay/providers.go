package main

import (
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/relay"
)

// providerFlag is the single-provider selector shared by most verbs.
// "auto" picks the first configured backend (wa-web, then telegram,
// then wa-twilio).
type providerFlag struct {
	Provider string `help:"Provider: wa-web, wa-twilio, telegram or auto." default:"auto"`
}

func (f providerFlag) kind() (provider.Kind, error) {
	if f.Provider == "" || f.Provider == "auto" {
		return relay.AutoDetect()
	}
	return provider.ParseKind(f.Provider)
}
