package main

import (
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/relay"
)

type heartbeatCmd struct {
	providerFlag
	To string `required:"" help:"Peer whose session receives the heartbeat."`
}

func (c *heartbeatCmd) Run(rc *runContext) error {
	kind, err := c.kind()
	if err != nil {
		return err
	}

	sup, err := relay.NewSupervisor(rc.cfg, nil)
	if err != nil {
		return err
	}

	p, err := relay.Connect(rc.ctx, kind, rc.cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = p.Disconnect() }()

	sup.Engine().Attach(p)
	if err := sup.Engine().Heartbeat(kind, c.To); err != nil {
		return err
	}

	L_info("heartbeat delivered", "provider", kind, "to", c.To)
	return nil
}
