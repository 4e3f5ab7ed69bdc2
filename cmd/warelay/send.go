package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/relay"
)

type sendCmd struct {
	providerFlag
	To     string   `required:"" help:"Recipient: +E164, @username or a numeric id."`
	Media  []string `help:"File path or https URL to attach (repeatable; first one is guaranteed)."`
	Typing bool     `help:"Send a typing indicator before the message."`
	Body   []string `arg:"" optional:"" help:"Message text."`
}

func (c *sendCmd) Run(rc *runContext) error {
	body := strings.TrimSpace(strings.Join(c.Body, " "))
	if body == "" && len(c.Media) == 0 {
		return fmt.Errorf("nothing to send: give a message body or --media")
	}

	kind, err := c.kind()
	if err != nil {
		return err
	}

	var attachments []provider.MediaAttachment
	for _, entry := range c.Media {
		att, err := attachmentFor(entry)
		if err != nil {
			return err
		}
		attachments = append(attachments, att)
	}

	p, err := relay.Connect(rc.ctx, kind, rc.cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = p.Disconnect() }()

	var opts *provider.SendOptions
	if len(attachments) > 0 || c.Typing {
		opts = &provider.SendOptions{Media: attachments, Typing: c.Typing}
	}
	if c.Typing {
		p.SendTyping(rc.ctx, c.To)
	}

	res, err := p.Send(rc.ctx, c.To, body, opts)
	if err != nil {
		return err
	}
	if res.Status == provider.SendFailed {
		return fmt.Errorf("send failed: %s", res.Error)
	}

	L_info("sent", "provider", kind, "to", c.To, "messageId", res.MessageID, "status", res.Status)
	return nil
}

// attachmentFor wraps a local file or an https URL in an attachment.
func attachmentFor(entry string) (provider.MediaAttachment, error) {
	if strings.HasPrefix(entry, "https://") || strings.HasPrefix(entry, "http://") {
		mt := mime.TypeByExtension(filepath.Ext(entry))
		return provider.MediaAttachment{Kind: mediaKindFor(mt), URL: entry, MimeType: mt}, nil
	}

	info, err := os.Stat(entry)
	if err != nil {
		return provider.MediaAttachment{}, fmt.Errorf("media %s: %w", entry, err)
	}
	mt := media.DetectMIMEFile(entry)
	return provider.MediaAttachment{
		Kind:     mediaKindFor(mt),
		Path:     entry,
		MimeType: mt,
		FileName: filepath.Base(entry),
		Size:     info.Size(),
	}, nil
}

func mediaKindFor(mt string) provider.MediaKind {
	switch {
	case strings.HasPrefix(mt, "image/"):
		return provider.MediaImage
	case strings.HasPrefix(mt, "video/"):
		return provider.MediaVideo
	case strings.HasPrefix(mt, "audio/"):
		return provider.MediaAudio
	}
	return provider.MediaDocument
}
