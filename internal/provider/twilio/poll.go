package twilio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/clawdis/warelay/internal/identify"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/provider"
)

const pollPageSize = 50

// twilioAPIHost serves message subresources; media content URLs are
// built against it.
const twilioAPIHost = "https://api.twilio.com"

// StartListening launches the poll loop: every PollInterval it lists
// messages addressed to the operator number within the Lookback window,
// skips everything at or below the SID watermark and hands the rest to
// the handler oldest-first.
func (p *Provider) StartListening(ctx context.Context) error {
	p.mu.Lock()
	if p.listening {
		p.mu.Unlock()
		return nil
	}
	if p.client == nil {
		p.mu.Unlock()
		return fmt.Errorf("wa-twilio: not initialized")
	}
	if p.handler == nil {
		p.mu.Unlock()
		return fmt.Errorf("wa-twilio: no message handler registered")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p.pollCancel = cancel
	p.listening = true
	p.pollWG.Add(1)
	self := p.env.From
	p.mu.Unlock()

	go p.pollLoop(pollCtx)

	L_info("wa-twilio: polling for inbound messages",
		"to", self, "interval", p.tuning.PollInterval, "lookback", p.tuning.Lookback)
	return nil
}

// StopListening stops the poll loop and waits for the iteration in
// flight, including handler invocations, to finish. Idempotent.
func (p *Provider) StopListening() error {
	p.mu.Lock()
	if !p.listening {
		p.mu.Unlock()
		return nil
	}
	p.listening = false
	if p.pollCancel != nil {
		p.pollCancel()
	}
	p.mu.Unlock()

	p.pollWG.Wait()
	L_debug("wa-twilio: stopped listening")
	return nil
}

func (p *Provider) pollLoop(ctx context.Context) {
	defer p.pollWG.Done()

	ticker := time.NewTicker(p.tuning.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				L_warn("wa-twilio: poll iteration failed", "error", err)
			}
		}
	}
}

// pollOnce runs a single poll iteration. Errors are reported to the
// loop, logged there and the next tick carries on.
func (p *Provider) pollOnce(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	params := &twilioApi.ListMessageParams{}
	params.SetTo(p.env.From)
	params.SetDateSentAfter(time.Now().Add(-p.tuning.Lookback))
	params.SetPageSize(pollPageSize)

	msgs, err := p.client.Api.ListMessage(params)
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}

	batch := newSince(msgs, p.watermark)
	if len(msgs) > 0 {
		p.watermark = strVal(msgs[0].Sid)
	}
	if len(batch) == 0 {
		return nil
	}

	L_trace("wa-twilio: poll batch", "new", len(batch), "listed", len(msgs), "watermark", p.watermark)
	for i := len(batch) - 1; i >= 0; i-- {
		p.handleMessage(ctx, &batch[i])
	}
	return nil
}

// newSince cuts the newest-first message list at the dedupe watermark:
// only entries strictly newer than it survive. An unknown watermark
// (first iteration, or aged out of the window) keeps the whole list.
func newSince(msgs []twilioApi.ApiV2010Message, watermark string) []twilioApi.ApiV2010Message {
	if watermark == "" {
		return msgs
	}
	for i := range msgs {
		if strVal(msgs[i].Sid) == watermark {
			return msgs[:i]
		}
	}
	return msgs
}

// handleMessage normalises one polled message and invokes the handler.
// Handler panics are contained so the poll loop survives them.
func (p *Provider) handleMessage(ctx context.Context, msg *twilioApi.ApiV2010Message) {
	if !strings.EqualFold(strVal(msg.Direction), "inbound") {
		return
	}

	from, err := identify.CanonicalPhone(strVal(msg.From))
	if err != nil {
		L_debug("wa-twilio: skipping message with unusable sender",
			"sid", strVal(msg.Sid), "from", strVal(msg.From), "error", err)
		return
	}
	to, _ := identify.CanonicalPhone(strVal(msg.To))

	inbound := &provider.InboundMessage{
		ID:         strVal(msg.Sid),
		From:       from,
		To:         to,
		Body:       strVal(msg.Body),
		Timestamp:  parseTwilioTime(msg.DateSent, msg.DateCreated).UnixMilli(),
		Provider:   provider.KindWhatsAppTwilio,
		ChatType:   provider.ChatDirect,
		SenderE164: from,
		Raw:        msg,
	}

	if n, _ := strconv.Atoi(strVal(msg.NumMedia)); n > 0 {
		inbound.Media, inbound.Cleanup = p.fetchInboundMedia(ctx, strVal(msg.Sid))
	}

	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			L_error("wa-twilio: message handler panicked", "sid", inbound.ID, "panic", r)
		}
	}()
	handler(ctx, inbound)
}

// fetchInboundMedia downloads the message's media subresources into the
// temp store. Failures degrade to fewer (or no) attachments; the text
// still goes through. The returned cleanup releases every download.
func (p *Provider) fetchInboundMedia(ctx context.Context, messageSID string) ([]provider.MediaAttachment, func()) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, nil
	}

	items, err := p.client.Api.ListMedia(messageSID, nil)
	if err != nil {
		L_warn("wa-twilio: failed to list media, delivering text only", "sid", messageSID, "error", err)
		return nil, nil
	}

	maxSize := p.Capabilities().MaxMediaSize
	var attachments []provider.MediaAttachment
	var downloads []func()
	for _, item := range items {
		url := mediaContentURL(strVal(item.Uri))
		if url == "" {
			continue
		}
		dl, err := p.temp.FetchURL(ctx, url, maxSize)
		if err != nil {
			L_warn("wa-twilio: media download failed", "sid", messageSID, "media", strVal(item.Sid), "error", err)
			continue
		}
		downloads = append(downloads, dl.Release)

		mime := strVal(item.ContentType)
		if mime == "" {
			mime = dl.ContentType
		}
		attachments = append(attachments, provider.MediaAttachment{
			Kind:     mediaKindFor(mime),
			Path:     dl.Path,
			MimeType: mime,
			Size:     dl.Size,
		})
	}

	if len(downloads) == 0 {
		return attachments, nil
	}
	cleanup := func() {
		for _, release := range downloads {
			release()
		}
	}
	return attachments, cleanup
}

// mediaContentURL turns a media subresource URI into its content URL:
// the .json suffix addresses the metadata, the bare path the bytes.
func mediaContentURL(uri string) string {
	if uri == "" {
		return ""
	}
	return twilioAPIHost + strings.TrimSuffix(uri, ".json")
}

// mediaKindFor classifies an attachment by MIME type. WhatsApp voice
// notes arrive through Twilio as audio/ogg.
func mediaKindFor(mime string) provider.MediaKind {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return provider.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return provider.MediaVideo
	case mime == "audio/ogg":
		return provider.MediaVoice
	case strings.HasPrefix(mime, "audio/"):
		return provider.MediaAudio
	}
	return provider.MediaDocument
}
