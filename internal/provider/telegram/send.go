package telegram

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/provider"
)

const (
	maxTelegramMessage = 4096
	maxTelegramCaption = 1024
)

// Send resolves the recipient, uploads any attachments and delivers
// the body as styled HTML in as many chunks as the length limit needs.
// RPC refusals come back as a failed SendResult; only local faults are
// errors.
func (p *Provider) Send(ctx context.Context, to, body string, opts *provider.SendOptions) (*provider.SendResult, error) {
	p.mu.RLock()
	sender := p.sender
	p.mu.RUnlock()

	if sender == nil {
		return nil, fmt.Errorf("telegram: not initialized")
	}
	if !p.connected.Load() {
		return nil, fmt.Errorf("telegram: not connected")
	}

	hasMedia := opts != nil && len(opts.Media) > 0
	if strings.TrimSpace(body) == "" && !hasMedia {
		return nil, fmt.Errorf("telegram: nothing to send")
	}

	peer, userID, err := p.resolvePeer(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("telegram: cannot resolve recipient %q: %w", to, err)
	}
	meta := map[string]string{"userId": strconv.FormatInt(userID, 10)}

	if opts != nil && opts.Typing {
		if err := sender.To(peer).TypingAction().Typing(ctx); err != nil {
			L_trace("telegram: typing action failed", "error", err)
		}
	}

	if hasMedia {
		return p.sendMedia(ctx, sender, peer, body, opts.Media, meta)
	}

	var lastID string
	for _, chunk := range splitMessage(body, maxTelegramMessage) {
		updates, err := p.sendText(ctx, sender, peer, chunk)
		if err != nil {
			return sendFailure(err, meta)
		}
		if id := sentMessageID(updates); id != "" {
			lastID = id
		}
	}
	return &provider.SendResult{
		MessageID: lastID,
		Status:    provider.SendSent,
		Metadata:  meta,
	}, nil
}

// sendText delivers one chunk as styled HTML, falling back to plain
// text when the formatted form is rejected.
func (p *Provider) sendText(ctx context.Context, sender *message.Sender, peer tg.InputPeerClass, chunk string) (tg.UpdatesClass, error) {
	updates, err := sender.To(peer).StyledText(ctx, html.String(nil, FormatMessage(chunk)))
	if err != nil && ctx.Err() == nil {
		L_debug("telegram: styled send failed, falling back to plain text", "error", err)
		updates, err = sender.To(peer).Text(ctx, chunk)
	}
	return updates, err
}

// sendMedia uploads each attachment in order. A single attachment with
// a short body gets it as caption; otherwise the body follows as
// ordinary text chunks.
func (p *Provider) sendMedia(ctx context.Context, sender *message.Sender, peer tg.InputPeerClass, body string, items []provider.MediaAttachment, meta map[string]string) (*provider.SendResult, error) {
	text := strings.TrimSpace(body)
	caption := ""
	if text != "" && len(items) == 1 && utf8.RuneCountInString(text) <= maxTelegramCaption {
		caption = text
		text = ""
	}

	var lastID string
	for i, att := range items {
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		opt, release, err := p.mediaOption(ctx, att, itemCaption)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		updates, err := sender.To(peer).Media(ctx, opt)
		release()
		if err != nil {
			return sendFailure(err, meta)
		}
		if id := sentMessageID(updates); id != "" {
			lastID = id
		}
	}

	for _, chunk := range splitMessage(text, maxTelegramMessage) {
		if chunk == "" {
			continue
		}
		updates, err := p.sendText(ctx, sender, peer, chunk)
		if err != nil {
			return sendFailure(err, meta)
		}
		if id := sentMessageID(updates); id != "" {
			lastID = id
		}
	}

	return &provider.SendResult{
		MessageID: lastID,
		Status:    provider.SendSent,
		Metadata:  meta,
	}, nil
}

// mediaOption wraps an uploaded attachment in the matching media
// builder. JPEG and PNG images go out as photos, everything else as a
// typed document so the original bytes survive.
func (p *Provider) mediaOption(ctx context.Context, att provider.MediaAttachment, caption string) (message.MediaOption, func(), error) {
	file, name, mime, release, err := p.uploadAttachment(ctx, att)
	if err != nil {
		return nil, nil, err
	}

	var styled []message.StyledTextOption
	if caption != "" {
		styled = append(styled, html.String(nil, FormatMessage(caption)))
	}

	switch {
	case att.Kind == provider.MediaImage && isPhotoMime(mime):
		return message.UploadedPhoto(file, styled...), release, nil
	case att.Kind == provider.MediaVoice:
		return message.UploadedDocument(file, styled...).MIME(mime).Filename(name).Audio().Voice(), release, nil
	case att.Kind == provider.MediaAudio:
		return message.UploadedDocument(file, styled...).MIME(mime).Filename(name).Audio(), release, nil
	case att.Kind == provider.MediaVideo:
		return message.UploadedDocument(file, styled...).MIME(mime).Filename(name).Video().SupportsStreaming(), release, nil
	}
	return message.UploadedDocument(file, styled...).MIME(mime).Filename(name), release, nil
}

// uploadAttachment pushes one attachment to Telegram's file store.
// Size caps are enforced before any byte leaves the process. The
// release closure removes a URL download's temp file.
func (p *Provider) uploadAttachment(ctx context.Context, att provider.MediaAttachment) (tg.InputFileClass, string, string, func(), error) {
	api := p.apiClient()
	temp := p.tempStore()
	if api == nil || temp == nil {
		return nil, "", "", nil, fmt.Errorf("not connected")
	}
	maxSize := p.Capabilities().MaxMediaSize
	up := uploader.NewUploader(api)
	noop := func() {}

	switch {
	case len(att.Data) > 0:
		if maxSize > 0 && int64(len(att.Data)) > maxSize {
			return nil, "", "", nil, fmt.Errorf("%w: %d bytes, limit %d", media.ErrMediaTooLarge, len(att.Data), maxSize)
		}
		name := attachmentFileName(att, "")
		file, err := up.FromBytes(ctx, name, att.Data)
		if err != nil {
			return nil, "", "", nil, err
		}
		return file, name, attachmentMime(att, ""), noop, nil

	case att.Path != "":
		info, err := os.Stat(att.Path)
		if err != nil {
			return nil, "", "", nil, err
		}
		if maxSize > 0 && info.Size() > maxSize {
			return nil, "", "", nil, fmt.Errorf("%w: %d bytes, limit %d", media.ErrMediaTooLarge, info.Size(), maxSize)
		}
		file, err := up.FromPath(ctx, att.Path)
		if err != nil {
			return nil, "", "", nil, err
		}
		return file, attachmentFileName(att, ""), attachmentMime(att, ""), noop, nil

	case att.URL != "":
		dl, err := temp.FetchURL(ctx, att.URL, maxSize)
		if err != nil {
			return nil, "", "", nil, err
		}
		file, err := up.FromPath(ctx, dl.Path)
		if err != nil {
			dl.Release()
			return nil, "", "", nil, err
		}
		return file, attachmentFileName(att, dl.ContentType), attachmentMime(att, dl.ContentType), dl.Release, nil
	}
	return nil, "", "", nil, fmt.Errorf("media attachment has no data, path or url")
}

// sendFailure classifies a send error: context cancellation and other
// local faults surface as Go errors, RPC refusals as a failed result.
func sendFailure(err error, meta map[string]string) (*provider.SendResult, error) {
	if rpcErr, ok := tgerr.As(err); ok {
		return &provider.SendResult{
			Status:   provider.SendFailed,
			Error:    fmt.Sprintf("%d: %s", rpcErr.Code, rpcErr.Type),
			Metadata: meta,
		}, nil
	}
	return nil, fmt.Errorf("telegram: send failed: %w", err)
}

// sentMessageID digs the assigned message id out of a send response.
func sentMessageID(u tg.UpdatesClass) string {
	switch v := u.(type) {
	case *tg.UpdateShortSentMessage:
		return strconv.Itoa(v.ID)
	case *tg.Updates:
		for _, upd := range v.Updates {
			if m, ok := upd.(*tg.UpdateMessageID); ok {
				return strconv.Itoa(m.ID)
			}
		}
	case *tg.UpdatesCombined:
		for _, upd := range v.Updates {
			if m, ok := upd.(*tg.UpdateMessageID); ok {
				return strconv.Itoa(m.ID)
			}
		}
	}
	return ""
}

func isPhotoMime(mime string) bool {
	return mime == "image/jpeg" || mime == "image/png"
}

// attachmentFileName picks the outbound display name: the explicit
// name, then the path or URL basename, else a kind-derived default.
func attachmentFileName(att provider.MediaAttachment, contentType string) string {
	if att.FileName != "" {
		return att.FileName
	}
	if att.Path != "" {
		return filepath.Base(att.Path)
	}
	if att.URL != "" {
		if u, err := url.Parse(att.URL); err == nil {
			if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
				return base
			}
		}
	}
	return "file" + docExtension(attachmentMime(att, contentType), "", att.Kind)
}

func attachmentMime(att provider.MediaAttachment, contentType string) string {
	if att.MimeType != "" {
		return baseMime(att.MimeType)
	}
	if contentType != "" {
		return baseMime(contentType)
	}
	return "application/octet-stream"
}

// SendTyping is best-effort; failures are logged at trace and dropped.
func (p *Provider) SendTyping(ctx context.Context, to string) {
	p.mu.RLock()
	sender := p.sender
	p.mu.RUnlock()

	if sender == nil || !p.connected.Load() {
		return
	}
	peer, _, err := p.resolvePeer(ctx, to)
	if err != nil {
		L_trace("telegram: typing skipped, bad recipient", "to", to, "error", err)
		return
	}
	if err := sender.To(peer).TypingAction().Typing(ctx); err != nil {
		L_trace("telegram: typing action failed", "error", err)
	}
}

// GetDeliveryStatus always reports unknown: personal accounts get no
// per-message receipt the API exposes cleanly.
func (p *Provider) GetDeliveryStatus(ctx context.Context, messageID string) (*provider.DeliveryStatus, error) {
	return &provider.DeliveryStatus{
		MessageID: messageID,
		State:     provider.DeliveryUnknown,
		Timestamp: time.Now(),
	}, nil
}
