package whatsapp

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/provider"
)

// sendMedia uploads the attachment and sends it with the body as
// caption. The size cap is enforced before any upload traffic.
func (p *Provider) sendMedia(ctx context.Context, client *whatsmeow.Client, jid types.JID, body string, att provider.MediaAttachment) (*provider.SendResult, error) {
	maxSize := p.Capabilities().MaxMediaSize

	data, mimeType, err := p.attachmentBytes(ctx, att, maxSize)
	if err != nil {
		return nil, fmt.Errorf("wa-web: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("wa-web: %w: %d bytes, limit %d", media.ErrMediaTooLarge, len(data), maxSize)
	}

	resp, err := client.Upload(ctx, data, mimeToMediaType(mimeType))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &provider.SendResult{
			Status:   provider.SendFailed,
			Error:    fmt.Sprintf("upload failed: %v", err),
			Metadata: map[string]string{"jid": jid.String()},
		}, nil
	}

	caption := FormatMessage(body)
	msg := buildMediaMessage(mimeType, &resp, caption, uint64(len(data)))

	sendResp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &provider.SendResult{
			Status:   provider.SendFailed,
			Error:    err.Error(),
			Metadata: map[string]string{"jid": jid.String()},
		}, nil
	}

	L_debug("wa-web: media sent", "jid", jid.String(), "mime", mimeType, "size", len(data))
	return &provider.SendResult{
		MessageID: sendResp.ID,
		Status:    provider.SendSent,
		Metadata:  map[string]string{"jid": jid.String()},
	}, nil
}

// attachmentBytes materialises an attachment from whichever of Data,
// Path or URL it carries. URL fetches stream through the temp store so
// the size cap holds before the bytes ever reach this process whole.
func (p *Provider) attachmentBytes(ctx context.Context, att provider.MediaAttachment, maxSize int64) ([]byte, string, error) {
	switch {
	case len(att.Data) > 0:
		return att.Data, p.attachmentMime(att, func() string { return media.DetectMIME(att.Data) }), nil

	case att.Path != "":
		if info, err := os.Stat(att.Path); err == nil && info.Size() > maxSize {
			return nil, "", fmt.Errorf("%w: %d bytes, limit %d", media.ErrMediaTooLarge, info.Size(), maxSize)
		}
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read media file: %w", err)
		}
		return data, p.attachmentMime(att, func() string { return media.DetectMIMEFile(att.Path) }), nil

	case att.URL != "":
		dl, err := p.temp.FetchURL(ctx, att.URL, maxSize)
		if err != nil {
			return nil, "", err
		}
		defer dl.Release()
		data, err := os.ReadFile(dl.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read downloaded media: %w", err)
		}
		return data, p.attachmentMime(att, func() string {
			if dl.ContentType != "" {
				return dl.ContentType
			}
			return media.DetectMIME(data)
		}), nil
	}
	return nil, "", fmt.Errorf("attachment carries no data, path or url")
}

func (p *Provider) attachmentMime(att provider.MediaAttachment, detect func() string) string {
	if att.MimeType != "" {
		return att.MimeType
	}
	mt := detect()
	if mt == "" {
		return "application/octet-stream"
	}
	return mt
}

// buildMediaMessage creates the proto message for a media upload.
func buildMediaMessage(mimeType string, resp *whatsmeow.UploadResponse, caption string, fileLength uint64) *waE2E.Message {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	case strings.HasPrefix(mimeType, "video/"):
		return &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	case strings.HasPrefix(mimeType, "audio/"):
		return &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	default:
		return &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	}
}

// mimeToMediaType maps a MIME type to whatsmeow's MediaType for upload.
func mimeToMediaType(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}
