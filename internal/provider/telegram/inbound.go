package telegram

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/clawdis/warelay/internal/identify"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/provider"
)

const senderUnknown = "unknown"

// onNewMessage receives every new-message update from the dispatcher.
// Delivery is gated on the listening flag so updates arriving while
// only the send paths are active get dropped, not queued.
func (p *Provider) onNewMessage(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
	msg, ok := update.Message.(*tg.Message)
	if !ok {
		return nil
	}
	if msg.Out {
		return nil
	}

	p.mu.RLock()
	listening := p.listening
	handler := p.handler
	listenCtx := p.listenCtx
	p.mu.RUnlock()

	p.rememberEntities(e)

	if !listening || handler == nil {
		return nil
	}

	p.inflight.Add(1)
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			L_error("telegram: inbound handler panicked", "panic", r)
		}
	}()

	inbound := p.buildInbound(listenCtx, e, msg)
	if inbound == nil {
		return nil
	}

	L_debug("telegram: inbound message", "from", inbound.From, "id", inbound.ID, "media", len(inbound.Media))
	handler(listenCtx, inbound)
	return nil
}

// rememberEntities feeds every full user entity attached to an update
// into the peer cache.
func (p *Provider) rememberEntities(e tg.Entities) {
	for _, u := range e.Users {
		p.rememberUser(u)
	}
}

// buildInbound normalises a Telegram message. Only direct chats are
// relayed; group and channel traffic is ignored.
func (p *Provider) buildInbound(ctx context.Context, e tg.Entities, msg *tg.Message) *provider.InboundMessage {
	peerUser, ok := msg.PeerID.(*tg.PeerUser)
	if !ok {
		L_trace("telegram: ignoring non-direct message", "peer", fmt.Sprintf("%T", msg.PeerID))
		return nil
	}
	senderID := peerUser.UserID

	from, display, e164 := senderIdentity(e.Users[senderID], senderID)

	inbound := &provider.InboundMessage{
		ID:           strconv.Itoa(msg.ID),
		From:         from,
		To:           p.selfAddress(),
		Body:         msg.Message,
		Timestamp:    int64(msg.Date) * 1000,
		DisplayName:  display,
		Provider:     provider.KindTelegram,
		ChatType:     provider.ChatDirect,
		SenderE164:   e164,
		MentionsSelf: msg.Mentioned,
		Raw:          msg,
	}

	if m, ok := msg.GetMedia(); ok {
		if att, release := p.downloadMedia(ctx, m); att != nil {
			inbound.Media = []provider.MediaAttachment{*att}
			inbound.Cleanup = release
		}
	}
	return inbound
}

// senderIdentity renders a sender in the namespaced form the session
// and allow-list layers key on: @username first, then phone, then the
// bare numeric id. A sender with no identity at all is "unknown".
func senderIdentity(u *tg.User, id int64) (from, display, e164 string) {
	if u != nil {
		display = strings.TrimSpace(u.FirstName + " " + u.LastName)
		if u.Phone != "" {
			e164 = "+" + u.Phone
		}
		if u.Username != "" {
			return identify.TelegramPrefix + "@" + strings.ToLower(u.Username), display, e164
		}
		if e164 != "" {
			return identify.TelegramPrefix + e164, display, e164
		}
	}
	if id != 0 {
		return identify.TelegramPrefix + strconv.FormatInt(id, 10), display, e164
	}
	return senderUnknown, display, e164
}

func (p *Provider) selfAddress() string {
	if id := p.selfID.Load(); id != 0 {
		return identify.TelegramPrefix + strconv.FormatInt(id, 10)
	}
	return ""
}

// downloadMedia pulls an attachment into the temp store. Oversized or
// failing media degrades the message to text-only instead of dropping
// it.
func (p *Provider) downloadMedia(ctx context.Context, m tg.MessageMediaClass) (*provider.MediaAttachment, func()) {
	maxSize := p.Capabilities().MaxMediaSize

	switch mm := m.(type) {
	case *tg.MessageMediaPhoto:
		photoClass, ok := mm.GetPhoto()
		if !ok {
			return nil, nil
		}
		photo, ok := photoClass.(*tg.Photo)
		if !ok {
			return nil, nil
		}
		thumb, declared, ok := largestPhotoSize(photo.Sizes)
		if !ok {
			L_warn("telegram: photo has no downloadable size", "id", photo.ID)
			return nil, nil
		}
		if maxSize > 0 && declared > maxSize {
			L_warn("telegram: inbound photo exceeds media limit, relaying text only", "size", declared, "limit", maxSize)
			return nil, nil
		}
		loc := &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}
		path, size, err := p.streamToTemp(ctx, loc, maxSize, ".jpg")
		if err != nil {
			L_error("telegram: photo download failed, relaying text only", "error", err)
			return nil, nil
		}
		return &provider.MediaAttachment{
			Kind:     provider.MediaImage,
			Path:     path,
			MimeType: "image/jpeg",
			FileName: filepath.Base(path),
			Size:     size,
		}, removeFileFunc(path)

	case *tg.MessageMediaDocument:
		docClass, ok := mm.GetDocument()
		if !ok {
			return nil, nil
		}
		doc, ok := docClass.(*tg.Document)
		if !ok {
			return nil, nil
		}
		if maxSize > 0 && doc.Size > maxSize {
			L_warn("telegram: inbound document exceeds media limit, relaying text only", "size", doc.Size, "limit", maxSize)
			return nil, nil
		}
		kind, fileName := classifyDocument(doc)
		loc := &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}
		path, size, err := p.streamToTemp(ctx, loc, maxSize, docExtension(doc.MimeType, fileName, kind))
		if err != nil {
			L_error("telegram: document download failed, relaying text only", "kind", kind, "error", err)
			return nil, nil
		}
		if fileName == "" {
			fileName = filepath.Base(path)
		}
		return &provider.MediaAttachment{
			Kind:     kind,
			Path:     path,
			MimeType: baseMime(doc.MimeType),
			FileName: fileName,
			Size:     size,
		}, removeFileFunc(path)

	default:
		L_trace("telegram: unsupported media type", "type", fmt.Sprintf("%T", m))
		return nil, nil
	}
}

// streamToTemp streams a file location into the temp store, aborting
// if the byte count crosses the cap mid-stream. The final path carries
// ext so downstream consumers can infer the type from the name.
func (p *Provider) streamToTemp(ctx context.Context, loc tg.InputFileLocationClass, maxSize int64, ext string) (string, int64, error) {
	api := p.apiClient()
	temp := p.tempStore()
	if api == nil || temp == nil {
		return "", 0, fmt.Errorf("not connected")
	}

	f, cleanup, err := temp.CreateFile()
	if err != nil {
		return "", 0, err
	}

	capped := &cappedWriter{w: f, max: maxSize}
	_, err = downloader.NewDownloader().Download(api, loc).Stream(ctx, capped)
	closeErr := f.Close()
	if err != nil {
		cleanup()
		return "", 0, err
	}
	if closeErr != nil {
		cleanup()
		return "", 0, closeErr
	}

	final := f.Name()
	if ext != "" && !strings.HasSuffix(final, ext) {
		renamed := strings.TrimSuffix(final, filepath.Ext(final)) + ext
		if renameErr := os.Rename(final, renamed); renameErr == nil {
			final = renamed
		}
	}
	return final, capped.n, nil
}

// largestPhotoSize picks the biggest downloadable size and returns its
// type tag for the file location plus the declared byte count.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int64, bool) {
	var (
		thumb    string
		declared int64
		found    bool
	)
	for _, sc := range sizes {
		switch s := sc.(type) {
		case *tg.PhotoSize:
			if int64(s.Size) >= declared {
				thumb, declared, found = s.Type, int64(s.Size), true
			}
		case *tg.PhotoSizeProgressive:
			var largest int
			for _, n := range s.Sizes {
				if n > largest {
					largest = n
				}
			}
			if int64(largest) >= declared {
				thumb, declared, found = s.Type, int64(largest), true
			}
		}
	}
	return thumb, declared, found
}

// classifyDocument maps document attributes onto the media taxonomy.
// The voice flag wins over video, round video notes carry both.
func classifyDocument(doc *tg.Document) (provider.MediaKind, string) {
	var (
		fileName string
		isVoice  bool
		isVideo  bool
		isAudio  bool
	)
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeAudio:
			isAudio = true
			if a.Voice {
				isVoice = true
			}
		case *tg.DocumentAttributeVideo:
			isVideo = true
		case *tg.DocumentAttributeFilename:
			fileName = a.FileName
		}
	}
	switch {
	case isVoice:
		return provider.MediaVoice, fileName
	case isVideo:
		return provider.MediaVideo, fileName
	case isAudio:
		return provider.MediaAudio, fileName
	}
	return provider.MediaDocument, fileName
}

// docExtension picks the temp-file extension: the original filename's
// if present, else one derived from the MIME type, else a kind default.
func docExtension(mime, fileName string, kind provider.MediaKind) string {
	if ext := filepath.Ext(fileName); ext != "" {
		return ext
	}
	switch baseMime(mime) {
	case "audio/ogg", "application/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	}
	switch kind {
	case provider.MediaVoice:
		return ".ogg"
	case provider.MediaAudio:
		return ".mp3"
	case provider.MediaVideo:
		return ".mp4"
	}
	return ".bin"
}

// baseMime strips any parameters from a MIME type.
func baseMime(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

// removeFileFunc builds the cleanup closure the engine invokes once a
// message is fully processed.
func removeFileFunc(path string) func() {
	return func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			L_warn("telegram: failed to remove temp file", "path", path, "error", err)
		}
	}
}

// cappedWriter aborts a streaming download once the cumulative byte
// count crosses max. Zero max means uncapped.
type cappedWriter struct {
	w   io.Writer
	n   int64
	max int64
}

func (c *cappedWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	if err == nil && c.max > 0 && c.n > c.max {
		return n, fmt.Errorf("%w: stream passed %d bytes", media.ErrMediaTooLarge, c.max)
	}
	return n, err
}
