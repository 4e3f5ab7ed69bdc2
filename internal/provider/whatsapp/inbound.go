package whatsapp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/provider"
)

// handleEvent is the whatsmeow event handler.
func (p *Provider) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		p.mu.RLock()
		listening := p.listening
		p.mu.RUnlock()
		if !listening {
			return
		}

		p.inflight.Add(1)
		func() {
			defer p.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					L_error("wa-web: inbound handler panic", "panic", r)
				}
			}()
			p.handleMessage(v)
		}()

	case *events.Connected:
		L_info("wa-web: connected to server")

	case *events.Disconnected:
		L_warn("wa-web: disconnected from server")
		p.maybeReconnect()

	case *events.LoggedOut:
		L_error("wa-web: logged out by server, re-pair with 'warelay login --provider wa-web'", "reason", v.Reason)
		p.mu.Lock()
		p.loggedOut = true
		p.mu.Unlock()
		p.fatal("logged out: %v", v.Reason)
	}
}

// handleMessage translates one backend message into an InboundMessage
// and invokes the registered handler.
func (p *Provider) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}

	p.mu.RLock()
	client := p.client
	handler := p.handler
	lids := p.lids
	ctx := p.listenCtx
	p.mu.RUnlock()
	if client == nil || handler == nil || ctx == nil {
		return
	}

	phone, ok := p.senderPhone(evt, lids)
	if !ok {
		L_debug("wa-web: sender has no phone mapping, dropping message",
			"sender", evt.Info.Sender.String(),
			"senderAlt", evt.Info.SenderAlt.String(),
			"chat", evt.Info.Chat.String(),
			"mappingFile", p.lidsFile())
		return
	}

	body, attachments, tempFiles, ok := p.extractContent(ctx, client, evt)
	if !ok {
		return
	}

	msg := &provider.InboundMessage{
		ID:          evt.Info.ID,
		From:        phone,
		To:          p.selfPhone(client),
		Body:        body,
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
		DisplayName: evt.Info.PushName,
		Media:       attachments,
		Provider:    provider.KindWhatsAppWeb,
		ChatType:    provider.ChatDirect,
		SenderE164:  phone,
		Raw:         evt,
	}

	if evt.Info.IsGroup {
		msg.ChatType = provider.ChatGroup
		msg.From = evt.Info.Chat.String()
		msg.MentionsSelf = mentionedSelf(mentionedJIDs(evt.Message), p.selfUsers(client))
		msg.GroupSubject, msg.GroupMembers = p.groups.lookup(ctx, client, evt.Info.Chat, lids)
	}

	if len(tempFiles) > 0 {
		files := tempFiles
		msg.Cleanup = func() {
			for _, f := range files {
				if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
					L_trace("wa-web: inbound media cleanup failed", "path", f, "error", err)
				}
			}
		}
	}

	L_debug("wa-web: inbound message",
		"from", msg.From, "sender", phone, "group", evt.Info.IsGroup,
		"media", len(attachments), "bodyLength", len(body))
	handler(ctx, msg)
}

// senderPhone resolves the sending human to +E164. Messages may arrive
// with LID addressing where Sender is the hidden linked id and
// SenderAlt carries the phone, or vice versa; pairings seen on the
// wire are learned into the reverse mapping.
func (p *Provider) senderPhone(evt *events.Message, lids *lidMap) (string, bool) {
	sender := evt.Info.Sender
	alt := evt.Info.SenderAlt

	if sender.Server == types.DefaultUserServer && sender.User != "" {
		if alt.Server == types.HiddenUserServer && alt.User != "" && lids != nil {
			lids.Learn(alt.User, sender.User)
		}
		return "+" + sender.User, true
	}

	if sender.Server == types.HiddenUserServer {
		if alt.Server == types.DefaultUserServer && alt.User != "" {
			if lids != nil {
				lids.Learn(sender.User, alt.User)
			}
			return "+" + alt.User, true
		}
		if lids != nil {
			if phone, ok := lids.Resolve(sender.User); ok {
				return phone, true
			}
		}
		return "", false
	}

	return "", false
}

func (p *Provider) selfPhone(client *whatsmeow.Client) string {
	if client.Store.ID == nil {
		return ""
	}
	return "+" + client.Store.ID.User
}

// selfUsers returns the bare user parts a mention of us can carry:
// the phone JID and, when assigned, the hidden linked id.
func (p *Provider) selfUsers(client *whatsmeow.Client) []string {
	var users []string
	if client.Store.ID != nil {
		users = append(users, client.Store.ID.User)
	}
	if !client.Store.LID.IsEmpty() {
		users = append(users, client.Store.LID.User)
	}
	return users
}

func (p *Provider) lidsFile() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lids == nil {
		return ""
	}
	return p.lids.path
}

// extractContent pulls text and the media payload out of a message.
// Returns ok=false for message types we do not relay. Media download
// failures degrade to the caption when one exists.
func (p *Provider) extractContent(ctx context.Context, client *whatsmeow.Client, evt *events.Message) (string, []provider.MediaAttachment, []string, bool) {
	m := evt.Message
	if m == nil {
		return "", nil, nil, false
	}

	var body string
	var attachments []provider.MediaAttachment
	var tempFiles []string

	if m.GetConversation() != "" {
		body = m.GetConversation()
	} else if extMsg := m.GetExtendedTextMessage(); extMsg != nil {
		body = extMsg.GetText()
	} else if audioMsg := m.GetAudioMessage(); audioMsg != nil {
		kind := provider.MediaAudio
		if audioMsg.GetPTT() {
			kind = provider.MediaVoice
		}
		path, err := p.downloadToTemp(ctx, client, audioMsg, ".ogg")
		if err != nil {
			L_error("wa-web: failed to download audio", "error", err)
			return "", nil, nil, false
		}
		attachments = append(attachments, provider.MediaAttachment{
			Kind:     kind,
			Path:     path,
			MimeType: baseMime(audioMsg.GetMimetype()),
			FileName: filepath.Base(path),
		})
		tempFiles = append(tempFiles, path)
	} else if imageMsg := m.GetImageMessage(); imageMsg != nil {
		body = imageMsg.GetCaption()
		path, mimeType, err := p.downloadImage(ctx, client, imageMsg)
		if err != nil {
			L_error("wa-web: failed to download image", "error", err)
			if body == "" {
				return "", nil, nil, false
			}
		} else {
			attachments = append(attachments, provider.MediaAttachment{
				Kind:     provider.MediaImage,
				Path:     path,
				MimeType: mimeType,
				FileName: filepath.Base(path),
			})
			tempFiles = append(tempFiles, path)
		}
	} else if videoMsg := m.GetVideoMessage(); videoMsg != nil {
		body = videoMsg.GetCaption()
		path, err := p.downloadToTemp(ctx, client, videoMsg, extForMime(baseMime(videoMsg.GetMimetype()), ".mp4"))
		if err != nil {
			L_error("wa-web: failed to download video", "error", err)
			if body == "" {
				return "", nil, nil, false
			}
		} else {
			attachments = append(attachments, provider.MediaAttachment{
				Kind:     provider.MediaVideo,
				Path:     path,
				MimeType: baseMime(videoMsg.GetMimetype()),
				FileName: filepath.Base(path),
			})
			tempFiles = append(tempFiles, path)
		}
	} else if docMsg := m.GetDocumentMessage(); docMsg != nil {
		body = docMsg.GetCaption()
		name := docMsg.GetFileName()
		ext := filepath.Ext(name)
		if ext == "" {
			ext = extForMime(baseMime(docMsg.GetMimetype()), ".bin")
		}
		path, err := p.downloadToTemp(ctx, client, docMsg, ext)
		if err != nil {
			L_error("wa-web: failed to download document", "error", err)
			if body == "" {
				return "", nil, nil, false
			}
		} else {
			fileName := name
			if fileName == "" {
				fileName = filepath.Base(path)
			}
			attachments = append(attachments, provider.MediaAttachment{
				Kind:     provider.MediaDocument,
				Path:     path,
				MimeType: baseMime(docMsg.GetMimetype()),
				FileName: fileName,
			})
			tempFiles = append(tempFiles, path)
		}
	} else {
		L_debug("wa-web: unsupported message type, ignoring")
		return "", nil, nil, false
	}

	return body, attachments, tempFiles, true
}

// mentionedJIDs collects context-info mentions from the message types
// that can carry them.
func mentionedJIDs(m *waE2E.Message) []string {
	if m == nil {
		return nil
	}
	var infos []*waE2E.ContextInfo
	if ext := m.GetExtendedTextMessage(); ext != nil {
		infos = append(infos, ext.GetContextInfo())
	}
	if img := m.GetImageMessage(); img != nil {
		infos = append(infos, img.GetContextInfo())
	}
	if vid := m.GetVideoMessage(); vid != nil {
		infos = append(infos, vid.GetContextInfo())
	}
	if doc := m.GetDocumentMessage(); doc != nil {
		infos = append(infos, doc.GetContextInfo())
	}

	var out []string
	for _, info := range infos {
		out = append(out, info.GetMentionedJID()...)
	}
	return out
}

// mentionedSelf reports whether any mentioned JID addresses one of our
// own identities.
func mentionedSelf(mentions, selfUsers []string) bool {
	for _, m := range mentions {
		u := bareUser(m)
		for _, s := range selfUsers {
			if u != "" && u == s {
				return true
			}
		}
	}
	return false
}

const groupCacheTTL = 5 * time.Minute

// groupCache memoises group subject and member lists; the backend call
// is a network round trip and group metadata changes rarely.
type groupCache struct {
	mu      sync.Mutex
	entries map[string]groupEntry
}

type groupEntry struct {
	subject string
	members []string
	fetched time.Time
}

func newGroupCache() *groupCache {
	return &groupCache{entries: make(map[string]groupEntry)}
}

func (c *groupCache) lookup(ctx context.Context, client *whatsmeow.Client, jid types.JID, lids *lidMap) (string, []string) {
	key := jid.String()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Since(entry.fetched) < groupCacheTTL {
		return entry.subject, entry.members
	}

	entry = groupEntry{fetched: time.Now()}
	info, err := client.GetGroupInfo(ctx, jid)
	if err != nil {
		L_trace("wa-web: group info lookup failed", "group", key, "error", err)
	} else {
		entry.subject = info.Name
		for _, part := range info.Participants {
			switch part.JID.Server {
			case types.DefaultUserServer:
				entry.members = append(entry.members, "+"+part.JID.User)
			case types.HiddenUserServer:
				if lids != nil {
					if phone, ok := lids.Resolve(part.JID.User); ok {
						entry.members = append(entry.members, phone)
					}
				}
			}
		}
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return entry.subject, entry.members
}

// baseMime trims codec parameters ("audio/ogg; codecs=opus").
func baseMime(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}

// extForMime returns a file extension for common inbound MIME types.
func extForMime(mimeType, fallback string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	}
	return fallback
}

// downloadToTemp fetches a downloadable message into the temp store.
func (p *Provider) downloadToTemp(ctx context.Context, client *whatsmeow.Client, m whatsmeow.DownloadableMessage, ext string) (string, error) {
	data, err := client.Download(ctx, m)
	if err != nil {
		return "", err
	}
	return p.saveTemp(data, ext)
}

// downloadImage fetches and optimizes an inbound photo so the agent
// never sees a 12 MB camera original.
func (p *Provider) downloadImage(ctx context.Context, client *whatsmeow.Client, m *waE2E.ImageMessage) (string, string, error) {
	data, err := client.Download(ctx, m)
	if err != nil {
		return "", "", err
	}

	mimeType := baseMime(m.GetMimetype())
	if img, err := media.Optimize(data); err == nil {
		data = img.Data
		mimeType = img.MimeType
	} else {
		L_trace("wa-web: image optimization skipped", "error", err)
	}

	path, err := p.saveTemp(data, extForMime(mimeType, ".jpg"))
	if err != nil {
		return "", "", err
	}
	return path, mimeType, nil
}

func (p *Provider) saveTemp(data []byte, ext string) (string, error) {
	f, err := os.CreateTemp(p.temp.Dir(), media.DownloadPrefix+"*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	L_trace("wa-web: media saved", "path", f.Name(), "size", len(data))
	return f.Name(), nil
}
