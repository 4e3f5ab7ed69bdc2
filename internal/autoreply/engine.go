package autoreply

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/clawdis/warelay/internal/agent"
	"github.com/clawdis/warelay/internal/bus"
	"github.com/clawdis/warelay/internal/config"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/paths"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/session"
	"github.com/clawdis/warelay/internal/stt"
	"github.com/clawdis/warelay/internal/template"
)

const (
	// apologyText is delivered when the agent crashes mid-turn.
	apologyText = "Sorry, something went wrong while handling that message. I've reset the conversation; please try again."

	// workQueueDepth bounds how many inbound messages queue per
	// session before the provider's listen loop blocks.
	workQueueDepth = 16
)

// sendRetryDelay is the pause before the single send retry.
var sendRetryDelay = 2 * time.Second

// Engine is the auto-reply pipeline. Providers hand it normalised
// inbound messages; it answers through the same provider.
type Engine struct {
	cfg      *config.Config
	sessions *session.Manager
	stt      stt.Provider
	scratch  string

	mu        sync.RWMutex
	providers map[provider.Kind]provider.Provider

	workMu  sync.Mutex
	workers map[string]chan work
}

// work is one queued inbound message bound for a session worker.
type work struct {
	ctx context.Context
	p   provider.Provider
	msg *provider.InboundMessage
}

// New creates the engine and hooks it into the session manager's
// heartbeat callback.
func New(cfg *config.Config, sessions *session.Manager, transcriber stt.Provider) *Engine {
	e := &Engine{
		cfg:       cfg,
		sessions:  sessions,
		stt:       transcriber,
		scratch:   paths.ScratchDir(),
		providers: make(map[provider.Kind]provider.Provider),
		workers:   make(map[string]chan work),
	}

	if err := paths.EnsureDir(e.scratch); err != nil {
		L_warn("autoreply: scratch dir unavailable", "dir", e.scratch, "error", err)
	}

	sessions.OnHeartbeat(e.heartbeatTurn)
	return e
}

// Attach registers a provider and installs the inbound handler.
// Called once per provider start by the relay supervisor.
func (e *Engine) Attach(p provider.Provider) {
	kind := p.Kind()

	e.mu.Lock()
	e.providers[kind] = p
	e.mu.Unlock()

	in := e.cfg.InboundFor(string(kind))
	if in.AllowFrom == nil {
		L_warn("autoreply: no allow-list configured, replying to ALL senders", "provider", kind)
	}

	p.OnMessage(func(ctx context.Context, msg *provider.InboundMessage) {
		e.Inbound(ctx, p, msg)
	})
}

// ActiveKinds returns the registered provider kinds, sorted for
// stable {{PROVIDERS}} output.
func (e *Engine) ActiveKinds() []provider.Kind {
	e.mu.RLock()
	defer e.mu.RUnlock()

	kinds := make([]provider.Kind, 0, len(e.providers))
	for k := range e.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (e *Engine) provider(kind provider.Kind) provider.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.providers[kind]
}

// Inbound applies the allow-list and group policy, then queues the
// message for its session worker. Messages for the same session are
// processed strictly in order; different sessions run concurrently.
func (e *Engine) Inbound(ctx context.Context, p provider.Provider, msg *provider.InboundMessage) {
	kind := p.Kind()
	in := e.cfg.InboundFor(string(kind))

	if msg.IsGroup() {
		if !groupAllowed(msg, in.AllowFrom) {
			L_info("autoreply: group message discarded", "provider", kind, "group", msg.From, "sender", msg.SenderE164)
			return
		}
	} else if !Allowed(kind, in.AllowFrom, msg.From) {
		L_info("autoreply: sender not in allow-list, discarding", "provider", kind, "from", msg.From)
		return
	}

	key := session.DeriveKey(scopeOf(in), msg.From)
	e.dispatch(key, work{ctx: ctx, p: p, msg: msg})
}

// dispatch enqueues onto the session's worker, creating it on first
// use. A full queue blocks the provider's listen loop, which keeps
// arrival order intact.
func (e *Engine) dispatch(key string, w work) {
	e.workMu.Lock()
	ch, ok := e.workers[key]
	if !ok {
		ch = make(chan work, workQueueDepth)
		e.workers[key] = ch
		go func() {
			for queued := range ch {
				e.process(queued)
			}
		}()
	}
	e.workMu.Unlock()

	ch <- w
}

// process runs the slow half of the pipeline for one inbound message:
// transcription, session resolve and the agent turn. Temp files backing
// inbound attachments are released once the turn is over.
func (e *Engine) process(w work) {
	if w.msg.Cleanup != nil {
		defer w.msg.Cleanup()
	}

	kind := w.p.Kind()
	in := e.cfg.InboundFor(string(kind))

	body := w.msg.Body
	transcript := e.transcribe(w.msg)
	if transcript != "" {
		body = strings.TrimSpace(body + "\n\nTranscript: " + transcript)
	}

	key := session.DeriveKey(scopeOf(in), w.msg.From)
	sess, isNew := e.sessions.Resolve(key, in.Reply.Session.EffectiveIdleMinutes(), in.Reply.HeartbeatMinutes)
	sess.BindPeer(string(kind), w.msg.From)

	L_debug("autoreply: processing inbound",
		"provider", kind, "from", w.msg.From, "session", key, "new", isNew,
		"media", len(w.msg.Media), "bodyLength", len(body))

	e.turn(w.ctx, w.p, sess, in, w.msg, body, transcript, isNew)
}

// turn runs one agent (or static-text) exchange under the session's
// turn lock and delivers the reply.
func (e *Engine) turn(ctx context.Context, p provider.Provider, sess *session.Session, in config.InboundConfig, msg *provider.InboundMessage, body, transcript string, isNew bool) {
	sess.LockTurn()
	defer sess.UnlockTurn()

	tctx := templateContext(msg, sess, isNew, transcript, e.ActiveKinds())
	tctx["Body"] = body

	if in.Reply.Mode != config.ModeCommand {
		text := template.Expand(in.Reply.Text, tctx)
		if text != "" {
			e.deliver(ctx, p, msg.From, text, nil)
		}
		e.bookkeep(sess)
		return
	}

	argv := make([]string, len(in.Reply.Command))
	for i, arg := range in.Reply.Command {
		argv[i] = template.Expand(arg, tctx)
	}

	prompt := e.buildPrompt(p, in, tctx, body, isNew)

	inv, err := agent.Start(argv, prompt)
	if err != nil {
		L_error("autoreply: agent spawn failed", "session", sess.Key, "error", err)
		e.deliver(ctx, p, msg.From, apologyText, nil)
		e.sessions.Destroy(sess.Key, "spawnFailed")
		return
	}
	sess.SetInvocation(inv)
	defer sess.SetInvocation(nil)

	if p.Capabilities().TypingIndicator {
		p.SendTyping(ctx, msg.From)
	}

	crashed := e.stream(ctx, p, sess, in, msg.From, inv)
	if crashed {
		e.deliver(ctx, p, msg.From, apologyText, nil)
		e.sessions.Destroy(sess.Key, "agentCrashed")
		return
	}

	e.bookkeep(sess)
}

// buildPrompt assembles the stdin payload: identity preamble and
// session intro for fresh sessions, then the message body unless the
// command template already carries it.
func (e *Engine) buildPrompt(p provider.Provider, in config.InboundConfig, tctx map[string]string, body string, isNew bool) string {
	var parts []string

	if isNew {
		parts = append(parts, BuildIdentity(p, e.scratch, e.ActiveKinds()))
		if in.Reply.SessionIntro != "" {
			parts = append(parts, template.Expand(in.Reply.SessionIntro, tctx))
		}
	}

	if !argvCarriesBody(in.Reply.Command) {
		parts = append(parts, body)
	}

	return strings.Join(parts, "\n\n")
}

// argvCarriesBody reports whether the command template already embeds
// the message body, in which case stdin only carries the preamble.
func argvCarriesBody(command []string) bool {
	for _, arg := range command {
		if strings.Contains(arg, "{{Body}}") || strings.Contains(arg, "{{BodyStripped}}") {
			return true
		}
	}
	return false
}

// stream consumes the fragment stream, sending chunks and collecting
// attachments. Returns true when the agent crashed.
func (e *Engine) stream(ctx context.Context, p provider.Provider, sess *session.Session, in config.InboundConfig, to string, inv *agent.Invocation) bool {
	var lines []string
	var attachments []provider.MediaAttachment
	crashed := false

	flush := func() {
		text := strings.TrimSpace(strings.Join(lines, "\n"))
		lines = lines[:0]
		if text == "" || text == HeartbeatOK {
			return
		}
		e.deliver(ctx, p, to, text, nil)
	}

	for frag := range inv.Fragments() {
		switch frag.Kind {
		case agent.FragText:
			if frag.Text == "" && in.ChunkReplies && len(lines) > 0 {
				flush()
				continue
			}
			lines = append(lines, frag.Text)

		case agent.FragMedia:
			attachments = append(attachments, attachmentForPath(frag.Text))

		case agent.FragTool:
			bus.PublishEvent(bus.TopicAgentToolEvent, map[string]any{
				"provider": string(p.Kind()),
				"session":  sess.Key,
				"event":    frag.Text,
			})
			if in.VerboseToolEvents {
				e.deliver(ctx, p, to, frag.Text, nil)
			}

		case agent.FragEnd:
			if frag.Err != nil {
				L_error("autoreply: agent crashed", "session", sess.Key, "error", frag.Err)
				crashed = true
			}
		}
	}

	if crashed {
		return true
	}

	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if text == HeartbeatOK && len(attachments) == 0 {
		L_debug("autoreply: heartbeat acknowledged, reply suppressed", "session", sess.Key)
		return false
	}
	if text == HeartbeatOK {
		text = ""
	}
	if text != "" || len(attachments) > 0 {
		e.deliver(ctx, p, to, text, attachments)
	}
	return false
}

// deliver sends one reply, retrying once on failure. A remote
// rejection surfaces as a failed SendResult, not an error.
func (e *Engine) deliver(ctx context.Context, p provider.Provider, to, body string, attachments []provider.MediaAttachment) {
	var opts *provider.SendOptions
	if len(attachments) > 0 {
		opts = &provider.SendOptions{Media: attachments}
	}

	err := retry.Do(
		func() error {
			res, err := p.Send(ctx, to, body, opts)
			if sendOK(res, err) {
				return nil
			}
			return errors.New(sendError(res, err))
		},
		retry.Attempts(2),
		retry.Delay(sendRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(_ uint, err error) {
			L_warn("autoreply: send failed, retrying once", "provider", p.Kind(), "to", to, "error", err)
		}),
	)
	if err != nil {
		L_error("autoreply: send failed after retry, giving up", "provider", p.Kind(), "to", to, "error", err)
	}
}

func sendOK(res *provider.SendResult, err error) bool {
	if err != nil {
		return false
	}
	return res == nil || res.Status != provider.SendFailed
}

func sendError(res *provider.SendResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res != nil && res.Error != "" {
		return res.Error
	}
	return "send rejected"
}

// bookkeep stamps activity, re-arms the heartbeat, and destroys
// one-shot sessions (idleMinutes zero) now that the reply is out.
func (e *Engine) bookkeep(sess *session.Session) {
	e.sessions.Bookkeep(sess)
	if sess.IdleMinutes == 0 {
		e.sessions.Destroy(sess.Key, "oneShot")
	}
}

// Heartbeat runs one heartbeat turn for the peer right now, exactly as
// the session timer would. Used by the heartbeat CLI verb.
func (e *Engine) Heartbeat(kind provider.Kind, to string) error {
	p := e.provider(kind)
	if p == nil {
		return fmt.Errorf("provider %s is not attached", kind)
	}

	in := e.cfg.InboundFor(string(kind))
	if in.Reply.Mode != config.ModeCommand {
		return fmt.Errorf("heartbeat needs reply mode 'command', %s uses %q", kind, in.Reply.Mode)
	}

	key := session.DeriveKey(scopeOf(in), to)
	sess, _ := e.sessions.Resolve(key, in.Reply.Session.EffectiveIdleMinutes(), in.Reply.HeartbeatMinutes)
	sess.BindPeer(string(kind), to)

	e.heartbeatTurn(sess)
	return nil
}

// heartbeatTurn runs on the session heartbeat timer: the agent gets a
// poll prompt and its reply is processed like a normal inbound, with
// HEARTBEAT_OK suppressed.
func (e *Engine) heartbeatTurn(sess *session.Session) {
	kindStr, peer := sess.Peer()
	if peer == "" || sess.Destroyed() {
		return
	}

	p := e.provider(provider.Kind(kindStr))
	if p == nil {
		L_trace("autoreply: heartbeat for inactive provider", "provider", kindStr, "session", sess.Key)
		return
	}

	in := e.cfg.InboundFor(kindStr)
	if in.Reply.Mode != config.ModeCommand {
		return
	}

	msg := &provider.InboundMessage{
		From:     peer,
		Body:     heartbeatPrompt,
		Provider: provider.Kind(kindStr),
	}

	e.turn(context.Background(), p, sess, in, msg, heartbeatPrompt, "", false)
}

// transcribe returns the transcript when the message carries exactly
// one voice or audio attachment and transcription is configured.
// Failures log and return empty; the message still goes through.
func (e *Engine) transcribe(msg *provider.InboundMessage) string {
	if e.stt == nil || len(msg.Media) != 1 {
		return ""
	}

	att := msg.Media[0]
	if att.Kind != provider.MediaVoice && att.Kind != provider.MediaAudio {
		return ""
	}
	if att.Path == "" {
		L_trace("autoreply: attachment has no local path, skipping transcription")
		return ""
	}

	started := time.Now()
	text, err := e.stt.Transcribe(att.Path)
	if err != nil {
		L_warn("autoreply: transcription failed", "path", att.Path, "error", err)
		return ""
	}

	L_elapsed(started, "autoreply: transcribed voice note", "provider", e.stt.Name(), "chars", len(text))
	return strings.TrimSpace(text)
}

// attachmentForPath wraps an agent MEDIA: target in an attachment,
// classifying by MIME type.
func attachmentForPath(target string) provider.MediaAttachment {
	if strings.HasPrefix(target, "https://") {
		mt := mime.TypeByExtension(filepath.Ext(target))
		return provider.MediaAttachment{Kind: kindForMIME(mt), URL: target, MimeType: mt}
	}

	mt := media.DetectMIMEFile(target)
	return provider.MediaAttachment{
		Kind:     kindForMIME(mt),
		Path:     target,
		MimeType: mt,
		FileName: filepath.Base(target),
	}
}

func kindForMIME(mt string) provider.MediaKind {
	switch {
	case strings.HasPrefix(mt, "image/"):
		return provider.MediaImage
	case strings.HasPrefix(mt, "video/"):
		return provider.MediaVideo
	case strings.HasPrefix(mt, "audio/"):
		return provider.MediaAudio
	default:
		return provider.MediaDocument
	}
}

func scopeOf(in config.InboundConfig) string {
	if in.Reply.Session.Scope == "" {
		return config.ScopePerSender
	}
	return in.Reply.Session.Scope
}
