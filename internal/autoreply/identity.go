package autoreply

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/session"
)

// HeartbeatOK is the reply body an agent uses to acknowledge a
// heartbeat poll with nothing to report. It is never delivered.
const HeartbeatOK = "HEARTBEAT_OK"

// heartbeatPrompt is what a session's agent receives when the
// heartbeat interval elapses without traffic.
const heartbeatPrompt = "Heartbeat poll. If nothing needs attention, reply with exactly HEARTBEAT_OK. Otherwise reply normally and your message will be delivered."

// BuildIdentity constructs the preamble a fresh session's agent gets
// before the first message: which messenger it is replying on, the
// media limit and conventions, and the heartbeat contract.
func BuildIdentity(p provider.Provider, scratchDir string, active []provider.Kind) string {
	caps := p.Capabilities()
	kind := p.Kind()

	return fmt.Sprintf(`You are replying to messages on %s. Your replies are delivered back to the sender as %s messages, so keep them conversational.

Active providers: %s.

To attach a file, write a line of exactly:
MEDIA:/absolute/path/to/file
on its own line. HTTPS URLs are also accepted. Attachments must stay under %s on this messenger. Generated files belong in %s.

Periodic heartbeat polls may arrive. When nothing needs attention, reply with exactly %s and nothing will be delivered.`,
		kind.Messenger(), kind.Messenger(),
		DetailedProviderList(active),
		provider.FormatMediaSize(caps.MaxMediaSize),
		scratchDir,
		HeartbeatOK)
}

// DetailedProviderList renders kinds as a comma-separated list of
// detailed names ("WhatsApp Web, Telegram"). Used for {{PROVIDERS}}.
func DetailedProviderList(kinds []provider.Kind) string {
	if len(kinds) == 0 {
		return "none"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.DetailedName()
	}
	return strings.Join(names, ", ")
}

// templateContext assembles the placeholder map for one turn.
func templateContext(msg *provider.InboundMessage, sess *session.Session, isNew bool, transcript string, active []provider.Kind) map[string]string {
	ctx := map[string]string{
		"SessionId":    sess.ID,
		"IsNewSession": strconv.FormatBool(isNew),
		"PROVIDERS":    DetailedProviderList(active),
		"Transcript":   transcript,
	}

	if msg == nil {
		return ctx
	}

	ctx["Body"] = msg.Body
	ctx["BodyStripped"] = stripMention(msg.Body)
	ctx["From"] = msg.From
	ctx["To"] = msg.To
	ctx["MessageSid"] = msg.ID
	ctx["SenderName"] = msg.DisplayName
	ctx["SenderE164"] = msg.SenderE164
	ctx["ChatType"] = string(msg.ChatType)
	ctx["GroupSubject"] = msg.GroupSubject
	ctx["GroupMembers"] = strings.Join(msg.GroupMembers, ", ")

	if len(msg.Media) > 0 {
		first := msg.Media[0]
		ctx["MediaPath"] = first.Path
		ctx["MediaUrl"] = first.URL
		ctx["MediaType"] = first.MimeType
	}

	return ctx
}

// stripMention removes a leading @mention token, the form group
// messages use to address the operator.
func stripMention(body string) string {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "@") {
		return body
	}
	if i := strings.IndexAny(trimmed, " \t"); i > 0 {
		return strings.TrimSpace(trimmed[i+1:])
	}
	return ""
}
