package provider

import "time"

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"
	MediaDocument MediaKind = "document"
)

// MediaAttachment carries exactly one of Data, Path or URL.
type MediaAttachment struct {
	Kind      MediaKind `json:"kind"`
	Data      []byte    `json:"-"`
	Path      string    `json:"path,omitempty"`
	URL       string    `json:"url,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Thumbnail []byte    `json:"-"`
}

// ChatType distinguishes direct chats from group chats.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// InboundMessage is the normalised cross-provider message record.
type InboundMessage struct {
	ID          string            `json:"id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Body        string            `json:"body"`
	Timestamp   int64             `json:"timestamp"` // unix milliseconds
	DisplayName string            `json:"displayName,omitempty"`
	Media       []MediaAttachment `json:"media,omitempty"`
	Provider    Kind              `json:"provider"`

	// Group context. From is the group JID for group inbound; the
	// actual human sender is SenderE164 / DisplayName.
	ChatType     ChatType `json:"chatType,omitempty"`
	GroupSubject string   `json:"groupSubject,omitempty"`
	GroupMembers []string `json:"groupMembers,omitempty"`
	SenderE164   string   `json:"senderE164,omitempty"`
	MentionsSelf bool     `json:"mentionsSelf,omitempty"`

	// Raw holds the backend's original payload for debug logging only.
	Raw any `json:"-"`

	// Cleanup releases temp files backing Media entries. The engine
	// invokes it once the message is fully processed; nil is fine.
	Cleanup func() `json:"-"`
}

// HasMedia reports whether the message carries at least one attachment.
func (m *InboundMessage) HasMedia() bool {
	return len(m.Media) > 0
}

// IsGroup reports whether the message came from a group chat.
func (m *InboundMessage) IsGroup() bool {
	return m.ChatType == ChatGroup
}

// SendOptions tunes a single Send call. Only the first media item is
// guaranteed to be honoured by every provider.
type SendOptions struct {
	Media   []MediaAttachment
	ReplyTo string
	Typing  bool
}

// SendStatus is the normalised outcome of a Send.
type SendStatus string

const (
	SendSent   SendStatus = "sent"
	SendQueued SendStatus = "queued"
	SendFailed SendStatus = "failed"
)

// SendResult reports what the backend did with an outbound message.
// Metadata keys are uniform across single- and multi-provider runs:
// "jid" for wa-web, "sid" for wa-twilio, "userId" for telegram.
type SendResult struct {
	MessageID string            `json:"messageId"`
	Status    SendStatus        `json:"status"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DeliveryState is the normalised delivery progress of a sent message.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryUnknown   DeliveryState = "unknown"
)

// DeliveryStatus is returned by GetDeliveryStatus. Providers without
// receipt support return DeliveryUnknown stamped with the current time.
type DeliveryStatus struct {
	MessageID string        `json:"messageId"`
	State     DeliveryState `json:"state"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// LoginOptions supplies the interactive inputs a Login flow may need.
// The CLI wires these to terminal prompts; tests wire them to canned
// values.
type LoginOptions struct {
	// Phone is the account phone number in E.164 form (telegram).
	Phone string
	// CodeFunc returns the one-time code delivered in-app (telegram).
	CodeFunc func() (string, error)
	// PasswordFunc returns the two-factor password, empty if unset
	// (telegram).
	PasswordFunc func() (string, error)
}
