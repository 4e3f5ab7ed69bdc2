package twilio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/clawdis/warelay/internal/identify"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/media"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/provider/whatsapp"
)

// maxTwilioBody is Twilio's hard limit on a message body; longer
// replies are chunked into consecutive messages.
const maxTwilioBody = 1600

// Send posts one or more messages through the REST API. The sender is
// the configured number unless a messaging service SID is set; the two
// are mutually exclusive. Media rides along by URL only, on the first
// chunk. API rejections come back as a failed SendResult.
func (p *Provider) Send(ctx context.Context, to, body string, opts *provider.SendOptions) (*provider.SendResult, error) {
	p.mu.RLock()
	client := p.client
	env := p.env
	p.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("wa-twilio: not initialized")
	}

	phone, err := identify.CanonicalPhone(to)
	if err != nil {
		return nil, fmt.Errorf("wa-twilio: cannot resolve recipient %q: %w", to, err)
	}

	var mediaURL string
	if opts != nil && len(opts.Media) > 0 {
		mediaURL, err = p.outboundMediaURL(ctx, opts.Media[0])
		if err != nil {
			return nil, err
		}
	}

	formatted := whatsapp.FormatMessage(body)
	chunks := whatsapp.SplitMessage(formatted, maxTwilioBody)

	var lastSID string
	for i, chunk := range chunks {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(identify.WhatsAppPrefix + phone)
		if env.SenderSID != "" {
			params.SetMessagingServiceSid(env.SenderSID)
		} else {
			params.SetFrom(env.From)
		}
		params.SetBody(chunk)
		if i == 0 && mediaURL != "" {
			params.SetMediaUrl([]string{mediaURL})
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := client.Api.CreateMessage(params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &provider.SendResult{
				Status: provider.SendFailed,
				Error:  restError(err),
			}, nil
		}
		lastSID = strVal(resp.Sid)
	}

	return &provider.SendResult{
		MessageID: lastSID,
		Status:    provider.SendQueued,
		Metadata:  map[string]string{"sid": lastSID},
	}, nil
}

// outboundMediaURL validates a media attachment for the REST API:
// URL-only, size-capped via a HEAD probe before Twilio ever sees the
// link. Hosts that reject HEAD pass; Twilio enforces its own cap too.
func (p *Provider) outboundMediaURL(ctx context.Context, att provider.MediaAttachment) (string, error) {
	if att.URL == "" {
		return "", fmt.Errorf("wa-twilio: media must be a public URL, local files cannot be attached")
	}
	maxSize := p.Capabilities().MaxMediaSize
	if size, ok := media.ProbeSize(ctx, p.temp.HTTPClient, att.URL); ok && size > maxSize {
		return "", fmt.Errorf("wa-twilio: %w: remote reports %d bytes, limit %d", media.ErrMediaTooLarge, size, maxSize)
	}
	return att.URL, nil
}

// SendTyping is a no-op: the Messaging API has no typing indicator.
func (p *Provider) SendTyping(ctx context.Context, to string) {}

// GetDeliveryStatus fetches the message and maps Twilio's status string
// into the normalised delivery set.
func (p *Provider) GetDeliveryStatus(ctx context.Context, messageID string) (*provider.DeliveryStatus, error) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("wa-twilio: not initialized")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	msg, err := client.Api.FetchMessage(messageID, nil)
	if err != nil {
		return nil, fmt.Errorf("wa-twilio: failed to fetch message %s: %w", messageID, err)
	}

	status := &provider.DeliveryStatus{
		MessageID: messageID,
		State:     mapDeliveryState(strVal(msg.Status)),
		Error:     shapeDeliveryError(msg.ErrorCode, msg.ErrorMessage),
		Timestamp: parseTwilioTime(msg.DateUpdated, msg.DateSent, msg.DateCreated),
	}
	L_trace("wa-twilio: delivery status", "sid", messageID, "state", status.State, "raw", strVal(msg.Status))
	return status, nil
}

// mapDeliveryState folds Twilio's message statuses into the normalised
// delivery set.
func mapDeliveryState(status string) provider.DeliveryState {
	switch strings.ToLower(status) {
	case "sent", "sending", "queued":
		return provider.DeliverySent
	case "delivered":
		return provider.DeliveryDelivered
	case "read":
		return provider.DeliveryRead
	case "failed", "undelivered", "canceled":
		return provider.DeliveryFailed
	}
	return provider.DeliveryUnknown
}

// shapeDeliveryError renders the backend error pair as "<code>: <message>".
func shapeDeliveryError(code *int, message *string) string {
	switch {
	case code != nil && message != nil && *message != "":
		return fmt.Sprintf("%d: %s", *code, *message)
	case code != nil:
		return strconv.Itoa(*code)
	case message != nil:
		return *message
	}
	return ""
}

// restError renders an API error, preferring the structured Twilio
// error's "<code>: <message>" form.
func restError(err error) string {
	var rest *tclient.TwilioRestError
	if errors.As(err, &rest) {
		return fmt.Sprintf("%d: %s", rest.Code, rest.Message)
	}
	return err.Error()
}

// parseTwilioTime parses the first usable RFC 2822 timestamp, falling
// back to now.
func parseTwilioTime(values ...*string) time.Time {
	for _, v := range values {
		if v == nil || *v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC1123Z, *v); err == nil {
			return t
		}
	}
	return time.Now()
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
