package twilio

import (
	"errors"
	"testing"
	"time"

	tclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/clawdis/warelay/internal/provider"
)

func TestMapDeliveryState(t *testing.T) {
	tests := []struct {
		status string
		want   provider.DeliveryState
	}{
		{"sent", provider.DeliverySent},
		{"sending", provider.DeliverySent},
		{"queued", provider.DeliverySent},
		{"delivered", provider.DeliveryDelivered},
		{"read", provider.DeliveryRead},
		{"failed", provider.DeliveryFailed},
		{"undelivered", provider.DeliveryFailed},
		{"canceled", provider.DeliveryFailed},
		{"SENT", provider.DeliverySent},
		{"accepted", provider.DeliveryUnknown},
		{"", provider.DeliveryUnknown},
	}
	for _, tt := range tests {
		if got := mapDeliveryState(tt.status); got != tt.want {
			t.Errorf("mapDeliveryState(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestShapeDeliveryError(t *testing.T) {
	code := 30008
	msg := "Unknown error"
	empty := ""

	tests := []struct {
		name    string
		code    *int
		message *string
		want    string
	}{
		{"code and message", &code, &msg, "30008: Unknown error"},
		{"code only", &code, nil, "30008"},
		{"code with empty message", &code, &empty, "30008"},
		{"message only", nil, &msg, "Unknown error"},
		{"neither", nil, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shapeDeliveryError(tt.code, tt.message); got != tt.want {
				t.Errorf("shapeDeliveryError = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRestError(t *testing.T) {
	rest := &tclient.TwilioRestError{Code: 21211, Message: "Invalid 'To' Phone Number", Status: 400}
	if got := restError(rest); got != "21211: Invalid 'To' Phone Number" {
		t.Errorf("restError(rest) = %q", got)
	}
	plain := errors.New("connection refused")
	if got := restError(plain); got != "connection refused" {
		t.Errorf("restError(plain) = %q", got)
	}
}

func TestParseTwilioTime(t *testing.T) {
	stamp := "Thu, 30 Jul 2015 20:12:31 +0000"
	got := parseTwilioTime(&stamp)
	want := time.Date(2015, 7, 30, 20, 12, 31, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseTwilioTime(%q) = %v, want %v", stamp, got, want)
	}

	garbage := "not a date"
	before := time.Now()
	got = parseTwilioTime(nil, &garbage)
	if got.Before(before) {
		t.Errorf("fallback timestamp %v predates the call", got)
	}

	// First usable value wins.
	got = parseTwilioTime(&garbage, &stamp)
	if !got.Equal(want) {
		t.Errorf("parseTwilioTime skipped to %v, want %v", got, want)
	}
}

func sids(msgs []twilioApi.ApiV2010Message) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = strVal(msgs[i].Sid)
	}
	return out
}

func messageList(ids ...string) []twilioApi.ApiV2010Message {
	msgs := make([]twilioApi.ApiV2010Message, len(ids))
	for i := range ids {
		msgs[i].Sid = &ids[i]
	}
	return msgs
}

func TestNewSince(t *testing.T) {
	list := messageList("SM3", "SM2", "SM1") // newest first

	tests := []struct {
		name      string
		watermark string
		want      []string
	}{
		{"no watermark keeps everything", "", []string{"SM3", "SM2", "SM1"}},
		{"watermark mid-list cuts at it", "SM2", []string{"SM3"}},
		{"watermark at head skips everything", "SM3", nil},
		{"watermark aged out keeps everything", "SM0", []string{"SM3", "SM2", "SM1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sids(newSince(list, tt.watermark))
			if len(got) != len(tt.want) {
				t.Fatalf("newSince = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("newSince = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMediaKindFor(t *testing.T) {
	tests := []struct {
		mime string
		want provider.MediaKind
	}{
		{"image/jpeg", provider.MediaImage},
		{"video/mp4", provider.MediaVideo},
		{"audio/ogg", provider.MediaVoice},
		{"audio/ogg; codecs=opus", provider.MediaVoice},
		{"audio/mpeg", provider.MediaAudio},
		{"application/pdf", provider.MediaDocument},
		{"", provider.MediaDocument},
	}
	for _, tt := range tests {
		if got := mediaKindFor(tt.mime); got != tt.want {
			t.Errorf("mediaKindFor(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestMediaContentURL(t *testing.T) {
	uri := "/2010-04-01/Accounts/AC123/Messages/MM456/Media/ME789.json"
	want := "https://api.twilio.com/2010-04-01/Accounts/AC123/Messages/MM456/Media/ME789"
	if got := mediaContentURL(uri); got != want {
		t.Errorf("mediaContentURL = %q, want %q", got, want)
	}
	if got := mediaContentURL(""); got != "" {
		t.Errorf("mediaContentURL(empty) = %q, want empty", got)
	}
}
