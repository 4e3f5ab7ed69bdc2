package twilio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/twilio/twilio-go"
	tclient "github.com/twilio/twilio-go/client"

	"github.com/clawdis/warelay/internal/config"
	"github.com/clawdis/warelay/internal/paths"
	"github.com/clawdis/warelay/internal/provider"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "warelay-twilio-test-*")
	if err != nil {
		panic(err)
	}
	os.Setenv(paths.EnvConfigDir, dir)
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

type stubTransport struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (t *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.fn(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// page wraps message JSON objects in a single-page list envelope.
func page(messages ...string) string {
	return fmt.Sprintf(`{"first_page_uri": "", "next_page_uri": "", "previous_page_uri": "", "uri": "", "page": 0, "page_size": 50, "start": 0, "end": 0, "messages": [%s]}`,
		strings.Join(messages, ","))
}

func inboundJSON(sid, from, body string) string {
	return fmt.Sprintf(`{"sid": %q, "from": %q, "to": "whatsapp:+15550001111", "body": %q, "direction": "inbound", "status": "received", "num_media": "0", "date_sent": "Mon, 24 Aug 2026 10:00:00 +0000"}`,
		sid, from, body)
}

// newTestProvider initialises a provider from stubbed environment
// variables and reroutes its REST client through rt.
func newTestProvider(t *testing.T, rt http.RoundTripper) *Provider {
	t.Helper()

	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("TWILIO_API_KEY", "")
	t.Setenv("TWILIO_API_SECRET", "")
	t.Setenv("TWILIO_WHATSAPP_FROM", "whatsapp:+15550001111")
	t.Setenv("TWILIO_SENDER_SID", "")

	p := New(nil)
	if err := p.Initialize(context.Background(), config.Default()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { p.Disconnect() })

	c := &tclient.Client{
		Credentials: tclient.NewCredentials("AC123", "token"),
		HTTPClient:  &http.Client{Transport: rt},
	}
	c.SetAccountSid("AC123")
	p.client = twilio.NewRestClientWithParams(twilio.ClientParams{Client: c})
	p.temp.HTTPClient = &http.Client{Transport: rt}
	return p
}

func TestSendQueuesMessage(t *testing.T) {
	var posted url.Values
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost || !strings.HasSuffix(req.URL.Path, "/Messages.json") {
			t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
		}
		body, _ := io.ReadAll(req.Body)
		posted, _ = url.ParseQuery(string(body))
		return jsonResponse(201, `{"sid": "SM900", "status": "queued"}`), nil
	}}
	p := newTestProvider(t, rt)

	res, err := p.Send(context.Background(), "+27825550001", "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if posted.Get("To") != "whatsapp:+27825550001" {
		t.Errorf("To = %q", posted.Get("To"))
	}
	if posted.Get("From") != "whatsapp:+15550001111" {
		t.Errorf("From = %q", posted.Get("From"))
	}
	if posted.Get("Body") != "hello" {
		t.Errorf("Body = %q", posted.Get("Body"))
	}
	if res.MessageID != "SM900" || res.Status != provider.SendQueued {
		t.Errorf("result = %+v", res)
	}
	if res.Metadata["sid"] != "SM900" {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestSendUsesMessagingService(t *testing.T) {
	var posted url.Values
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		posted, _ = url.ParseQuery(string(body))
		return jsonResponse(201, `{"sid": "SM901", "status": "queued"}`), nil
	}}
	p := newTestProvider(t, rt)
	p.env.SenderSID = "MG777"

	if _, err := p.Send(context.Background(), "+27825550001", "hi", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if posted.Get("MessagingServiceSid") != "MG777" {
		t.Errorf("MessagingServiceSid = %q", posted.Get("MessagingServiceSid"))
	}
	if posted.Get("From") != "" {
		t.Errorf("From should be absent with a messaging service, got %q", posted.Get("From"))
	}
}

func TestSendChunksLongBody(t *testing.T) {
	var mu sync.Mutex
	var calls int
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		return jsonResponse(201, fmt.Sprintf(`{"sid": "SM%d", "status": "queued"}`, n)), nil
	}}
	p := newTestProvider(t, rt)

	res, err := p.Send(context.Background(), "+27825550001", strings.Repeat("a", maxTwilioBody+100), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if res.MessageID != "SM2" {
		t.Errorf("MessageID = %q, want the last chunk's SID", res.MessageID)
	}
}

func TestSendRejectionBecomesFailedResult(t *testing.T) {
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(400, `{"code": 21211, "message": "Invalid 'To' Phone Number", "more_info": "https://www.twilio.com/docs/errors/21211", "status": 400}`), nil
	}}
	p := newTestProvider(t, rt)

	res, err := p.Send(context.Background(), "+27825550001", "hi", nil)
	if err != nil {
		t.Fatalf("rejection must not be a Go error, got %v", err)
	}
	if res.Status != provider.SendFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
	if res.Error != "21211: Invalid 'To' Phone Number" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestSendLocalFaults(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		p := New(nil)
		if _, err := p.Send(context.Background(), "+27825550001", "hi", nil); err == nil {
			t.Error("expected error from uninitialised provider")
		}
	})

	t.Run("bad recipient", func(t *testing.T) {
		p := newTestProvider(t, &stubTransport{fn: func(*http.Request) (*http.Response, error) {
			t.Error("no request expected")
			return nil, nil
		}})
		if _, err := p.Send(context.Background(), "not-a-number!", "hi", nil); err == nil {
			t.Error("expected error for unresolvable recipient")
		}
	})

	t.Run("local file media", func(t *testing.T) {
		p := newTestProvider(t, &stubTransport{fn: func(*http.Request) (*http.Response, error) {
			t.Error("no request expected")
			return nil, nil
		}})
		opts := &provider.SendOptions{Media: []provider.MediaAttachment{{Kind: provider.MediaImage, Path: "/tmp/x.png"}}}
		_, err := p.Send(context.Background(), "+27825550001", "hi", opts)
		if err == nil || !strings.Contains(err.Error(), "URL") {
			t.Errorf("expected URL-only error, got %v", err)
		}
	})
}

func TestPollDedupeAndOrdering(t *testing.T) {
	var mu sync.Mutex
	current := page(
		inboundJSON("SM3", "whatsapp:+27825550001", "three"),
		inboundJSON("SM2", "whatsapp:+27825550001", "two"),
		inboundJSON("SM1", "whatsapp:+27825550001", "one"),
	)
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodGet {
			t.Errorf("unexpected method %s", req.Method)
		}
		mu.Lock()
		defer mu.Unlock()
		return jsonResponse(200, current), nil
	}}
	p := newTestProvider(t, rt)

	var got []string
	p.OnMessage(func(ctx context.Context, m *provider.InboundMessage) {
		got = append(got, m.ID+":"+m.Body)
		if m.From != "+27825550001" {
			t.Errorf("from = %q", m.From)
		}
		if m.Provider != provider.KindWhatsAppTwilio || m.ChatType != provider.ChatDirect {
			t.Errorf("message misattributed: %+v", m)
		}
	})

	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	want := []string{"SM1:one", "SM2:two", "SM3:three"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("first poll delivered %v, want oldest-first %v", got, want)
	}

	// Same listing again: the watermark suppresses everything.
	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("second poll re-delivered, got %v", got)
	}

	// A new message lands on top: only it comes through.
	mu.Lock()
	current = page(
		inboundJSON("SM4", "whatsapp:+27825550001", "four"),
		inboundJSON("SM3", "whatsapp:+27825550001", "three"),
		inboundJSON("SM2", "whatsapp:+27825550001", "two"),
	)
	mu.Unlock()
	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if len(got) != 4 || got[3] != "SM4:four" {
		t.Fatalf("third poll delivered %v, want exactly SM4 appended", got)
	}
}

func TestPollSkipsOutbound(t *testing.T) {
	listing := page(
		inboundJSON("SM2", "whatsapp:+27825550001", "real"),
		`{"sid": "SM1", "from": "whatsapp:+15550001111", "to": "whatsapp:+27825550001", "body": "our reply", "direction": "outbound-api", "status": "sent", "num_media": "0", "date_sent": "Mon, 24 Aug 2026 09:00:00 +0000"}`,
	)
	rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, listing), nil
	}}
	p := newTestProvider(t, rt)

	var got []string
	p.OnMessage(func(ctx context.Context, m *provider.InboundMessage) {
		got = append(got, m.ID)
	})

	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if len(got) != 1 || got[0] != "SM2" {
		t.Errorf("delivered %v, want only the inbound message", got)
	}
}

func TestLoginVerifiesCredentials(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(200, page()), nil
		}}
		p := newTestProvider(t, rt)
		if err := p.Login(context.Background(), nil); err != nil {
			t.Errorf("Login: %v", err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		rt := &stubTransport{fn: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(401, `{"code": 20003, "message": "Authentication Error - invalid username", "more_info": "https://www.twilio.com/docs/errors/20003", "status": 401}`), nil
		}}
		p := newTestProvider(t, rt)
		err := p.Login(context.Background(), nil)
		if err == nil || !strings.Contains(err.Error(), "20003") {
			t.Errorf("expected credential error, got %v", err)
		}
	})
}

func TestStopListeningIdempotent(t *testing.T) {
	p := New(nil)
	if err := p.StopListening(); err != nil {
		t.Errorf("StopListening on idle provider: %v", err)
	}
	if err := p.StopListening(); err != nil {
		t.Errorf("second StopListening: %v", err)
	}
	if err := p.Disconnect(); err != nil {
		t.Errorf("Disconnect without Initialize: %v", err)
	}
}
