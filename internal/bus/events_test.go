package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	got := make(chan Event, 1)
	id := SubscribeEvent("test.publish", func(e Event) { got <- e })
	defer UnsubscribeEvent(id)

	PublishEventWithSource("test.publish", "payload", "wa-web")

	select {
	case e := <-got:
		if e.Data != "payload" || e.Source != "wa-web" {
			t.Errorf("event = %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	id := SubscribeEvent("test.unsub", func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if !UnsubscribeEvent(id) {
		t.Fatal("UnsubscribeEvent returned false for live subscription")
	}
	if UnsubscribeEvent(id) {
		t.Error("second unsubscribe should return false")
	}

	PublishEvent("test.unsub", nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe", calls)
	}
}

func TestHandlerPanicDoesNotKillPublisher(t *testing.T) {
	id := SubscribeEvent("test.panic", func(Event) { panic("boom") })
	defer UnsubscribeEvent(id)

	ok := make(chan struct{}, 1)
	id2 := SubscribeEvent("test.panic", func(Event) { ok <- struct{}{} })
	defer UnsubscribeEvent(id2)

	PublishEvent("test.panic", nil)

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler not invoked after sibling panic")
	}
}

func TestCountEventSubscribers(t *testing.T) {
	if n := CountEventSubscribers("test.count"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	id := SubscribeEvent("test.count", func(Event) {})
	if n := CountEventSubscribers("test.count"); n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}
	UnsubscribeEvent(id)
	if n := CountEventSubscribers("test.count"); n != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", n)
	}
}
