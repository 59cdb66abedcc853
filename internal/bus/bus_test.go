package bus_test

import (
	"testing"
	"time"

	"github.com/taskloom/taskloom/internal/bus"
)

func TestPublishSubscribeMatchesPrefix(t *testing.T) {
	b := bus.New(nil)
	sub := b.Subscribe("approval.")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskEnqueued, "ignored")
	b.Publish(bus.TopicApprovalCreated, "abc123")

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicApprovalCreated {
			t.Fatalf("got topic %q, want %q", ev.Topic, bus.TopicApprovalCreated)
		}
		if ev.Payload != "abc123" {
			t.Fatalf("got payload %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPrefixMatchesEverything(t *testing.T) {
	b := bus.New(nil)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicCronFired, nil)
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicCronFired {
			t.Fatalf("got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New(nil)
	sub := b.Subscribe("task.")
	b.Unsubscribe(sub)

	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver anything.
	b.Publish(bus.TopicTaskEnqueued, nil)
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := bus.New(nil)
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	// Flood well past the internal buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(bus.TopicTaskStateChanged, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked under a full subscriber buffer")
	}

	if b.DroppedEventCount() == 0 {
		t.Fatal("expected some events to be dropped once the buffer filled")
	}
}
