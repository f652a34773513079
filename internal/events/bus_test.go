package events

import "testing"

func TestBusDeliversToTopicSubscribers(t *testing.T) {
	b := NewBus()
	executed, unsub := b.Subscribe(EventTradeExecuted, 1)
	defer unsub()
	failed, unsubFailed := b.Subscribe(EventTradeError, 1)
	defer unsubFailed()

	b.Publish(EventTradeExecuted, TradeResult{JobID: "job-1"})

	select {
	case payload := <-executed:
		if payload.(TradeResult).JobID != "job-1" {
			t.Errorf("payload = %+v", payload)
		}
	default:
		t.Fatal("subscriber received nothing")
	}
	select {
	case payload := <-failed:
		t.Fatalf("wrong topic received %+v", payload)
	default:
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventJobRetry, 1)
	defer unsub()

	b.Publish(EventJobRetry, RetryScheduled{JobID: "job-1"})
	b.Publish(EventJobRetry, RetryScheduled{JobID: "job-2"})

	if got := (<-ch).(RetryScheduled).JobID; got != "job-1" {
		t.Errorf("first frame = %s, want job-1", got)
	}
	select {
	case payload := <-ch:
		t.Fatalf("overflow frame was delivered: %+v", payload)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventTradeExecuted, 1)

	unsub()
	unsub() // second call is a no-op

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	b.Publish(EventTradeExecuted, TradeResult{JobID: "job-1"}) // must not panic
}
