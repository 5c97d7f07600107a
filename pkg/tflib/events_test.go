package tflib

import "testing"

func TestBusPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Kind: EventSettingUpdated, SettingUpdated: &SettingUpdatedEvent{Key: "k", Value: "v"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != EventSettingUpdated || ev.ID == "" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestBusSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Kind: EventSettingUpdated})
	b.Publish(Event{Kind: EventSettingUpdated})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered %d events, want 1 (overflow dropped)", got)
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on cancel")
	}
	// Publishing after cancel must not panic.
	b.Publish(Event{Kind: EventSettingUpdated})
	cancel()
}
