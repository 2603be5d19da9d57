package eventbus

import (
	"testing"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeDaySettled, Data: SettledData{UserID: 7}})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeDaySettled || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeNotifySent})
	b.Publish(Event{Type: TypeNotifySent})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: TypeTaskStarted})
}
