package adapter

import (
	"errors"
	"fmt"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "hundredbot/internal/transport"
	logx "hundredbot/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"blocked", fmt.Errorf("telebot: %w", tele.ErrBlockedByUser), true},
		{"deactivated", tele.ErrUserIsDeactivated, true},
		{"chat not found text", errors.New("telegram: Bad Request: chat not found (400)"), true},
		{"timeout", errors.New("context deadline exceeded"), false},
		{"flood", errors.New("telegram: retry after 3 (429)"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := errors.Is(classify(tc.err), kit.ErrUndeliverable)
			if got != tc.want {
				t.Fatalf("classify(%v) undeliverable = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	m := &tele.Message{
		ID:     42,
		Text:   "/add 10",
		Chat:   &tele.Chat{ID: 7, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 7, FirstName: "Alex", LastName: "Doe", Username: "alexd"},
	}
	got := toMessage(m)
	if got.ID != 42 || got.ChatID != 7 || got.FromID != 7 || got.FromName != "Alex Doe" || got.FromUsername != "alexd" || !got.IsPrivate {
		t.Fatalf("message = %+v", got)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestForwardDropsWhenFull(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out := make(chan kit.Message, 1)
	a.out.Store((chan<- kit.Message)(out))
	a.forward(kit.Message{ID: 1})
	a.forward(kit.Message{ID: 2})
	if got := a.droppedUpdates.Load(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if m := <-out; m.ID != 1 {
		t.Fatalf("forwarded %d", m.ID)
	}
}
