package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hundredbot/internal/eventbus"
	kit "hundredbot/internal/transport"
	logx "hundredbot/pkg/logx"
)

type stubSender struct {
	mu    sync.Mutex
	texts []string
	menu  []kit.BotCommand
}

func (s *stubSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return kit.MessageRef{}, nil
}

func (s *stubSender) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menu = cmds
	return nil
}

func (s *stubSender) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.texts) >= n {
			out := append([]string(nil), s.texts...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d replies", n)
	return nil
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		name string
		args int
		ok   bool
	}{
		{"/add 10", "add", 1, true},
		{"/ADD10@hundred_bot", "add10", 0, true},
		{"  /start Alex 07:00 22:00 3 ", "start", 4, true},
		{"hello", "", 0, false},
		{"/", "", 0, false},
		{"/@bot", "", 0, false},
	}
	for _, tc := range cases {
		name, args, ok := ParseCommand(tc.in)
		if ok != tc.ok || name != tc.name || len(args) != tc.args {
			t.Fatalf("ParseCommand(%q) = %q %v %v", tc.in, name, args, ok)
		}
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"add10":       "add10",
		"Top-Ten":     "top_ten",
		"  history  ": "history",
		"10x":         "cmd_10x",
		"!!":          "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDispatchRoutesCommands(t *testing.T) {
	t.Parallel()
	snd := &stubSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	m := NewCommandManager(logx.Nop(), snd, []int64{99}, Options{Workers: 2, Bus: bus})
	var (
		mu   sync.Mutex
		seen []string
	)
	m.SetRegistry([]Command{
		{Name: "add", Aliases: []string{"a"}, Description: "log reps", Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			seen = append(seen, req.Command+":"+req.Args[0])
			mu.Unlock()
			return req.Reply(ctx, "ok")
		}},
		{Name: "settle", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "settled")
		}},
		{Name: "boom", Hidden: true, Handle: func(ctx context.Context, req *Request) error {
			panic("boom")
		}},
		{Name: "fail", Hidden: true, Handle: func(ctx context.Context, req *Request) error {
			return errors.New("nope")
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan kit.Message, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()

	updates <- kit.Message{ChatID: 1, FromID: 1, Text: "/a 10", IsPrivate: true}
	updates <- kit.Message{ChatID: 1, FromID: 1, Text: "/settle", IsPrivate: true}
	updates <- kit.Message{ChatID: 1, FromID: 1, Text: "/nope", IsPrivate: true}
	updates <- kit.Message{ChatID: 2, FromID: 1, Text: "/nope", IsPrivate: false}
	updates <- kit.Message{ChatID: 1, FromID: 1, Text: "just chatting", IsPrivate: true}
	updates <- kit.Message{ChatID: 1, FromID: 1, Text: "/boom", IsPrivate: true}
	updates <- kit.Message{ChatID: 1, FromID: 99, Text: "/settle", IsPrivate: true}

	texts := snd.wait(t, 4)
	want := map[string]bool{"ok": false, "This command is for the bot owner.": false, "Unknown command. Try /help": false, "settled": false}
	for _, txt := range texts {
		if _, ok := want[txt]; ok {
			want[txt] = true
		}
	}
	for txt, got := range want {
		if !got {
			t.Fatalf("missing reply %q in %v", txt, texts)
		}
	}

	mu.Lock()
	if len(seen) != 1 || seen[0] != "add:10" {
		t.Fatalf("handled = %v", seen)
	}
	mu.Unlock()

	var handled int
	deadline := time.After(3 * time.Second)
	for handled < 3 {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeCommandHandled {
				handled++
			}
		case <-deadline:
			t.Fatalf("command events = %d, want 3", handled)
		}
	}

	snd.mu.Lock()
	menu := snd.menu
	snd.mu.Unlock()
	if len(menu) != 1 || menu[0].Command != "add" {
		t.Fatalf("menu = %+v", menu)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch loop did not stop")
	}
}

func TestCommandsListsEachOnce(t *testing.T) {
	t.Parallel()
	m := NewCommandManager(logx.Nop(), &stubSender{}, nil, Options{})
	h := func(context.Context, *Request) error { return nil }
	m.SetRegistry([]Command{
		{Name: "sub", Handle: h},
		{Name: "add", Aliases: []string{"add10", "add15"}, Handle: h},
		{Name: "", Handle: h},
		{Name: "nohandler"},
	})
	cmds := m.Commands()
	if len(cmds) != 2 || cmds[0].Name != "add" || cmds[1].Name != "sub" {
		t.Fatalf("commands = %+v", cmds)
	}
	if c, ok := m.Lookup("ADD15"); !ok || c.Name != "add" {
		t.Fatalf("lookup alias = %+v %v", c, ok)
	}
}
