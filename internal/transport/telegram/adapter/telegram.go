// Package adapter connects the bot to Telegram through telebot's long poller.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"hundredbot/internal/messages"
	rtsup "hundredbot/internal/runtime/supervisor"
	kit "hundredbot/internal/transport"
	logx "hundredbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline builds the bot without calling getMe; used by tests.
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Message
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter. Created on Start.
	sup *rtsup.Supervisor

	// Updates dropped because the consumer fell behind; logged periodically.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Supervisor returns the adapter's supervisor, nil when not started.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.forward(toMessage(m))
	return nil
}

func toMessage(m *tele.Message) kit.Message {
	name := strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
	return kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromName:     name,
		Text:         m.Text,
		IsPrivate:    m.Private(),
	}
}

func (a *Adapter) forward(msg kit.Message) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// Adapter trouble should not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go("updates.drop_report", func(c context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return nil
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})

	// bot.Start blocks until bot.Stop. Returning while the context is still
	// live means the poller died; the restart loop brings it back.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poller exited")
		}
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown for long on a pending getUpdates call.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	// Cancelling stops telebot through telebot.stop_on_cancel.
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

// SendText sends text, split into several messages when it is too long.
// Chats that can never receive messages map to transport.ErrUndeliverable.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range messages.Split(text, messages.MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.send(ctx, chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// send runs the blocking telebot call so ctx can abandon it.
func (a *Adapter) send(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := a.bot.Send(chat, text, opt)
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var undeliverable = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrNotStartedByUser,
}

// classify marks permanent per-chat failures.
func classify(err error) error {
	for _, target := range undeliverable {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %v", kit.ErrUndeliverable, err)
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"blocked by the user", "user is deactivated", "chat not found", "can't initiate conversation"} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", kit.ErrUndeliverable, err)
		}
	}
	return err
}

// UpdateMenuCommands publishes the command menu. It only calls Telegram when
// the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

// Send adapts SendText to logx.Sender for the ops-chat log sink.
func (a *Adapter) Send(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, kit.HTML())
	return err
}
