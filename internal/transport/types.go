// Package transport defines the chat-platform neutral types shared by the
// bot handlers, the notifier and the Telegram adapter.
package transport

import (
	"context"
	"errors"
)

// ErrUndeliverable marks a send that can never succeed for this chat, for
// example because the user blocked the bot. Retrying is pointless.
var ErrUndeliverable = errors.New("chat is unreachable")

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsPrivate    bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// HTML is the default for everything rendered by package messages.
func HTML() *SendOptions { return &SendOptions{ParseMode: "HTML", DisablePreview: true} }

// Sender delivers text to one chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a running connection to the chat platform.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish the command
// list to the platform's menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
