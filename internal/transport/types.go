package transport

import "context"

// Update is one inbound message, decoupled from the Telegram types so
// the router and tests don't depend on telebot.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget addresses an outbound message.
type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	DisablePreview bool
}

// Adapter is the transport boundary: a long-poll loop feeding updates
// into a channel, plus plain text sends.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
