package transport

import (
	"context"
	"errors"
)

// ErrForbidden is returned by senders when the recipient revoked permission
// (blocked the bot, left the chat, disabled notifications).
var ErrForbidden = errors.New("transport: forbidden")

// ChatTarget is where a user-visible notification lands.
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
	Silent         bool
}

// Sender delivers rendered notification text to a user device.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Lifecycle is implemented by senders that own background resources.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
