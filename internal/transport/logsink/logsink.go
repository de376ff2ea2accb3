// Package logsink is a Sender that writes notifications to the log instead of
// a device. It backs the "log" platform channel used in development.
package logsink

import (
	"context"
	"sync/atomic"

	kit "opsnotify/internal/transport"
	logx "opsnotify/pkg/logx"
)

type Sender struct {
	log logx.Logger
	seq atomic.Int64
}

func New(log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log}
}

func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return kit.MessageRef{}, err
		}
	}
	id := int(s.seq.Add(1))
	s.log.Info("notification", logx.Int64("chat_id", to.ChatID), logx.Int("message_id", id), logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
