package tasks

import (
	"context"
	"log/slog"
	"time"
)

// SendEmailTask simulates delivering an email described by its kwargs.
type SendEmailTask struct {
	Delay time.Duration
}

func NewSendEmailTask(delay time.Duration) SendEmailTask {
	return SendEmailTask{
		Delay: delay,
	}
}

func (e SendEmailTask) Run(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	slog.Info("send_email parameters:", "kwargs", kwargs)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.Delay):
	}
	return true, nil
}
