// Package notify delivers messages to voters.
package notify

import (
	"context"

	"go.uber.org/zap"

	"blocktree/logging"
)

//go:generate mockgen -package mocks -destination mocks/notifier.go . Notifier

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type Message struct {
	To      string
	Subject string
	Body    string
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, msg Message) error {
	logging.FromContext(ctx).Info("notification",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}
