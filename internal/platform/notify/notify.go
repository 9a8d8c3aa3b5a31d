// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package notify defines the delivery collaborator for out-of-band codes and links.
//
// Transports (SMTP, SMS gateways) live outside this service; [LogSender] is the
// development transport and records only non-secret envelope fields.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Kinds of messages the auth service sends.
const (
	KindCode = "code"
	KindLink = "link"
)

// ErrUndeliverable is returned by senders that reject a recipient outright.
var ErrUndeliverable = errors.New("notify: recipient undeliverable")

// Message is one notification.
type Message struct {
	Recipient string
	Purpose   string
	Kind      string

	// Secret is the plaintext code or link. Senders must never log it.
	Secret string
}

// Sender delivers a message. A returned error means the recipient never got it.
type Sender interface {
	Send(context context.Context, message Message) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(context context.Context, message Message) error

// Send implements [Sender].
func (fn SenderFunc) Send(context context.Context, message Message) error {
	return fn(context, message)
}

// LogSender writes a delivery record to the logger instead of sending anything.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a development sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send implements [Sender].
func (sender *LogSender) Send(context context.Context, message Message) error {
	if message.Recipient == "" {
		return ErrUndeliverable
	}
	sender.logger.InfoContext(context, "notification_dispatched",
		slog.String("recipient", message.Recipient),
		slog.String("purpose", message.Purpose),
		slog.String("kind", message.Kind),
	)
	return nil
}
