// Package notify defines the outbound messaging contract.
package notify

import "context"

// Notifier delivers a plain-text message to a user outside of any
// request/response exchange. The Telegram gateway implements it.
type Notifier interface {
	Notify(ctx context.Context, user, message string) error
}

// Discard is a Notifier that drops every message. Useful in tests and
// when running without a chat gateway.
type Discard struct{}

func (Discard) Notify(ctx context.Context, user, message string) error { return nil }
