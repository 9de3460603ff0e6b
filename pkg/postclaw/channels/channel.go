// Package channels defines the interface and types for PostClaw operator
// channels. The operator talks to the assistant over a channel (Telegram DM,
// console REPL); each binding implements Channel to receive instructions and
// send replies in a unified way.
package channels

import (
	"context"
	"errors"
	"time"
)

// ErrChannelDisconnected is returned by Send when the channel is not
// connected.
var ErrChannelDisconnected = errors.New("channel disconnected")

// Channel is the surface every operator channel implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "console").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a reply to the operator chat.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel emitting incoming operator messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports the connection state.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// IncomingMessage is one operator instruction received from a channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "telegram").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, when available.
	FromName string

	// ChatID is the conversation the message arrived in.
	ChatID string

	// Content is the message text.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage is a reply to the operator.
type OutgoingMessage struct {
	// Content is the message text.
	Content string

	// ReplyTo optionally references the message being answered.
	ReplyTo string
}

// HealthStatus reports a channel's runtime condition.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}
