// Package adapter defines the messaging-client abstraction used by the
// gateway. Each account owns exactly one Client; the concrete implementation
// wraps a whatsmeow connection, while tests plug in fakes through the
// Factory interface.
package adapter

import (
	"context"
	"fmt"
	"time"
)

// EventKind identifies the variant of an adapter lifecycle event.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventPhoneCode     EventKind = "phone_code"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
	EventFatal         EventKind = "fatal"
)

// Event is the tagged union delivered on each account's event channel.
// Exactly one payload field is meaningful for a given Kind.
type Event struct {
	Kind      EventKind
	Code      string   // QR payload or phone pairing code
	Message   *Message // set for EventMessage
	Reason    string   // set for EventDisconnected / EventFatal
	Timestamp time.Time
}

// Message is an inbound chat message, already reduced to the fields the
// router and auto-response engine care about.
type Message struct {
	ID         string
	ChatID     string
	Sender     string
	SenderName string
	Body       string
	FromSelf   bool
	Broadcast  bool
	Timestamp  time.Time
}

// ChatSummary describes one conversation as returned by FetchChats.
type ChatSummary struct {
	ChatID        string
	Name          string
	LastMessageAt time.Time
}

// Client is the per-account connection handle. Implementations must be safe
// for use from the account's event loop plus the prober goroutine.
type Client interface {
	// Connect dials the messaging network. For a fresh account this starts
	// the QR pairing flow; events are emitted on Events().
	Connect(ctx context.Context) error

	// Disconnect closes the connection. The event channel stops carrying
	// events but stays open; consumers exit on their own context.
	Disconnect()

	// Logout invalidates the stored session credential.
	Logout(ctx context.Context) error

	// SendMessage delivers text to a chat and returns the message id.
	SendMessage(ctx context.Context, chatID, text string) (string, error)

	// FetchChats lists known conversations.
	FetchChats(ctx context.Context) ([]ChatSummary, error)

	// FetchMessages returns up to limit recent messages for a chat,
	// oldest first.
	FetchMessages(ctx context.Context, chatID string, limit int) ([]Message, error)

	// RequestPairingCode asks the network for a phone-number pairing code.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// Ping is the cheap liveness check used by the keep-alive prober.
	Ping(ctx context.Context) error

	// IsLoggedIn reports whether a valid session credential exists.
	IsLoggedIn() bool

	// Events returns the bounded event channel.
	Events() <-chan Event
}

// Factory creates a Client bound to an account's session storage.
type Factory interface {
	New(ctx context.Context, accountID int64, sessionPath string) (Client, error)
}

// Errors shared by client implementations.
var (
	ErrNotConnected = fmt.Errorf("adapter: not connected")
	ErrNotLoggedIn  = fmt.Errorf("adapter: not logged in")
)
