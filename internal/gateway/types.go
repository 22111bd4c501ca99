package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/memohai/wagateway/internal/router"
)

// State is the externally visible connection status of a tenant.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
)

func (s State) String() string { return string(s) }

var (
	ErrNotConnected   = errors.New("tenant not connected")
	ErrInvalidMessage = errors.New("recipient and message are required")
)

// Snapshot is the read-only view of one tenant connection.
type Snapshot struct {
	TenantID         string `json:"tenantId"`
	Status           State  `json:"status"`
	PairingCode      string `json:"pairingCode,omitempty"`
	RemoteIdentifier string `json:"remoteIdentifier,omitempty"`
}

// StatusEvent is published on every state transition of a tenant.
type StatusEvent struct {
	Snapshot
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo describes a tenant known either from stored credentials or a live entry.
type SessionInfo struct {
	TenantID  string `json:"tenantId"`
	Connected bool   `json:"connected"`
	Status    State  `json:"status"`
}

// EventKind enumerates what a protocol binding reports to the manager.
type EventKind string

const (
	EventPairingCode EventKind = "pairing_code"
	EventConnected   EventKind = "connected"
	EventClosed      EventKind = "closed"
	EventMessage     EventKind = "message"
)

// Event is emitted by a Client in the order the protocol produced it.
type Event struct {
	Kind EventKind
	// PairingCode is the raw pairing payload for EventPairingCode.
	PairingCode string
	// RemoteIdentifier is the account identity for EventConnected.
	RemoteIdentifier string
	// LoggedOut marks an EventClosed as a revoked session. Any other close is transient.
	LoggedOut bool
	Err       error
	Message   InboundMessage
}

// MessageBody carries the text representations a chat message may use.
type MessageBody struct {
	Conversation string
	ExtendedText string
}

// PlainText returns the simple body, falling back to the extended body.
func (b MessageBody) PlainText() string {
	if strings.TrimSpace(b.Conversation) != "" {
		return b.Conversation
	}
	return b.ExtendedText
}

type InboundMessage struct {
	ID        string
	Chat      string
	Sender    string
	FromMe    bool
	Body      MessageBody
	Timestamp time.Time
}

type DialRequest struct {
	TenantID    string
	SessionPath string
}

// Dialer opens a protocol connection for one tenant. It must return once the
// connection has been initiated; handshake progress is reported through emit.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest, emit func(Event)) (Client, error)
}

// Client is one live protocol connection.
type Client interface {
	SendText(ctx context.Context, to, text string) error
	// Logout revokes the session on the remote side.
	Logout(ctx context.Context) error
	// Close drops the connection and releases local resources.
	Close()
}

// SessionStore owns the credential directories.
type SessionStore interface {
	ResolvePath(tenantID string) (string, error)
	Exists(tenantID string) bool
	Destroy(tenantID string) error
	ListTenants() ([]string, error)
}

// MessageRouter answers inbound chat messages.
type MessageRouter interface {
	Route(ctx context.Context, req router.Request) (string, error)
}

// StatusPublisher receives every status transition.
type StatusPublisher interface {
	Publish(tenantID string, ev StatusEvent)
}
