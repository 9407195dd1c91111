// Package domain defines the entities, value objects, and error taxonomy
// shared by the relay, the workstation tunnel client, and mobile clients.
package domain

import (
	"log/slog"
	"time"

	"github.com/koltyakov/deskrelay/internal/auth"
	"github.com/koltyakov/deskrelay/internal/mailbox"
)

// TunnelID names a workstation's public endpoint. It is generated by the
// relay and stays stable across reconnects.
type TunnelID string

// DeviceID is a stable per-installation identifier of a mobile client.
type DeviceID string

// AuthKey is the per-workstation secret clients present to connect.
type AuthKey string

// Equal reports whether k and other hold the same secret. The comparison
// runs in constant time.
func (k AuthKey) Equal(other AuthKey) bool {
	return auth.ConstantTimeEquals(string(k), string(other))
}

// String redacts the secret so keys never leak through fmt or logs.
func (k AuthKey) String() string {
	if k == "" {
		return ""
	}
	return "[redacted]"
}

// LogValue implements [slog.LogValuer].
func (k AuthKey) LogValue() slog.Value {
	return slog.StringValue(k.String())
}

// Workstation status constants.
const (
	WorkstationOnline  = "online"
	WorkstationOffline = "offline"
)

// Socket client status constants.
const (
	ClientConnecting   = "connecting"
	ClientConnected    = "connected"
	ClientDisconnected = "disconnected"
)

// Polling client status constants.
const (
	PollingActive   = "active"
	PollingInactive = "inactive"
)

// Transport names reported to the workstation in client.connected events.
const (
	TransportSocket  = "socket"
	TransportPolling = "polling"
)

// ConnHandle is a borrowed reference to a live peer connection. Registries
// use it for delivery only; identity always comes from the entity keys.
type ConnHandle interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Workstation is a registered machine exposing sessions through the relay.
type Workstation struct {
	TunnelID       TunnelID
	Name           string
	AuthKey        AuthKey
	Conn           ConnHandle
	PublicURL      string
	Status         string
	LastPing       time.Time
	ConnectedSince time.Time
}

// Online reports whether the workstation currently holds a live connection.
func (w Workstation) Online() bool {
	return w.Status == WorkstationOnline && w.Conn != nil
}

// SocketClient is a mobile client holding a persistent websocket.
type SocketClient struct {
	DeviceID    DeviceID
	TunnelID    TunnelID
	Conn        ConnHandle
	Status      string
	LastPing    time.Time
	ConnectedAt time.Time
}

// PollingClient is a mobile client that reaches the relay through stateless
// HTTP polls. Undelivered workstation output waits in its mailbox.
type PollingClient struct {
	DeviceID DeviceID
	TunnelID TunnelID
	Status   string
	LastPoll time.Time
	Mailbox  *mailbox.Mailbox
}
