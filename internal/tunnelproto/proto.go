// Package tunnelproto defines the JSON envelope exchanged between the relay,
// workstations, and socket clients, plus the write pump that serialises
// websocket writes for a single connection.
package tunnelproto

import (
	"encoding/json"
	"errors"
	"strings"
)

// Envelope types.
const (
	TypeWorkstationRegister   = "workstation.register"
	TypeWorkstationRegistered = "workstation.registered"
	TypeWorkstationUnregister = "workstation.unregister"
	TypeWorkstationOnline     = "workstation.online"
	TypeWorkstationOffline    = "workstation.offline"
	TypeConnect               = "connect"
	TypeConnected             = "connected"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeForwardToDevice       = "forward.to_device"
	TypeClientMessage         = "client.message"
	TypeClientConnected       = "client.connected"
	TypeClientDisconnected    = "client.disconnected"
	TypeError                 = "error"
)

// ErrMalformedEnvelope is returned by [Decode] for frames that are not a
// JSON object with a non-empty type.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Message is the top-level envelope exchanged on every socket.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is sent by a workstation to claim a tunnel.
type RegisterPayload struct {
	APIKey           string `json:"api_key"`
	Name             string `json:"name"`
	AuthKey          string `json:"auth_key"`
	Reconnect        bool   `json:"reconnect,omitempty"`
	PreviousTunnelID string `json:"previous_tunnel_id,omitempty"`
}

// RegisteredPayload is the relay's answer to a successful registration.
type RegisteredPayload struct {
	TunnelID  string `json:"tunnel_id"`
	PublicURL string `json:"public_url"`
	Restored  bool   `json:"restored,omitempty"`
}

// ConnectPayload is sent by a socket client to bind to a tunnel.
type ConnectPayload struct {
	TunnelID  string `json:"tunnel_id"`
	AuthKey   string `json:"auth_key"`
	DeviceID  string `json:"device_id"`
	Reconnect bool   `json:"reconnect,omitempty"`
}

// ConnectedPayload acknowledges a client connect.
type ConnectedPayload struct {
	TunnelID          string `json:"tunnel_id"`
	Restored          bool   `json:"restored,omitempty"`
	WorkstationOnline bool   `json:"workstation_online"`
	WorkstationName   string `json:"workstation_name,omitempty"`
}

// PingPayload carries the sender's timestamp, echoed back in the pong.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ForwardToDevicePayload targets a single device from the workstation.
type ForwardToDevicePayload struct {
	DeviceID string          `json:"device_id"`
	Payload  json.RawMessage `json:"payload"`
}

// ClientMessagePayload wraps a client frame delivered to the workstation.
type ClientMessagePayload struct {
	DeviceID string          `json:"device_id"`
	Message  json.RawMessage `json:"message"`
}

// ClientConnectedPayload notifies the workstation of a new client binding.
type ClientConnectedPayload struct {
	DeviceID  string `json:"device_id"`
	TunnelID  string `json:"tunnel_id"`
	Transport string `json:"transport,omitempty"`
}

// ClientDisconnectedPayload notifies the workstation that a client is gone so
// it can release server-side subscriptions.
type ClientDisconnectedPayload struct {
	DeviceID string `json:"device_id"`
	TunnelID string `json:"tunnel_id"`
}

// WorkstationStatusPayload accompanies workstation.online/offline events.
type WorkstationStatusPayload struct {
	TunnelID string `json:"tunnel_id"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// New builds a message with payload marshalled as JSON. A nil payload yields
// an envelope without a payload field.
func New(typ string, payload any) (Message, error) {
	msg := Message{Type: typ}
	if payload == nil {
		return msg, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		msg.Payload = raw
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = b
	return msg, nil
}

// MustNew is like [New] for payload types that always marshal.
func MustNew(typ string, payload any) Message {
	msg, err := New(typ, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// ErrorMessage builds an error frame.
func ErrorMessage(code, message string, details map[string]any) Message {
	return MustNew(TypeError, ErrorPayload{Code: code, Message: message, Details: details})
}

// Encode marshals msg to a websocket text frame.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a frame into an envelope.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errors.Join(ErrMalformedEnvelope, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return Message{}, ErrMalformedEnvelope
	}
	return msg, nil
}

// DecodePayload unmarshals the message payload into v. An absent payload
// leaves v untouched.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// IsControl reports whether frames of this type belong on the priority lane
// of a [WritePump].
func IsControl(typ string) bool {
	switch typ {
	case TypeWorkstationRegister, TypeWorkstationRegistered, TypeConnect, TypeConnected,
		TypePing, TypePong, TypeError, TypeClientConnected, TypeClientDisconnected,
		TypeWorkstationOnline, TypeWorkstationOffline:
		return true
	}
	return false
}
