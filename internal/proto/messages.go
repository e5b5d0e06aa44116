// Package proto defines the JSON messages exchanged with websocket clients.
package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nmea-ws-proxy/backend/internal/model"
)

// MessageType identifies a control or event message.
type MessageType string

const (
	// Client -> Server control messages
	TypeConnect    MessageType = "connect"
	TypeDisconnect MessageType = "disconnect"
	TypePing       MessageType = "ping"

	// Server -> Client events
	TypeWelcome         MessageType = "welcome"
	TypeConnected       MessageType = "connected"
	TypeDisconnected    MessageType = "disconnected"
	TypeTCPDisconnected MessageType = "tcp_disconnected"
	TypeNMEA            MessageType = "nmea"
	TypePong            MessageType = "pong"
	TypeError           MessageType = "error"
)

// TimestampLayout is the ISO-8601 layout used for every emitted timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp formats t for an outbound event.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Port is a TCP port that decodes from either a JSON number or a numeric string.
// Integral floats ("10110.0"), signs and leading zeros are accepted.
type Port struct {
	Value int
	Set   bool
	Raw   string

	numeric bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Port) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = Port{}
		return nil
	}

	raw := string(data)
	quoted := len(data) > 0 && data[0] == '"'
	if quoted {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}

	*p = Port{Raw: raw, Set: raw != ""}
	if !p.Set {
		return nil
	}

	// Anything unparsable keeps its raw text; the session reports it as an invalid port.
	if quoted {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil
		}
		p.Value, p.numeric = n, true
		return nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return nil
	}
	p.Value, p.numeric = int(f), true
	return nil
}

// Missing reports whether no usable port was supplied. A numeric zero counts as missing.
func (p Port) Missing() bool {
	return !p.Set || (p.numeric && p.Value == 0)
}

// Valid reports whether the port is numeric and in the TCP range.
func (p Port) Valid() bool {
	return p.numeric && p.Value >= 1 && p.Value <= 65535
}

// ControlMessage is an inbound client -> server message.
type ControlMessage struct {
	Type MessageType `json:"type"`
	IP   string      `json:"ip,omitempty"`
	Port Port        `json:"port"`
}

// DecodeControl parses a raw websocket text frame. Any failure wraps model.ErrMalformedControlMessage.
func DecodeControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedControlMessage, err)
	}
	return &msg, nil
}

// Event is an outbound server -> client message. Only the fields relevant to Type are emitted.
type Event struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message,omitempty"`
	IP        string      `json:"ip,omitempty"`
	Port      int         `json:"port,omitempty"`
	Sentence  string      `json:"sentence,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Encode marshals the event to a JSON text frame.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Welcome builds the greeting sent when a client connects.
func Welcome(now time.Time) *Event {
	return &Event{Type: TypeWelcome, Message: "NMEA WebSocket Proxy Server Connected", Timestamp: Timestamp(now)}
}

// Connected confirms an established uplink.
func Connected(ip string, port int, now time.Time) *Event {
	return &Event{Type: TypeConnected, IP: ip, Port: port, Timestamp: Timestamp(now)}
}

// Disconnected confirms an explicit (client-initiated) uplink close.
func Disconnected(now time.Time) *Event {
	return &Event{Type: TypeDisconnected, Message: "Disconnected from TCP source", Timestamp: Timestamp(now)}
}

// TCPDisconnected reports that the upstream closed the uplink.
func TCPDisconnected(now time.Time) *Event {
	return &Event{Type: TypeTCPDisconnected, Message: "TCP connection closed", Timestamp: Timestamp(now)}
}

// NMEA carries one forwarded sentence stamped with its arrival time.
func NMEA(sentence string, receivedAt time.Time) *Event {
	return &Event{Type: TypeNMEA, Sentence: sentence, Timestamp: Timestamp(receivedAt)}
}

// Pong answers a ping.
func Pong(now time.Time) *Event {
	return &Event{Type: TypePong, Timestamp: Timestamp(now)}
}

// Error reports a recoverable problem to the client.
func Error(message string, now time.Time) *Event {
	return &Event{Type: TypeError, Message: message, Timestamp: Timestamp(now)}
}
