// Package instance implements the per-tenant connection lifecycle: the
// instance runner (C7) that drives one WhatsApp session end to end, and
// the instance manager (C8) that owns the name -> runner registry.
// Grounded on original_source/src/instance/{mod.rs,handle.rs,runner.rs}.
package instance

// EventType discriminates the flat Event variants emitted by a runner,
// matching the teacher's webhook.Event "Type string + payload fields"
// shape rather than a Rust-style enum.
type EventType string

const (
	EventQrCode             EventType = "qr_code"
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventOutboundAck        EventType = "outbound_ack"
	EventReconnectScheduled EventType = "reconnect_scheduled"
)

// Event is one runner lifecycle notification, grounded on
// original_source/src/wa/events.rs's Event enum. Only the fields
// relevant to Type are populated.
type Event struct {
	Type         EventType
	InstanceName string

	QRCode string // EventQrCode

	Reason string // EventDisconnected

	MessageID string // EventOutboundAck
	Bytes     int    // EventOutboundAck

	DelaySecs uint64 // EventReconnectScheduled
}
