// Package transport carries opaque envelope bytes between the two paired
// devices. It knows nothing about snapshot semantics: payloads are tagged
// with a kind discriminator here, at the transport layer, and handed to
// the coordinator as-is.
//
// Two channel implementations exist: a live websocket channel for
// low-latency delivery while the peer is addressable, and a file-spool
// channel for the bulk-transfer path. The Adapter picks between them
// based on reachability and funnels everything inbound onto the
// coordinator.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind discriminates envelope payloads on the wire. It lives outside the
// codec so control messages can share the channel with protocol payloads.
type Kind string

const (
	KindSnapshot    Kind = "snapshot"
	KindDelta       Kind = "delta"
	KindSyncStatus  Kind = "syncStatus"
	KindSyncRequest Kind = "syncRequest"
)

// Message is one transport frame: a kind tag and the opaque payload bytes
// produced by the envelope codec (empty for control kinds).
type Message struct {
	Kind Kind   `json:"kind"`
	Body []byte `json:"body,omitempty"`
}

// Marshal renders a message as a transport frame.
func (m Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transport message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage parses a transport frame.
func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to parse transport message: %w", err)
	}
	if m.Kind == "" {
		return Message{}, fmt.Errorf("transport message missing kind")
	}
	return m, nil
}

// Handler consumes inbound messages. Handlers run on the channel's
// receive goroutine and should return quickly.
type Handler func(Message)

// Channel moves messages to and from the paired device.
//
// Delivery is at-least-once with no ordering guarantee between transfer
// attempts; callers needing idempotency handle it above this layer.
type Channel interface {
	// Send delivers a message, blocking until handed to the underlying
	// transport or ctx expires.
	Send(ctx context.Context, msg Message) error

	// Reachable reports whether the peer is currently addressable for
	// low-latency delivery.
	Reachable() bool

	// Handle registers the inbound message handler. Must be called
	// before Start.
	Handle(h Handler)

	// Close releases channel resources.
	Close() error
}
