package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// ErrUnknownRecord marks a structurally valid record whose enum
// discriminants this build does not recognize. Callers should log and drop
// the single record rather than failing the surrounding operation.
var ErrUnknownRecord = errors.New("unknown record discriminant")

// EncodeSnapshot serializes a snapshot payload for the wire: JSON inside a
// snappy block frame. The current SchemaVersion is stamped before
// encoding. Encoding is deterministic for a given payload.
func EncodeSnapshot(p *SnapshotPayload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot payload: %w", err)
	}
	p.SchemaVersion = SchemaVersion
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot payload: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// DecodeSnapshot reverses EncodeSnapshot. Structurally invalid bytes are a
// hard failure; the caller must not apply any state from them.
func DecodeSnapshot(b []byte) (*SnapshotPayload, error) {
	data, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot payload: %w", err)
	}
	var p SnapshotPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot payload: %w", err)
	}
	return &p, nil
}

// EncodeDelta serializes a delta envelope for the wire, same framing as
// EncodeSnapshot.
func EncodeDelta(e *DeltaEnvelope) ([]byte, error) {
	e.SetDefaults()
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid delta envelope: %w", err)
	}
	wrapper := deltaWire{SchemaVersion: SchemaVersion, Delta: e}
	data, err := json.Marshal(wrapper)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delta envelope: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// DecodeDelta reverses EncodeDelta. Malformed bytes are a hard failure;
// an envelope whose entity, action, or origin discriminant is unrecognized
// decodes to a non-nil envelope wrapped in ErrUnknownRecord so the caller
// can drop that single record and keep going.
func DecodeDelta(b []byte) (*DeltaEnvelope, error) {
	data, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress delta envelope: %w", err)
	}
	var wrapper deltaWire
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse delta envelope: %w", err)
	}
	e := wrapper.Delta
	if e == nil {
		return nil, fmt.Errorf("delta envelope missing body")
	}
	if _, ok := ParseEntityKind(string(e.Entity)); !ok {
		return e, fmt.Errorf("entity %q: %w", e.Entity, ErrUnknownRecord)
	}
	if _, ok := ParseAction(string(e.Action)); !ok {
		return e, fmt.Errorf("action %q: %w", e.Action, ErrUnknownRecord)
	}
	if e.Origin != "" {
		if _, ok := ParseOrigin(string(e.Origin)); !ok {
			return e, fmt.Errorf("origin %q: %w", e.Origin, ErrUnknownRecord)
		}
	}
	e.SetDefaults()
	return e, nil
}

// deltaWire frames a delta envelope with the protocol version.
type deltaWire struct {
	SchemaVersion int            `json:"schema_version"`
	Delta         *DeltaEnvelope `json:"delta"`
}
