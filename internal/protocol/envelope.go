// Package protocol defines the wire types exchanged between a library
// producer and its replica: full or chunked snapshots of the reference
// library, and delta envelopes carrying locally-originated mutations back
// to the producer.
//
// Enum-valued fields (entity, action, origin) are persisted as strings and
// parsed with an explicit Unknown fallback so that a newer producer talking
// to an older replica degrades to dropping single records instead of
// rejecting whole payloads.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current wire protocol version. It is stamped on
// every encoded payload; decoders accept it as-is and surface it to the
// caller.
const SchemaVersion = 2

// EntityKind identifies which library entity a delta mutates.
type EntityKind string

const (
	EntityTeam        EntityKind = "team"
	EntityPlayer      EntityKind = "player"
	EntityOfficial    EntityKind = "official"
	EntityCompetition EntityKind = "competition"
	EntityVenue       EntityKind = "venue"
	EntitySchedule    EntityKind = "schedule"
	EntityHistory     EntityKind = "history"

	// EntityUnknown is the fallback for discriminants this build doesn't
	// recognize. Records carrying it are dropped, not fatal.
	EntityUnknown EntityKind = "unknown"
)

// ParseEntityKind maps a persisted discriminant to an EntityKind.
// The second return is false for unrecognized values.
func ParseEntityKind(s string) (EntityKind, bool) {
	switch EntityKind(s) {
	case EntityTeam, EntityPlayer, EntityOfficial, EntityCompetition,
		EntityVenue, EntitySchedule, EntityHistory:
		return EntityKind(s), true
	}
	return EntityUnknown, false
}

// Action identifies what a delta does to its entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"

	ActionUnknown Action = "unknown"
)

// ParseAction maps a persisted discriminant to an Action.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return Action(s), true
	}
	return ActionUnknown, false
}

// Origin records which side authored a delta.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"

	OriginUnknown Origin = "unknown"
)

// ParseOrigin maps a persisted discriminant to an Origin.
func ParseOrigin(s string) (Origin, bool) {
	switch Origin(s) {
	case OriginLocal, OriginRemote:
		return Origin(s), true
	}
	return OriginUnknown, false
}

// DeltaEnvelope is a single locally-originated mutation awaiting delivery
// to the snapshot producer.
//
// ID is the primary identity: re-enqueueing the same ID upserts rather
// than duplicates. IdempotencyKey defaults to ID and must survive retries
// of the same logical change unchanged.
type DeltaEnvelope struct {
	ID             uuid.UUID  `json:"id"`
	Entity         EntityKind `json:"entity"`
	Action         Action     `json:"action"`
	Payload        []byte     `json:"payload,omitempty"` // entity JSON; absent for deletes
	ModifiedAt     time.Time  `json:"modified_at"`
	Origin         Origin     `json:"origin"`
	Dependencies   []uuid.UUID `json:"dependencies,omitempty"`
	IdempotencyKey uuid.UUID  `json:"idempotency_key"`

	// RequiresSnapshotRefresh hints that the sender should request a fresh
	// snapshot once this delta has been delivered.
	RequiresSnapshotRefresh bool `json:"requires_snapshot_refresh,omitempty"`
}

// SetDefaults fills optional fields: a zero IdempotencyKey becomes the
// envelope ID, a zero Origin becomes local.
func (e *DeltaEnvelope) SetDefaults() {
	if e.IdempotencyKey == uuid.Nil {
		e.IdempotencyKey = e.ID
	}
	if e.Origin == "" {
		e.Origin = OriginLocal
	}
	if e.ModifiedAt.IsZero() {
		e.ModifiedAt = time.Now().UTC()
	}
}

// Validate checks the envelope has valid field values.
func (e *DeltaEnvelope) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if _, ok := ParseEntityKind(string(e.Entity)); !ok {
		return fmt.Errorf("unknown entity %q", e.Entity)
	}
	if _, ok := ParseAction(string(e.Action)); !ok {
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if _, ok := ParseOrigin(string(e.Origin)); !ok {
		return fmt.Errorf("unknown origin %q", e.Origin)
	}
	if e.Action != ActionDelete && len(e.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", e.Action)
	}
	if e.ModifiedAt.IsZero() {
		return fmt.Errorf("modified_at is required")
	}
	return nil
}
