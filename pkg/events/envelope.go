package events

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the wire format for envelope timestamps: ISO-8601,
// UTC, microsecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// DefaultVersion is the payload schema version assigned when none is given.
const DefaultVersion = "1.0.0"

// Reserved envelope field names in the serialized wire shape. Payload
// fields must not collide with these.
const (
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldTimestamp = "timestamp"
	FieldSource    = "source"
	FieldVersion   = "version"
)

// Envelope is the immutable wrapper around one domain event: a kind
// discriminator, a kind-specific payload, and metadata attached at
// creation. Metadata is attached, not inherited; the payload is opaque
// to the bus and the log.
type Envelope struct {
	Kind      string
	Payload   map[string]interface{}
	ID        string
	Timestamp time.Time
	Source    string
	Version   string
}

// New creates a new envelope with a fresh ID and the current UTC time.
// The payload map is copied so later mutation by the caller does not
// leak into the envelope.
func New(kind string, payload map[string]interface{}, source string) *Envelope {
	return &Envelope{
		Kind:      kind,
		Payload:   copyPayload(payload),
		ID:        uuid.NewString(),
		Timestamp: now(),
		Source:    source,
		Version:   DefaultVersion,
	}
}

// WithMetadata returns a copy of the envelope with all metadata fields
// replaced. Used for deterministic reconstruction during deserialization
// and in tests; the kind and payload are untouched.
func (e *Envelope) WithMetadata(id string, timestamp time.Time, source, version string) *Envelope {
	clone := *e
	clone.ID = id
	clone.Timestamp = timestamp.UTC().Truncate(time.Microsecond)
	clone.Source = source
	clone.Version = version
	return &clone
}

// WithDefaults returns the envelope with any missing metadata assigned:
// a fresh ID, the current UTC time, and the default schema version. An
// already-complete envelope is returned as-is.
func (e *Envelope) WithDefaults() *Envelope {
	if e.ID != "" && !e.Timestamp.IsZero() && e.Version != "" {
		return e
	}
	clone := *e
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = now()
	}
	if clone.Version == "" {
		clone.Version = DefaultVersion
	}
	return &clone
}

// Equal reports whether two envelopes carry the same kind, metadata and
// payload. Timestamps are compared at microsecond precision.
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Kind != other.Kind || e.ID != other.ID || e.Source != other.Source || e.Version != other.Version {
		return false
	}
	if !e.Timestamp.Equal(other.Timestamp) {
		return false
	}
	return reflect.DeepEqual(e.Payload, other.Payload)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
