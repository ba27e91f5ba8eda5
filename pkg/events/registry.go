package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/sandrom/alice-events/pkg/errors"
)

// reservedFields are the envelope metadata keys in the flattened wire
// shape; payload fields must not shadow them.
var reservedFields = map[string]struct{}{
	FieldEventID:   {},
	FieldEventType: {},
	FieldTimestamp: {},
	FieldSource:    {},
	FieldVersion:   {},
}

// Registry maps event kinds to their required payload fields. Envelopes
// with an unregistered kind cannot cross the serialization boundary in
// either direction.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string][]string
}

// NewRegistry creates a registry pre-loaded with the catalog kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string][]string)}
	registerCatalog(r)
	return r
}

// Register registers an event kind together with the payload fields a
// serialized record of that kind must carry. Re-registering a kind
// replaces its field list.
func (r *Registry) Register(kind string, requiredFields ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.kinds[kind] = append([]string(nil), requiredFields...)
}

// Registered reports whether a kind is known to the registry.
func (r *Registry) Registered(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.kinds[kind]
	return ok
}

// Kinds returns all registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Serialize renders an envelope to the flattened, transport-neutral map:
// metadata fields plus every payload field at the top level, timestamp
// as ISO-8601 UTC with microsecond precision.
func (r *Registry) Serialize(env *Envelope) (map[string]interface{}, error) {
	if !r.Registered(env.Kind) {
		return nil, errors.Serialization(fmt.Sprintf("unregistered event kind %q", env.Kind))
	}

	env = env.WithDefaults()
	fields := map[string]interface{}{
		FieldEventID:   env.ID,
		FieldEventType: env.Kind,
		FieldTimestamp: env.Timestamp.UTC().Format(TimestampLayout),
		FieldSource:    env.Source,
		FieldVersion:   env.Version,
	}
	for k, v := range env.Payload {
		if _, reserved := reservedFields[k]; reserved {
			return nil, errors.Serialization(fmt.Sprintf("payload field %q shadows an envelope field in event kind %q", k, env.Kind))
		}
		fields[k] = v
	}
	return fields, nil
}

// Deserialize reconstructs an envelope from its flattened wire shape.
// Fails if the kind is unregistered, a metadata field is malformed, or a
// required payload field is absent; a partial envelope is never
// returned.
func (r *Registry) Deserialize(fields map[string]interface{}) (*Envelope, error) {
	kind, ok := fields[FieldEventType].(string)
	if !ok || kind == "" {
		return nil, errors.Serialization("missing event_type field")
	}

	r.mu.RLock()
	required, registered := r.kinds[kind]
	r.mu.RUnlock()
	if !registered {
		return nil, errors.Serialization(fmt.Sprintf("unregistered event kind %q", kind))
	}

	id, ok := fields[FieldEventID].(string)
	if !ok || id == "" {
		return nil, errors.Serialization(fmt.Sprintf("missing event_id field in event kind %q", kind))
	}
	rawTimestamp, ok := fields[FieldTimestamp].(string)
	if !ok {
		return nil, errors.Serialization(fmt.Sprintf("missing timestamp field in event kind %q", kind))
	}
	timestamp, err := time.Parse(time.RFC3339Nano, rawTimestamp)
	if err != nil {
		return nil, errors.Serialization(fmt.Sprintf("malformed timestamp %q in event kind %q: %v", rawTimestamp, kind, err))
	}
	source, _ := fields[FieldSource].(string)
	version, _ := fields[FieldVersion].(string)
	if version == "" {
		version = DefaultVersion
	}

	payload := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		payload[k] = v
	}
	for _, field := range required {
		if _, present := payload[field]; !present {
			return nil, errors.Serialization(fmt.Sprintf("missing required payload field %q in event kind %q", field, kind))
		}
	}

	env := &Envelope{Kind: kind, Payload: payload}
	return env.WithMetadata(id, timestamp, source, version), nil
}
