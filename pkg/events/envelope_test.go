package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrom/alice-events/pkg/errors"
	"github.com/sandrom/alice-events/pkg/events"
)

func TestNew_AssignsMetadata(t *testing.T) {
	env := events.New(events.KindWorkflowStarted, map[string]interface{}{
		"workflow_id":   "wf-1",
		"workflow_name": "organize",
	}, "scanner")

	_, err := uuid.Parse(env.ID)
	require.NoError(t, err, "expected a valid uuid id")
	assert.Equal(t, events.KindWorkflowStarted, env.Kind)
	assert.Equal(t, "scanner", env.Source)
	assert.Equal(t, events.DefaultVersion, env.Version)
	assert.Equal(t, time.UTC, env.Timestamp.Location())
	assert.Equal(t, env.Timestamp, env.Timestamp.Truncate(time.Microsecond))
}

func TestNew_CopiesPayload(t *testing.T) {
	payload := map[string]interface{}{"file_path": "/in/a.png", "media_type": "image"}
	env := events.New(events.KindAssetDiscovered, payload, "")

	payload["file_path"] = "/in/mutated.png"

	assert.Equal(t, "/in/a.png", env.Payload["file_path"])
}

func TestWithMetadata_Deterministic(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	env := events.New(events.KindAssetDiscovered, map[string]interface{}{
		"file_path":  "/in/a.png",
		"media_type": "image",
	}, "scanner")

	rebuilt := env.WithMetadata("evt-1", ts, "replayer", "2.0.0")

	assert.Equal(t, "evt-1", rebuilt.ID)
	assert.True(t, rebuilt.Timestamp.Equal(ts))
	assert.Equal(t, "replayer", rebuilt.Source)
	assert.Equal(t, "2.0.0", rebuilt.Version)
	// Original is untouched.
	assert.NotEqual(t, env.ID, rebuilt.ID)
	assert.Equal(t, "scanner", env.Source)
}

func TestWithDefaults_FillsOnlyMissing(t *testing.T) {
	env := &events.Envelope{Kind: events.KindWorkflowStarted, Payload: map[string]interface{}{
		"workflow_id":   "wf-1",
		"workflow_name": "organize",
	}}

	filled := env.WithDefaults()

	assert.NotEmpty(t, filled.ID)
	assert.False(t, filled.Timestamp.IsZero())
	assert.Equal(t, events.DefaultVersion, filled.Version)

	// A complete envelope passes through unchanged.
	again := filled.WithDefaults()
	assert.Same(t, filled, again)
}

func TestRoundTrip_AllFieldsSurvive(t *testing.T) {
	registry := events.NewRegistry()
	env := events.NewAssetDiscovered("/inbox/render_001.png", "image", "watcher")

	fields, err := registry.Serialize(env)
	require.NoError(t, err)

	assert.Equal(t, env.ID, fields[events.FieldEventID])
	assert.Equal(t, env.Kind, fields[events.FieldEventType])
	assert.Equal(t, env.Timestamp.Format(events.TimestampLayout), fields[events.FieldTimestamp])

	back, err := registry.Deserialize(fields)
	require.NoError(t, err)
	assert.True(t, env.Equal(back), "expected %+v, got %+v", env, back)
}

func TestRoundTrip_ThroughJSON(t *testing.T) {
	registry := events.NewRegistry()
	env := events.NewWorkflowFailed("wf-9", "timeout waiting for render", "pipeline")

	fields, err := registry.Serialize(env)
	require.NoError(t, err)

	data, err := json.Marshal(fields)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	back, err := registry.Deserialize(decoded)
	require.NoError(t, err)
	assert.Equal(t, env.ID, back.ID)
	assert.True(t, env.Timestamp.Equal(back.Timestamp), "timestamp must survive to microsecond precision")
	assert.Equal(t, env.Payload["workflow_id"], back.Payload["workflow_id"])
	assert.Equal(t, env.Payload["error"], back.Payload["error"])
}

func TestSerialize_UnregisteredKind(t *testing.T) {
	registry := events.NewRegistry()
	env := events.New("ghost.kind", map[string]interface{}{"x": "y"}, "")

	_, err := registry.Serialize(env)
	require.Error(t, err)
	assert.True(t, errors.IsSerialization(err))
}

func TestSerialize_PayloadShadowsEnvelopeField(t *testing.T) {
	registry := events.NewRegistry()
	registry.Register("custom.kind", "value")
	env := events.New("custom.kind", map[string]interface{}{
		"value":    "ok",
		"event_id": "smuggled",
	}, "")

	_, err := registry.Serialize(env)
	require.Error(t, err)
	assert.True(t, errors.IsSerialization(err))
}

func TestDeserialize_UnregisteredKind(t *testing.T) {
	registry := events.NewRegistry()

	_, err := registry.Deserialize(map[string]interface{}{
		"event_id":   "e1",
		"event_type": "ghost.kind",
		"timestamp":  time.Now().UTC().Format(events.TimestampLayout),
	})
	require.Error(t, err)
	assert.True(t, errors.IsSerialization(err))
}

func TestDeserialize_MissingRequiredField(t *testing.T) {
	registry := events.NewRegistry()

	_, err := registry.Deserialize(map[string]interface{}{
		"event_id":   "e1",
		"event_type": events.KindAssetDiscovered,
		"timestamp":  time.Now().UTC().Format(events.TimestampLayout),
		"file_path":  "/in/a.png",
		// media_type intentionally absent
	})
	require.Error(t, err)
	assert.True(t, errors.IsSerialization(err))
	assert.Contains(t, err.Error(), "media_type")
}

func TestDeserialize_MalformedTimestamp(t *testing.T) {
	registry := events.NewRegistry()

	_, err := registry.Deserialize(map[string]interface{}{
		"event_id":   "e1",
		"event_type": events.KindAssetDiscovered,
		"timestamp":  "not-a-time",
		"file_path":  "/in/a.png",
		"media_type": "image",
	})
	require.Error(t, err)
	assert.True(t, errors.IsSerialization(err))
}

func TestRegistry_CatalogPreloaded(t *testing.T) {
	registry := events.NewRegistry()

	for _, kind := range []string{
		events.KindAssetDiscovered,
		events.KindAssetProcessed,
		events.KindAssetOrganized,
		events.KindWorkflowStarted,
		events.KindWorkflowCompleted,
		events.KindWorkflowFailed,
		events.KindPromptUsed,
		events.KindStyleDetected,
	} {
		assert.True(t, registry.Registered(kind), "catalog kind %s should be pre-registered", kind)
	}
	assert.False(t, registry.Registered("ghost.kind"))
	assert.Len(t, registry.Kinds(), 8)
}
