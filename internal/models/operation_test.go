package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/incidentsync/internal/errors"
)

func op(typ OpType, entityID, payload string) *Operation {
	return &Operation{
		ID:           "op-1",
		Type:         typ,
		EntityID:     entityID,
		Payload:      json.RawMessage(payload),
		ChangeVector: ChangeVector{DeviceID: "dev-a", Counter: 1},
	}
}

// TestDecodePayload_Upsert verifies typed decoding of an upsert payload.
func TestDecodePayload_Upsert(t *testing.T) {
	p, err := DecodePayload(op(OpUpsertIncident, "inc-1",
		`{"id":"inc-1","title":"Pothole","severity":"HIGH","lat":40.7,"lng":-73.9}`))
	require.NoError(t, err)

	up, ok := p.(*UpsertIncidentPayload)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, "Pothole", up.Title)
	require.NotNil(t, up.Severity)
	assert.Equal(t, SeverityHigh, *up.Severity)
	assert.Nil(t, up.Status)
	assert.InDelta(t, 40.7, *up.Lat, 1e-9)
}

// TestDecodePayload_Invalid verifies every malformed shape is a VALIDATION_ERROR.
func TestDecodePayload_Invalid(t *testing.T) {
	tests := []struct {
		name string
		op   *Operation
	}{
		{"missing title", op(OpUpsertIncident, "inc-1", `{"id":"inc-1"}`)},
		{"empty title", op(OpUpsertIncident, "inc-1", `{"title":""}`)},
		{"bad status", op(OpUpsertIncident, "inc-1", `{"title":"x","status":"DONE"}`)},
		{"bad severity", op(OpUpsertIncident, "inc-1", `{"title":"x","severity":"CRITICAL"}`)},
		{"latitude out of range", op(OpUpsertIncident, "inc-1", `{"title":"x","lat":123.0}`)},
		{"id mismatch", op(OpUpsertIncident, "inc-1", `{"id":"inc-2","title":"x"}`)},
		{"null payload", op(OpUpsertIncident, "inc-1", `null`)},
		{"array payload", op(OpUpsertIncident, "inc-1", `[]`)},
		{"wrong field type", op(OpUpsertIncident, "inc-1", `{"title":42}`)},
		{"patch empty title", op(OpPatchIncident, "inc-1", `{"title":""}`)},
		{"patch bad status", op(OpPatchIncident, "inc-1", `{"status":"closed"}`)},
		{"duplicate missing canonical", op(OpLinkDuplicate, "inc-1", `{"reason":"same"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.op)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
}

// TestDecodePayload_Patch verifies absent fields stay nil.
func TestDecodePayload_Patch(t *testing.T) {
	p, err := DecodePayload(op(OpPatchIncident, "inc-1", `{"status":"RESOLVED"}`))
	require.NoError(t, err)

	patch := p.(*PatchIncidentPayload)
	require.NotNil(t, patch.Status)
	assert.Equal(t, StatusResolved, *patch.Status)
	assert.Nil(t, patch.Title)
	assert.Nil(t, patch.Description)
}

// TestDecodePayload_Unsupported verifies ignored types are distinguishable.
func TestDecodePayload_Unsupported(t *testing.T) {
	for _, typ := range []OpType{OpVote, OpUploadMedia, "somethingElse"} {
		_, err := DecodePayload(op(typ, "inc-1", `{}`))
		assert.True(t, errors.Is(err, ErrUnsupportedOp), "type %s", typ)
	}
}

func TestValidate_SyncRequest(t *testing.T) {
	var req SyncRequest
	require.NoError(t, json.Unmarshal([]byte(`{"cursor":null}`), &req))
	assert.Error(t, Validate(&req), "missing ops must fail")

	require.NoError(t, json.Unmarshal([]byte(`{"ops":[],"cursor":"3"}`), &req))
	assert.NoError(t, Validate(&req))

	req = SyncRequest{Ops: []Operation{{ID: "", Type: OpUpsertIncident, EntityID: "x",
		ChangeVector: ChangeVector{DeviceID: "d"}}}}
	assert.Error(t, Validate(&req), "op without id must fail")

	req = SyncRequest{Ops: []Operation{{ID: "a", Type: OpUpsertIncident, EntityID: "x",
		ChangeVector: ChangeVector{DeviceID: "d", Counter: -1}}}}
	assert.Error(t, Validate(&req), "negative counter must fail")
}

// TestNewOperation verifies the payload round-trips through the envelope.
func TestNewOperation(t *testing.T) {
	title := "Broken light"
	o, err := NewOperation("inc-9", UpsertIncidentPayload{ID: "inc-9", Title: title})
	require.NoError(t, err)
	assert.Equal(t, OpUpsertIncident, o.Type)
	assert.Equal(t, "inc-9", o.EntityID)

	o.ID = "op-9"
	p, err := DecodePayload(&o)
	require.NoError(t, err)
	assert.Equal(t, title, p.(*UpsertIncidentPayload).Title)
}

func TestCursor(t *testing.T) {
	c, err := ParseCursor(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c)

	s := FormatCursor(42)
	c, err = ParseCursor(&s)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c)

	for _, bad := range []string{"abc", "-1", "1.5"} {
		b := bad
		_, err = ParseCursor(&b)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation), bad)
	}
}

// TestIncidentPatch_Apply verifies only set fields change.
func TestIncidentPatch_Apply(t *testing.T) {
	inc := &Incident{ID: "inc-1", Title: "A", Description: "d", Status: StatusOpen}
	status := StatusInProgress
	patch := IncidentPatch{Status: &status}

	assert.True(t, patch.ChangesStatus(inc))
	patch.Apply(inc)
	assert.Equal(t, StatusInProgress, inc.Status)
	assert.Equal(t, "A", inc.Title)
	assert.False(t, patch.ChangesStatus(inc))
}

func TestIncident_Clone(t *testing.T) {
	lat := 1.0
	inc := &Incident{ID: "inc-1", Lat: &lat}
	c := inc.Clone()
	*c.Lat = 2.0
	assert.Equal(t, 1.0, *inc.Lat)
}
