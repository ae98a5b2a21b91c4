package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	a, err := Derive(7, "document_approved", map[string]any{"document_id": "d-1", "kind": "rg"}, "")
	require.NoError(t, err)
	b, err := Derive(7, "document_approved", map[string]any{"kind": "rg", "document_id": "d-1"}, "")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestDeriveDistinguishesEvents(t *testing.T) {
	base, err := Derive(7, "document_approved", map[string]any{"document_id": "d-1"}, "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		userID   int64
		action   string
		metadata map[string]any
		bucket   string
	}{
		{name: "different user", userID: 8, action: "document_approved", metadata: map[string]any{"document_id": "d-1"}},
		{name: "different action", userID: 7, action: "document_upload", metadata: map[string]any{"document_id": "d-1"}},
		{name: "different document", userID: 7, action: "document_approved", metadata: map[string]any{"document_id": "d-2"}},
		{name: "bucketed", userID: 7, action: "document_approved", metadata: map[string]any{"document_id": "d-1"}, bucket: "2026-01-02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Derive(tt.userID, tt.action, tt.metadata, tt.bucket)
			require.NoError(t, err)
			assert.NotEqual(t, base, key)
		})
	}
}

func TestDeriveTreatsNilAndEmptyMetadataAlike(t *testing.T) {
	a, err := Derive(1, "registration", nil, "")
	require.NoError(t, err)
	b, err := Derive(1, "registration", map[string]any{}, "")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeriveRejectsUnencodableMetadata(t *testing.T) {
	_, err := Derive(1, "registration", map[string]any{"ch": make(chan int)}, "")
	assert.Error(t, err)
}

func TestWindowBucket(t *testing.T) {
	ts := time.Date(2026, 3, 4, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600))

	assert.Equal(t, "", WindowNone.Bucket(ts))
	assert.Equal(t, "2026-03-05", WindowDay.Bucket(ts))

	sameDay := time.Date(2026, 3, 5, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, WindowDay.Bucket(ts), WindowDay.Bucket(sameDay))
}
