package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONDeterministic(t *testing.T) {
	in := map[string]interface{}{
		"zebra": 1,
		"alpha": map[string]interface{}{"nested": true, "also": []interface{}{"x", 2}},
		"mango": "fruit",
	}
	first, err := CanonicalJSON(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CanonicalJSON(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, `{"alpha":{"also":["x",2],"nested":true},"mango":"fruit","zebra":1}`, string(first))
}

func TestBodyAccessors(t *testing.T) {
	b := Body{"_id": "doc1", "_rev": "2-abc", "_deleted": true, "x": 1}
	assert.Equal(t, "doc1", b.ID())
	assert.Equal(t, "2-abc", b.RevID())
	assert.True(t, b.Deleted())

	stripped := b.StripSpecialKeys()
	assert.Equal(t, Body{"x": 1}, stripped)
	// The original is untouched.
	assert.Equal(t, "doc1", b.ID())
}

func TestRevisionHistoryRoundTrip(t *testing.T) {
	history := []string{"3-ccc", "2-bbb", "1-aaa"}
	prop := MakeRevisionsProperty(history)
	assert.Equal(t, 3, prop["start"])
	assert.Equal(t, []string{"ccc", "bbb", "aaa"}, prop["ids"])

	// Re-parse through a JSON-shaped body.
	body := Body{"_revisions": map[string]interface{}{
		"start": float64(3),
		"ids":   []interface{}{"ccc", "bbb", "aaa"},
	}}
	assert.Equal(t, history, body.RevisionHistory())
}

func TestKnownSpecialKey(t *testing.T) {
	assert.True(t, KnownSpecialKey("_id"))
	assert.True(t, KnownSpecialKey("_attachments"))
	assert.False(t, KnownSpecialKey("_bogus"))
}
