package replicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckpointIDIsDeterministic(t *testing.T) {
	params := map[string]interface{}{"channel": "news", "n": 1.0}
	a := checkpointID("uuid-1", "http://peer/db", true, "by_channel", params)
	b := checkpointID("uuid-1", "http://peer/db", true, "by_channel", map[string]interface{}{"n": 1.0, "channel": "news"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 40) // hex SHA-1
}

func TestCheckpointIDDistinguishesSettings(t *testing.T) {
	base := checkpointID("uuid-1", "http://peer/db", true, "", nil)
	assert.NotEqual(t, base, checkpointID("uuid-2", "http://peer/db", true, "", nil))
	assert.NotEqual(t, base, checkpointID("uuid-1", "http://peer/other", true, "", nil))
	assert.NotEqual(t, base, checkpointID("uuid-1", "http://peer/db", false, "", nil))
	assert.NotEqual(t, base, checkpointID("uuid-1", "http://peer/db", true, "f", nil))
}

func TestSequenceTrackerContiguity(t *testing.T) {
	tr := newSequenceTracker("")
	tr.begin("1")
	tr.begin("2")
	tr.begin("3")

	// Completing out of order does not advance past the gap.
	assert.Empty(t, tr.complete("2"))
	assert.Equal(t, "", tr.checkpoint())

	assert.Equal(t, "2", tr.complete("1"))
	assert.Equal(t, "3", tr.complete("3"))
	assert.Equal(t, "3", tr.checkpoint())
}

func TestSequenceTrackerFailureBlocksAdvance(t *testing.T) {
	tr := newSequenceTracker("0")
	tr.begin("1")
	tr.begin("2")

	tr.fail("1")
	assert.Empty(t, tr.complete("2"))
	// The checkpoint never moves past the failed sequence.
	assert.Equal(t, "0", tr.checkpoint())

	// A retry re-registers the failed sequence and unblocks the prefix.
	tr.begin("1")
	assert.Equal(t, "2", tr.complete("1"))
}

func TestSequenceTrackerRefcountsSharedSequences(t *testing.T) {
	tr := newSequenceTracker("")
	// Two revisions arriving under one remote sequence.
	tr.begin("7")
	tr.begin("7")

	assert.Empty(t, tr.complete("7"))
	assert.Equal(t, "7", tr.complete("7"))
}
