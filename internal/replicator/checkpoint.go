package replicator

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"

	"github.com/codetrek/synclite/pkg/model"
)

// checkpointID derives the replication identity. It must be byte-identical
// for identical settings across restarts and processes, so the input is
// canonical JSON.
func checkpointID(localUUID, remoteURL string, push bool, filterName string, filterParams map[string]interface{}) string {
	spec := map[string]interface{}{
		"localUUID": localUUID,
		"remoteURL": remoteURL,
		"push":      push,
	}
	if filterName != "" {
		spec["filter"] = filterName
	}
	if len(filterParams) > 0 {
		spec["filterParams"] = filterParams
	}
	canonical, err := model.CanonicalJSON(spec)
	if err != nil {
		canonical = []byte(localUUID + remoteURL)
	}
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

// sequenceTracker records in-flight sequences in arrival order and yields the
// highest value whose prefix is completely processed. The checkpoint saved is
// therefore never past a gap left by a failed or pending transfer.
type sequenceTracker struct {
	mu      sync.Mutex
	order   []string
	inOrder map[string]bool
	done    map[string]bool
	last    string
	pending map[string]int // refcount: one sequence can carry several revisions
}

func newSequenceTracker(last string) *sequenceTracker {
	return &sequenceTracker{
		inOrder: make(map[string]bool),
		done:    make(map[string]bool),
		pending: make(map[string]int),
		last:    last,
	}
}

// begin registers a sequence as in flight. Re-registering a sequence (a retry
// after a failure) resumes its slot rather than duplicating it.
func (t *sequenceTracker) begin(seq string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inOrder[seq] {
		t.order = append(t.order, seq)
		t.inOrder[seq] = true
	}
	t.pending[seq]++
}

// complete marks one unit of a sequence as durably transferred and returns
// the new contiguous checkpoint value (or "" when unchanged).
func (t *sequenceTracker) complete(seq string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.pending[seq]; n > 1 {
		t.pending[seq] = n - 1
		return ""
	}
	delete(t.pending, seq)
	t.done[seq] = true

	advanced := false
	for len(t.order) > 0 && t.done[t.order[0]] {
		t.last = t.order[0]
		delete(t.done, t.order[0])
		delete(t.inOrder, t.order[0])
		t.order = t.order[1:]
		advanced = true
	}
	if !advanced {
		return ""
	}
	return t.last
}

// fail drops a sequence without completing it; the checkpoint cannot advance
// past it until a retry begins and completes it again.
func (t *sequenceTracker) fail(seq string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, seq)
}

// checkpoint returns the current contiguous value.
func (t *sequenceTracker) checkpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
