package storage

import (
	"testing"

	"github.com/codetrek/synclite/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangesSinceSequenceMode(t *testing.T) {
	db := newTestDB(t)

	revA, err := db.Put("a", model.Body{"v": 1}, "", false)
	require.NoError(t, err)
	_, err = db.Put("b", model.Body{"v": 2}, "", false)
	require.NoError(t, err)
	revA2, err := db.Put("a", model.Body{"v": 3}, revA.RevID, false)
	require.NoError(t, err)

	changes, err := db.ChangesSince(0, model.DefaultChangesOptions(), nil, nil)
	require.NoError(t, err)
	// One entry per document, ordered by sequence.
	require.Len(t, changes, 2)
	assert.Equal(t, "b", changes[0].DocID)
	assert.Equal(t, uint64(2), changes[0].Sequence)
	assert.Equal(t, "a", changes[1].DocID)
	assert.Equal(t, revA2.RevID, changes[1].RevID)
	assert.Equal(t, uint64(3), changes[1].Sequence)

	// since filters by sequence.
	changes, err = db.ChangesSince(2, model.DefaultChangesOptions(), nil, nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "a", changes[0].DocID)
}

func TestChangesSinceConflictMode(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.ForceInsert(&model.Revision{DocID: "a", RevID: "1-aaa", Body: model.Body{}}, nil))
	require.NoError(t, db.ForceInsert(&model.Revision{DocID: "a", RevID: "1-bbb", Body: model.Body{}}, nil))
	_, err := db.Put("b", model.Body{"v": 1}, "", false)
	require.NoError(t, err)

	opts := model.ChangesOptions{Limit: -1, IncludeConflicts: true}
	changes, err := db.ChangesSince(0, opts, nil, nil)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	// Grouped by document: both leaves of "a" are adjacent.
	assert.Equal(t, "a", changes[0].DocID)
	assert.Equal(t, "a", changes[1].DocID)
	assert.Equal(t, "b", changes[2].DocID)
}

func TestChangesSinceLimitAndDocs(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Put("a", model.Body{"v": 1}, "", false)
	require.NoError(t, err)
	_, err = db.Put("b", model.Body{"v": 2}, "", false)
	require.NoError(t, err)

	opts := model.DefaultChangesOptions()
	opts.Limit = 1
	opts.IncludeDocs = true
	changes, err := db.ChangesSince(0, opts, nil, nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].Body)
	assert.Equal(t, float64(1), changes[0].Body["v"])
}

func TestChangesSinceWithFilter(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Put("a", model.Body{"kind": "note"}, "", false)
	require.NoError(t, err)
	_, err = db.Put("b", model.Body{"kind": "task"}, "", false)
	require.NoError(t, err)

	filter, err := db.CompileFilter("kind")
	require.NoError(t, err)
	changes, err := db.ChangesSince(0, model.DefaultChangesOptions(), filter, map[string]interface{}{"value": "task"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "b", changes[0].DocID)
}

func TestAllDocs(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []string{"carrot", "apple", "banana"} {
		_, err := db.Put(id, model.Body{"name": id}, "", false)
		require.NoError(t, err)
	}
	rev, err := db.Put("deleted", model.Body{"x": 1}, "", false)
	require.NoError(t, err)
	_, err = db.Put("deleted", model.Body{"_deleted": true}, rev.RevID, false)
	require.NoError(t, err)

	rows, err := db.AllDocs(model.DefaultQueryOptions())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "apple", rows[0].ID)
	assert.Equal(t, "banana", rows[1].ID)
	assert.Equal(t, "carrot", rows[2].ID)

	// Descending with limit.
	opts := model.QueryOptions{Limit: 2, Descending: true}
	rows, err = db.AllDocs(opts)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "carrot", rows[0].ID)

	// limit=0 yields no rows but DocCount is unaffected.
	rows, err = db.AllDocs(model.QueryOptions{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 3, db.DocCount())

	// Key range.
	opts = model.QueryOptions{Limit: -1, StartKey: "apple", EndKey: "banana"}
	rows, err = db.AllDocs(opts)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Explicit keys include deleted and missing entries.
	opts = model.QueryOptions{Limit: -1, Keys: []interface{}{"apple", "deleted", "nope"}}
	rows, err = db.AllDocs(opts)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "apple", rows[0].ID)
	assert.Equal(t, true, rows[1].Value["deleted"])
	assert.Equal(t, "not_found", rows[2].Error)

	// include_docs.
	opts = model.QueryOptions{Limit: -1, IncludeDocs: true}
	rows, err = db.AllDocs(opts)
	require.NoError(t, err)
	assert.Equal(t, "apple", rows[0].Doc["name"])
}
