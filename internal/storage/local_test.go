package storage

import (
	"testing"

	"github.com/codetrek/synclite/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDocumentLifecycle(t *testing.T) {
	db := newTestDB(t)

	rev1, err := db.PutLocal("ckpt", model.Body{"lastSequence": "5"}, "")
	require.NoError(t, err)
	assert.Equal(t, "0-1", rev1)

	body, err := db.GetLocalDocument("ckpt")
	require.NoError(t, err)
	assert.Equal(t, "_local/ckpt", body.ID())
	assert.Equal(t, "5", body["lastSequence"])

	// Update requires the current rev.
	_, err = db.PutLocal("ckpt", model.Body{"lastSequence": "9"}, "0-999")
	assert.Equal(t, model.StatusConflict, model.StatusOf(err))
	rev2, err := db.PutLocal("ckpt", model.Body{"lastSequence": "9"}, rev1)
	require.NoError(t, err)
	assert.Equal(t, "0-2", rev2)

	require.NoError(t, db.DeleteLocal("ckpt", rev2))
	_, err = db.GetLocalDocument("ckpt")
	assert.Equal(t, model.StatusNotFound, model.StatusOf(err))
}

func TestCheckpointMirror(t *testing.T) {
	db := newTestDB(t)

	seq, err := db.LastSequenceWithCheckpointID("abc")
	require.NoError(t, err)
	assert.Empty(t, seq)

	require.NoError(t, db.SetLastSequence("42", "abc"))
	seq, err = db.LastSequenceWithCheckpointID("abc")
	require.NoError(t, err)
	assert.Equal(t, "42", seq)

	require.NoError(t, db.SetLastSequence("43", "abc"))
	seq, _ = db.LastSequenceWithCheckpointID("abc")
	assert.Equal(t, "43", seq)

	require.NoError(t, db.ClearCheckpoint("abc"))
	seq, _ = db.LastSequenceWithCheckpointID("abc")
	assert.Empty(t, seq)
}

func TestDatabaseUUIDsAreStable(t *testing.T) {
	db := newTestDB(t)
	private := db.PrivateUUID()
	public := db.PublicUUID()
	assert.NotEmpty(t, private)
	assert.NotEmpty(t, public)
	assert.NotEqual(t, private, public)
	assert.Equal(t, private, db.PrivateUUID())
}
