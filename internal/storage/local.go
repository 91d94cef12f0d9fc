package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/codetrek/synclite/pkg/model"
)

// Local documents live outside the revision tree: no history, no conflicts,
// never replicated. Replication checkpoints are mirrored separately in the
// checkpoints table so restarts resume without a remote round-trip.

// GetLocalDocument returns a local document by its bare ID (without the
// "_local/" prefix).
func (d *Database) GetLocalDocument(id string) (model.Body, error) {
	var revID, bodyJSON string
	err := d.db.QueryRow(`SELECT rev_id, body FROM local_docs WHERE id = ?`, id).Scan(&revID, &bodyJSON)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	body := make(model.Body)
	if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
		return nil, fmt.Errorf("corrupt local doc %s: %w", id, err)
	}
	body["_id"] = "_local/" + id
	body["_rev"] = revID
	return body, nil
}

// PutLocal writes a local document. prevRevID must match the stored revision
// when the document exists; local revisions count up as "0-1", "0-2", ...
func (d *Database) PutLocal(id string, body model.Body, prevRevID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var current string
	err := d.db.QueryRow(`SELECT rev_id FROM local_docs WHERE id = ?`, id).Scan(&current)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	if exists && prevRevID != current {
		return "", model.ErrConflict
	}
	if !exists && prevRevID != "" {
		return "", model.ErrConflict
	}

	next := 1
	if exists {
		if n, err := strconv.Atoi(model.RevIDSuffix(current)); err == nil {
			next = n + 1
		}
	}
	newRevID := fmt.Sprintf("0-%d", next)

	data, err := json.Marshal(body.StripSpecialKeys())
	if err != nil {
		return "", err
	}
	_, err = d.db.Exec(
		`INSERT INTO local_docs (id, rev_id, body) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET rev_id = excluded.rev_id, body = excluded.body`,
		id, newRevID, string(data))
	if err != nil {
		return "", err
	}
	return newRevID, nil
}

// DeleteLocal removes a local document.
func (d *Database) DeleteLocal(id string, prevRevID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var current string
	err := d.db.QueryRow(`SELECT rev_id FROM local_docs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	if prevRevID != "" && prevRevID != current {
		return model.ErrConflict
	}
	_, err = d.db.Exec(`DELETE FROM local_docs WHERE id = ?`, id)
	return err
}

// LastSequenceWithCheckpointID returns the locally mirrored checkpoint for a
// replication identity, or "" if none is stored.
func (d *Database) LastSequenceWithCheckpointID(checkpointID string) (string, error) {
	var seq string
	err := d.db.QueryRow(
		`SELECT last_sequence FROM checkpoints WHERE checkpoint_id = ?`, checkpointID).Scan(&seq)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return seq, err
}

// SetLastSequence overwrites the local checkpoint mirror.
func (d *Database) SetLastSequence(lastSequence, checkpointID string) error {
	_, err := d.db.Exec(
		`INSERT INTO checkpoints (checkpoint_id, last_sequence) VALUES (?, ?)
		 ON CONFLICT(checkpoint_id) DO UPDATE SET last_sequence = excluded.last_sequence`,
		checkpointID, lastSequence)
	return err
}

// ClearCheckpoint removes the local checkpoint mirror (replication reset).
func (d *Database) ClearCheckpoint(checkpointID string) error {
	_, err := d.db.Exec(`DELETE FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)
	return err
}
