package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/codetrek/synclite/pkg/model"
	"github.com/zeebo/blake3"
)

// DocumentOptions controls how GetDocument materializes a revision.
type DocumentOptions struct {
	RevID              string
	IncludeAttachments bool
	AttsSince          []string
	IncludeConflicts   bool
	IncludeRevisions   bool
	LocalSeq           bool
}

type revRow struct {
	sequence uint64
	docID    string
	revID    string
	parent   string
	deleted  bool
	leaf     bool
	body     sql.NullString
}

// generateRevID derives the next revision ID from the parent, the tombstone
// flag and the canonical body. The digest must be stable so that identical
// edits on two peers produce the same revision.
func generateRevID(parentRevID string, deleted bool, body model.Body) (string, error) {
	gen := model.RevIDGeneration(parentRevID) + 1
	canonical, err := model.CanonicalJSON(map[string]interface{}{
		"parent":  parentRevID,
		"deleted": deleted,
		"body":    map[string]interface{}(body.StripSpecialKeys()),
	})
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(sum[:16])), nil
}

// Put creates a new revision of docID as a child of prevRevID. An empty
// prevRevID creates the document; a mismatch with the current winner is a
// conflict. Returns the stored revision with its sequence assigned.
func (d *Database) Put(docID string, body model.Body, prevRevID string, allowConflict bool) (*model.Revision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rev *model.Revision
	var evt ChangeEvent
	err := d.inTx(func(tx *sql.Tx) error {
		var err error
		rev, evt, err = d.putTx(tx, docID, body, prevRevID, allowConflict)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.broker.Notify(evt)
	return rev, nil
}

func (d *Database) putTx(tx *sql.Tx, docID string, body model.Body, prevRevID string, allowConflict bool) (*model.Revision, ChangeEvent, error) {
	deleted := body.Deleted()

	leaves, err := leafRowsTx(tx, docID)
	if err != nil {
		return nil, ChangeEvent{}, err
	}

	if prevRevID == "" {
		if !allowConflict {
			for _, l := range leaves {
				if !l.deleted {
					return nil, ChangeEvent{}, model.ErrConflict
				}
			}
		}
		if deleted {
			return nil, ChangeEvent{}, model.ErrNotFound
		}
	} else {
		var prev *revRow
		for i := range leaves {
			if leaves[i].revID == prevRevID {
				prev = &leaves[i]
				break
			}
		}
		if prev == nil {
			exists, err := revExistsTx(tx, docID, prevRevID)
			if err != nil {
				return nil, ChangeEvent{}, err
			}
			if !exists {
				return nil, ChangeEvent{}, model.ErrNotFound
			}
			if !allowConflict {
				return nil, ChangeEvent{}, model.ErrConflict
			}
		}
	}

	newRevID, err := generateRevID(prevRevID, deleted, body)
	if err != nil {
		return nil, ChangeEvent{}, err
	}

	seq, err := insertRevTx(tx, docID, newRevID, prevRevID, deleted, true, body.StripSpecialKeys())
	if err != nil {
		return nil, ChangeEvent{}, err
	}
	if prevRevID != "" {
		if _, err := tx.Exec(`UPDATE revs SET leaf = 0 WHERE doc_id = ? AND rev_id = ?`, docID, prevRevID); err != nil {
			return nil, ChangeEvent{}, err
		}
	}

	if err := d.storeAttachmentsTx(tx, seq, docID, prevRevID, model.RevIDGeneration(newRevID), body.Attachments()); err != nil {
		return nil, ChangeEvent{}, err
	}

	winner, _, err := winningRevTx(tx, docID)
	if err != nil {
		return nil, ChangeEvent{}, err
	}

	rev := &model.Revision{DocID: docID, RevID: newRevID, Deleted: deleted, Sequence: seq, Body: body}
	evt := ChangeEvent{Sequence: seq, DocID: docID, RevID: newRevID, Deleted: deleted, WinningRev: winner}
	return rev, evt, nil
}

// ForceInsert stores a revision with an explicit ancestry, as produced by a
// peer. history lists full revision IDs, rev.RevID first, oldest last.
// Already-known revisions in the chain are left untouched.
func (d *Database) ForceInsert(rev *model.Revision, history []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var evt ChangeEvent
	var known bool
	err := d.inTx(func(tx *sql.Tx) error {
		var err error
		evt, known, err = d.forceInsertTx(tx, rev, history)
		return err
	})
	if err != nil {
		return err
	}
	if !known {
		evt.External = true
		d.broker.Notify(evt)
	}
	return nil
}

func (d *Database) forceInsertTx(tx *sql.Tx, rev *model.Revision, history []string) (ChangeEvent, bool, error) {
	if len(history) == 0 {
		history = []string{rev.RevID}
	}
	if history[0] != rev.RevID {
		return ChangeEvent{}, false, model.NewError(model.StatusBadRequest, "history does not start at the inserted revision")
	}
	for _, revID := range history {
		if model.RevIDGeneration(revID) == 0 {
			return ChangeEvent{}, false, model.NewError(model.StatusBadID, "invalid rev id %q", revID)
		}
	}

	exists, err := revExistsTx(tx, rev.DocID, rev.RevID)
	if err != nil {
		return ChangeEvent{}, false, err
	}
	if exists {
		return ChangeEvent{}, true, nil
	}

	// Find the deepest ancestor already present, then insert the missing
	// suffix of the chain as historical (bodiless, non-leaf) revisions.
	knownIdx := len(history)
	for i := 1; i < len(history); i++ {
		exists, err := revExistsTx(tx, rev.DocID, history[i])
		if err != nil {
			return ChangeEvent{}, false, err
		}
		if exists {
			knownIdx = i
			break
		}
	}

	for i := knownIdx - 1; i >= 1; i-- {
		parent := ""
		if i+1 < len(history) {
			parent = history[i+1]
		}
		if _, err := insertRevTx(tx, rev.DocID, history[i], parent, false, false, nil); err != nil {
			return ChangeEvent{}, false, err
		}
	}

	parent := ""
	if len(history) > 1 {
		parent = history[1]
	}
	seq, err := insertRevTx(tx, rev.DocID, rev.RevID, parent, rev.Deleted, true, rev.Body.StripSpecialKeys())
	if err != nil {
		return ChangeEvent{}, false, err
	}
	// Every ancestor along the chain stops being a leaf, including the
	// already-known one the chain grafts onto.
	for _, ancestor := range history[1:] {
		if _, err := tx.Exec(`UPDATE revs SET leaf = 0 WHERE doc_id = ? AND rev_id = ?`, rev.DocID, ancestor); err != nil {
			return ChangeEvent{}, false, err
		}
	}

	if err := d.storeAttachmentsTx(tx, seq, rev.DocID, parent, model.RevIDGeneration(rev.RevID), rev.Body.Attachments()); err != nil {
		return ChangeEvent{}, false, err
	}

	winner, _, err := winningRevTx(tx, rev.DocID)
	if err != nil {
		return ChangeEvent{}, false, err
	}
	rev.Sequence = seq
	evt := ChangeEvent{Sequence: seq, DocID: rev.DocID, RevID: rev.RevID, Deleted: rev.Deleted, WinningRev: winner}
	return evt, false, nil
}

func (d *Database) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRevTx(tx *sql.Tx, docID, revID, parent string, deleted, leaf bool, body model.Body) (uint64, error) {
	var bodyJSON interface{}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		bodyJSON = string(data)
	}
	res, err := tx.Exec(
		`INSERT INTO revs (doc_id, rev_id, parent, deleted, leaf, body) VALUES (?, ?, ?, ?, ?, ?)`,
		docID, revID, nullable(parent), boolToInt(deleted), boolToInt(leaf), bodyJSON,
	)
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	return uint64(seq), err
}

func revExistsTx(tx *sql.Tx, docID, revID string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM revs WHERE doc_id = ? AND rev_id = ?`, docID, revID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func leafRowsTx(tx *sql.Tx, docID string) ([]revRow, error) {
	rows, err := tx.Query(
		`SELECT sequence, doc_id, rev_id, COALESCE(parent,''), deleted, leaf, body
		 FROM revs WHERE doc_id = ? AND leaf = 1`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRevRows(rows)
}

func scanRevRows(rows *sql.Rows) ([]revRow, error) {
	var out []revRow
	for rows.Next() {
		var r revRow
		var deleted, leaf int
		if err := rows.Scan(&r.sequence, &r.docID, &r.revID, &r.parent, &deleted, &leaf, &r.body); err != nil {
			return nil, err
		}
		r.deleted = deleted != 0
		r.leaf = leaf != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// winningRevTx designates the current revision: the highest non-deleted leaf,
// falling back to the highest deleted leaf.
func winningRevTx(tx *sql.Tx, docID string) (revID string, deleted bool, err error) {
	leaves, err := leafRowsTx(tx, docID)
	if err != nil {
		return "", false, err
	}
	return pickWinner(leaves)
}

func pickWinner(leaves []revRow) (string, bool, error) {
	var winner string
	var winnerDeleted bool
	for _, l := range leaves {
		if l.deleted {
			continue
		}
		if winner == "" || model.CompareRevIDs(l.revID, winner) > 0 {
			winner = l.revID
		}
	}
	if winner != "" {
		return winner, false, nil
	}
	for _, l := range leaves {
		if winner == "" || model.CompareRevIDs(l.revID, winner) > 0 {
			winner = l.revID
			winnerDeleted = true
		}
	}
	if winner == "" {
		return "", false, model.ErrNotFound
	}
	return winner, winnerDeleted, nil
}

// GetDocument materializes a revision as a JSON body with its metadata keys.
// An empty opts.RevID selects the winning revision; a tombstone winner reports
// StatusDeleted.
func (d *Database) GetDocument(docID string, opts DocumentOptions) (model.Body, error) {
	var body model.Body
	err := d.inTx(func(tx *sql.Tx) error {
		var err error
		body, err = d.getDocumentTx(tx, docID, opts)
		return err
	})
	return body, err
}

func (d *Database) getDocumentTx(tx *sql.Tx, docID string, opts DocumentOptions) (model.Body, error) {
	revID := opts.RevID
	var deleted bool
	if revID == "" {
		var err error
		revID, deleted, err = winningRevTx(tx, docID)
		if err != nil {
			return nil, err
		}
		if deleted {
			return nil, model.ErrDeleted
		}
	}

	var bodyJSON sql.NullString
	var seq uint64
	var del int
	err := tx.QueryRow(
		`SELECT sequence, deleted, body FROM revs WHERE doc_id = ? AND rev_id = ?`,
		docID, revID).Scan(&seq, &del, &bodyJSON)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !bodyJSON.Valid {
		// Compacted away; only the identity survives.
		return nil, model.ErrNotFound
	}

	body := make(model.Body)
	if err := json.Unmarshal([]byte(bodyJSON.String), &body); err != nil {
		return nil, fmt.Errorf("corrupt body for %s %s: %w", docID, revID, err)
	}
	body["_id"] = docID
	body["_rev"] = revID
	if del != 0 {
		body["_deleted"] = true
	}

	atts, err := d.attachmentsMetaTx(tx, seq, opts)
	if err != nil {
		return nil, err
	}
	if len(atts) > 0 {
		body["_attachments"] = atts
	}

	if opts.IncludeRevisions {
		history, err := revisionHistoryTx(tx, docID, revID)
		if err != nil {
			return nil, err
		}
		body["_revisions"] = model.MakeRevisionsProperty(history)
	}
	if opts.IncludeConflicts {
		leaves, err := leafRowsTx(tx, docID)
		if err != nil {
			return nil, err
		}
		var conflicts []string
		for _, l := range leaves {
			if l.revID != revID && !l.deleted {
				conflicts = append(conflicts, l.revID)
			}
		}
		if len(conflicts) > 0 {
			body["_conflicts"] = conflicts
		}
	}
	if opts.LocalSeq {
		body["_local_seq"] = seq
	}
	return body, nil
}

// revisionHistoryTx walks the parent chain, newest first.
func revisionHistoryTx(tx *sql.Tx, docID, revID string) ([]string, error) {
	var history []string
	current := revID
	for current != "" {
		history = append(history, current)
		var parent sql.NullString
		err := tx.QueryRow(`SELECT parent FROM revs WHERE doc_id = ? AND rev_id = ?`, docID, current).Scan(&parent)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, err
		}
		current = parent.String
	}
	return history, nil
}

// RevisionHistory returns the ancestry of a revision, newest first.
func (d *Database) RevisionHistory(docID, revID string) ([]string, error) {
	var history []string
	err := d.inTx(func(tx *sql.Tx) error {
		var err error
		history, err = revisionHistoryTx(tx, docID, revID)
		return err
	})
	return history, err
}

// LeafRevisions returns every leaf of the document's revision tree.
func (d *Database) LeafRevisions(docID string) (model.RevisionList, error) {
	var list model.RevisionList
	err := d.inTx(func(tx *sql.Tx) error {
		leaves, err := leafRowsTx(tx, docID)
		if err != nil {
			return err
		}
		for _, l := range leaves {
			list = append(list, &model.Revision{
				DocID: l.docID, RevID: l.revID, Deleted: l.deleted, Sequence: l.sequence,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, model.ErrNotFound
	}
	list.SortBySequence()
	return list, nil
}

// FindMissingRevisions filters revsByDoc down to the revisions this database
// does not have.
func (d *Database) FindMissingRevisions(revsByDoc map[string][]string) (map[string][]string, error) {
	missing := make(map[string][]string)
	err := d.inTx(func(tx *sql.Tx) error {
		for docID, revIDs := range revsByDoc {
			for _, revID := range revIDs {
				exists, err := revExistsTx(tx, docID, revID)
				if err != nil {
					return err
				}
				if !exists {
					missing[docID] = append(missing[docID], revID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// PossibleAncestorRevisionIDs returns stored revisions of the document whose
// generation precedes revID's, newest first, that still have bodies. The
// remote can use them as deltas bases or merge points.
func (d *Database) PossibleAncestorRevisionIDs(docID, revID string, limit int) ([]string, error) {
	gen := model.RevIDGeneration(revID)
	var out []string
	err := d.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT rev_id FROM revs WHERE doc_id = ? AND body IS NOT NULL`, docID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r string
			if err := rows.Scan(&r); err != nil {
				return err
			}
			if model.RevIDGeneration(r) < gen {
				out = append(out, r)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	// Newest first, bounded.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compact drops the bodies of non-leaf revisions and garbage-collects
// attachment blobs no leaf references.
func (d *Database) Compact() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE revs SET body = NULL WHERE leaf = 0`); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM att_refs WHERE sequence IN (SELECT sequence FROM revs WHERE leaf = 0)`); err != nil {
			return err
		}
		_, err := tx.Exec(
			`DELETE FROM attachments WHERE digest NOT IN (SELECT digest FROM att_refs)`)
		return err
	})
}

// Purge removes revisions outright. A revision list of ["*"] removes the
// whole document. Returns the revisions actually purged per document.
func (d *Database) Purge(revsByDoc map[string][]string) (map[string][]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	purged := make(map[string][]string)
	err := d.inTx(func(tx *sql.Tx) error {
		for docID, revIDs := range revsByDoc {
			for _, revID := range revIDs {
				if revID == "*" {
					if _, err := tx.Exec(`DELETE FROM revs WHERE doc_id = ?`, docID); err != nil {
						return err
					}
					purged[docID] = append(purged[docID], revID)
					continue
				}
				res, err := tx.Exec(`DELETE FROM revs WHERE doc_id = ? AND rev_id = ? AND leaf = 1`, docID, revID)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n > 0 {
					purged[docID] = append(purged[docID], revID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return purged, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
