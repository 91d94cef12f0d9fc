package storage

import (
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"github.com/codetrek/synclite/pkg/model"
)

// ChangesSince returns the revisions committed after seq. In sequence mode
// (the default) each document appears once, represented by its winning
// revision at the document's latest change. In conflict mode every leaf that
// changed is returned, grouped by document.
func (d *Database) ChangesSince(since uint64, opts model.ChangesOptions, filter FilterFunc, params map[string]interface{}) (model.RevisionList, error) {
	var changed []revRow
	leavesByDoc := make(map[string][]revRow)

	err := d.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT sequence, doc_id, rev_id, COALESCE(parent,''), deleted, leaf, body
			 FROM revs WHERE leaf = 1 AND sequence > ?
			 ORDER BY sequence`, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		changed, err = scanRevRows(rows)
		if err != nil {
			return err
		}

		for _, r := range changed {
			if _, seen := leavesByDoc[r.docID]; seen {
				continue
			}
			leaves, err := leafRowsTx(tx, r.docID)
			if err != nil {
				return err
			}
			leavesByDoc[r.docID] = leaves
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var list model.RevisionList
	if opts.IncludeConflicts {
		// Conflict mode: every changed leaf, grouped by document in first-seen
		// order, each group's revisions in sequence order.
		byDoc := make(map[string]model.RevisionList)
		var docOrder []string
		for _, r := range changed {
			if _, seen := byDoc[r.docID]; !seen {
				docOrder = append(docOrder, r.docID)
			}
			byDoc[r.docID] = append(byDoc[r.docID], rowToRevision(r))
		}
		for _, docID := range docOrder {
			list = append(list, byDoc[docID]...)
		}
	} else {
		// Sequence mode: one entry per document at its latest change,
		// substituting the winning revision.
		latest := make(map[string]*model.Revision)
		var docOrder []string
		for _, r := range changed {
			winner, winnerDeleted, err := pickWinner(leavesByDoc[r.docID])
			if err != nil {
				continue
			}
			rev := &model.Revision{
				DocID:    r.docID,
				RevID:    winner,
				Deleted:  winnerDeleted,
				Sequence: r.sequence,
			}
			if _, seen := latest[r.docID]; !seen {
				docOrder = append(docOrder, r.docID)
			}
			latest[r.docID] = rev
		}
		for _, docID := range docOrder {
			list = append(list, latest[docID])
		}
		if opts.SortBySequence {
			list.SortBySequence()
		}
	}

	if opts.IncludeDocs || filter != nil {
		for _, rev := range list {
			body, err := d.GetDocument(rev.DocID, DocumentOptions{RevID: rev.RevID})
			if err == nil {
				rev.Body = body
			}
		}
	}

	if filter != nil {
		filtered := make(model.RevisionList, 0, len(list))
		for _, rev := range list {
			if filter(rev, params) {
				filtered = append(filtered, rev)
			}
		}
		list = filtered
	}

	if opts.Limit >= 0 {
		list = list.Limit(opts.Limit)
	}
	return list, nil
}

func rowToRevision(r revRow) *model.Revision {
	rev := &model.Revision{DocID: r.docID, RevID: r.revID, Deleted: r.deleted, Sequence: r.sequence}
	if r.body.Valid {
		body := make(model.Body)
		if json.Unmarshal([]byte(r.body.String), &body) == nil {
			rev.Body = body
		}
	}
	return rev
}

// AllDocsRow is one row of an _all_docs response.
type AllDocsRow struct {
	ID    string                 `json:"id,omitempty"`
	Key   interface{}            `json:"key"`
	Value map[string]interface{} `json:"value,omitempty"`
	Doc   model.Body             `json:"doc,omitempty"`
	Error string                 `json:"error,omitempty"`
}

type docSummary struct {
	docID    string
	revID    string
	deleted  bool
	sequence uint64
}

// AllDocs lists documents by ID, honoring key ranges, explicit key sets and
// paging. Deleted documents only appear when requested by key.
func (d *Database) AllDocs(opts model.QueryOptions) ([]AllDocsRow, error) {
	summaries := make(map[string]docSummary)
	err := d.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT sequence, doc_id, rev_id, COALESCE(parent,''), deleted, leaf, NULL
			 FROM revs WHERE leaf = 1 ORDER BY sequence`)
		if err != nil {
			return err
		}
		defer rows.Close()
		leaves, err := scanRevRows(rows)
		if err != nil {
			return err
		}
		byDoc := make(map[string][]revRow)
		for _, l := range leaves {
			byDoc[l.docID] = append(byDoc[l.docID], l)
		}
		for docID, docLeaves := range byDoc {
			winner, deleted, err := pickWinner(docLeaves)
			if err != nil {
				continue
			}
			var maxSeq uint64
			for _, l := range docLeaves {
				if l.sequence > maxSeq {
					maxSeq = l.sequence
				}
			}
			summaries[docID] = docSummary{docID: docID, revID: winner, deleted: deleted, sequence: maxSeq}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []AllDocsRow
	if opts.Keys != nil {
		for _, keyRaw := range opts.Keys {
			key, ok := keyRaw.(string)
			if !ok {
				out = append(out, AllDocsRow{Key: keyRaw, Error: "bad_request"})
				continue
			}
			s, ok := summaries[key]
			if !ok {
				out = append(out, AllDocsRow{Key: key, Error: "not_found"})
				continue
			}
			out = append(out, d.allDocsRow(s, opts))
		}
		return out, nil
	}

	ids := make([]string, 0, len(summaries))
	for id, s := range summaries {
		if s.deleted {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if opts.Descending {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}

	for _, id := range ids {
		if !inKeyRange(id, opts) {
			continue
		}
		out = append(out, d.allDocsRow(summaries[id], opts))
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(out) {
			out = nil
		} else {
			out = out[opts.Skip:]
		}
	}
	if opts.Limit >= 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func inKeyRange(id string, opts model.QueryOptions) bool {
	start, _ := opts.StartKey.(string)
	end, _ := opts.EndKey.(string)
	if opts.Descending {
		start, end = end, start
	}
	if opts.StartKey != nil && strings.Compare(id, start) < 0 {
		return false
	}
	if opts.EndKey != nil && strings.Compare(id, end) > 0 {
		return false
	}
	return true
}

func (d *Database) allDocsRow(s docSummary, opts model.QueryOptions) AllDocsRow {
	row := AllDocsRow{
		ID:    s.docID,
		Key:   s.docID,
		Value: map[string]interface{}{"rev": s.revID},
	}
	if s.deleted {
		row.Value["deleted"] = true
	}
	if opts.IncludeDocs && !s.deleted {
		if body, err := d.GetDocument(s.docID, DocumentOptions{RevID: s.revID}); err == nil {
			row.Doc = body
		}
	}
	return row
}
