package router

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
)

type changesParams struct {
	feed   string
	since  uint64
	limit  int
	opts   model.ChangesOptions
	filter storage.FilterFunc
	params map[string]interface{}
}

func parseChangesParams(r *http.Request, db *storage.Database) (changesParams, error) {
	q := r.URL.Query()
	p := changesParams{
		feed: q.Get("feed"),
		opts: model.DefaultChangesOptions(),
	}
	if p.feed == "" {
		p.feed = "normal"
	}
	switch p.feed {
	case "normal", "longpoll", "continuous":
	default:
		return p, model.NewError(model.StatusBadParam, "unknown feed mode %q", p.feed)
	}

	if raw := q.Get("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return p, model.NewError(model.StatusBadParam, "invalid since %q", raw)
		}
		p.since = since
	}
	limit, err := intParam(q.Get("limit"), -1)
	if err != nil {
		return p, err
	}
	p.limit = limit
	p.opts.Limit = limit
	p.opts.IncludeDocs = boolParam(q.Get("include_docs"))
	p.opts.UpdateSeq = boolParam(q.Get("update_seq"))
	if q.Get("style") == "all_docs" {
		p.opts.IncludeConflicts = true
		p.opts.SortBySequence = false
		// Truncation happens after grouping, so the store must not cut the
		// revision list early.
		p.opts.Limit = -1
	}

	if name := q.Get("filter"); name != "" {
		filter, err := db.CompileFilter(name)
		if err != nil {
			return p, err
		}
		p.filter = filter
		// Remaining query parameters become filter params, parsed as JSON
		// when they look like it.
		p.params = make(map[string]interface{})
		for k, vs := range q {
			switch k {
			case "feed", "since", "limit", "style", "include_docs", "update_seq", "filter", "heartbeat", "timeout":
				continue
			}
			if len(vs) == 0 {
				continue
			}
			var v interface{}
			if err := json.Unmarshal([]byte(vs[0]), &v); err != nil {
				v = vs[0]
			}
			p.params[k] = v
		}
	}
	return p, nil
}

// changeRow shapes one _changes entry. In conflict mode adjacent changes for
// the same document merge into a single entry accumulating rev IDs.
type changeRow struct {
	Seq     uint64                   `json:"seq"`
	ID      string                   `json:"id"`
	Changes []map[string]interface{} `json:"changes"`
	Deleted bool                     `json:"deleted,omitempty"`
	Doc     model.Body               `json:"doc,omitempty"`
}

func changeRowsFor(revs model.RevisionList, conflicts bool, limit int) []changeRow {
	var rows []changeRow
	if conflicts {
		index := make(map[string]int)
		for _, rev := range revs {
			if i, seen := index[rev.DocID]; seen {
				rows[i].Changes = append(rows[i].Changes, map[string]interface{}{"rev": rev.RevID})
				if rev.Sequence > rows[i].Seq {
					rows[i].Seq = rev.Sequence
				}
				continue
			}
			index[rev.DocID] = len(rows)
			rows = append(rows, revToRow(rev))
		}
		// Group first, then order by sequence and truncate.
		sortRowsBySeq(rows)
		if limit >= 0 && len(rows) > limit {
			rows = rows[:limit]
		}
	} else {
		for _, rev := range revs {
			rows = append(rows, revToRow(rev))
		}
	}
	return rows
}

func revToRow(rev *model.Revision) changeRow {
	return changeRow{
		Seq:     rev.Sequence,
		ID:      rev.DocID,
		Changes: []map[string]interface{}{{"rev": rev.RevID}},
		Deleted: rev.Deleted,
		Doc:     rev.Body,
	}
}

func sortRowsBySeq(rows []changeRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].Seq < rows[j-1].Seq; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	p, err := parseChangesParams(r, db)
	if err != nil {
		h.sendError(w, err)
		return
	}

	switch p.feed {
	case "continuous":
		h.streamContinuousChanges(w, r, db, p)
	case "longpoll":
		h.handleLongpollChanges(w, r, db, p)
	default:
		revs, err := db.ChangesSince(p.since, p.opts, p.filter, p.params)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendChangesBatch(w, db, p, revs)
	}
}

func (h *Handler) sendChangesBatch(w http.ResponseWriter, db *storage.Database, p changesParams, revs model.RevisionList) {
	rows := changeRowsFor(revs, p.opts.IncludeConflicts, p.limit)
	if rows == nil {
		rows = []changeRow{}
	}
	lastSeq := p.since
	for _, row := range rows {
		if row.Seq > lastSeq {
			lastSeq = row.Seq
		}
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"results":  rows,
		"last_seq": lastSeq,
	})
}

// handleLongpollChanges returns immediately when changes already exist, and
// otherwise parks the request until the first non-empty batch arrives.
func (h *Handler) handleLongpollChanges(w http.ResponseWriter, r *http.Request, db *storage.Database, p changesParams) {
	revs, err := db.ChangesSince(p.since, p.opts, p.filter, p.params)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if len(revs) > 0 {
		h.sendChangesBatch(w, db, p, revs)
		return
	}

	sub := db.Broker().Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			revs, err := db.ChangesSince(p.since, p.opts, p.filter, p.params)
			if err != nil {
				h.sendError(w, err)
				return
			}
			if len(revs) > 0 {
				h.sendChangesBatch(w, db, p, revs)
				return
			}
		}
	}
}

// streamContinuousChanges emits one NDJSON record per change and keeps the
// connection open until the client goes away.
func (h *Handler) streamContinuousChanges(w http.ResponseWriter, r *http.Request, db *storage.Database, p changesParams) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flush := flusher(w)

	// Subscribe before the catch-up read so nothing slips between them.
	sub := db.Broker().Subscribe()
	defer sub.Cancel()

	since := p.since
	emitted := make(map[string]uint64) // docID -> last emitted sequence

	emit := func(revs model.RevisionList) error {
		rows := changeRowsFor(revs, p.opts.IncludeConflicts, -1)
		for _, row := range rows {
			if prev, ok := emitted[row.ID]; ok && prev >= row.Seq {
				continue
			}
			emitted[row.ID] = row.Seq
			if err := writeNDJSON(w, flush, row); err != nil {
				return err
			}
			if row.Seq > since {
				since = row.Seq
			}
		}
		return nil
	}

	revs, err := db.ChangesSince(since, p.opts, p.filter, p.params)
	if err != nil {
		return
	}
	if emit(revs) != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			revs, err := db.ChangesSince(since, p.opts, p.filter, p.params)
			if err != nil {
				return
			}
			if emit(revs) != nil {
				return
			}
		}
	}
}
