package router

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
	"github.com/google/uuid"
)

func (h *Handler) handleGetDB(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"db_name":    db.Name(),
		"db_uuid":    db.PublicUUID(),
		"doc_count":  db.DocCount(),
		"update_seq": db.LastSequence(),
		"disk_size":  db.DiskSize(),
	})
}

func (h *Handler) handlePutDB(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("db")
	if _, err := h.manager.Create(name); err != nil {
		h.sendError(w, err)
		return
	}
	w.Header().Set("Location", "/"+name)
	h.sendJSON(w, http.StatusCreated, map[string]interface{}{"ok": true})
}

func (h *Handler) handleDeleteDB(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	if r.URL.Query().Has("rev") {
		// A rev parameter means the client confused the database with a
		// document.
		h.sendError(w, model.NewError(model.StatusBadRequest, "deleting a database does not accept a rev parameter"))
		return
	}
	if err := h.manager.Delete(db.Name()); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) handleCompact(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	if err := db.Compact(); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
}

// handleEnsureFullCommit is a formality: every write commits before its
// response is sent.
func (h *Handler) handleEnsureFullCommit(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	h.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":                  true,
		"instance_start_time": 0,
	})
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	var revsByDoc map[string][]string
	if err := readJSONBody(r, &revsByDoc); err != nil {
		h.sendError(w, err)
		return
	}
	purged, err := db.Purge(revsByDoc)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"purged": purged})
}

func (h *Handler) handleAllDocs(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	opts, err := parseQueryOptions(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if err := mergeKeysFromPost(r, &opts); err != nil {
		h.sendError(w, err)
		return
	}

	lastSeq := db.LastSequence()
	if r.Method == http.MethodGet {
		if checkETag(w, r, strconv.FormatUint(lastSeq, 10)) {
			return
		}
	}

	rows, err := db.AllDocs(opts)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if rows == nil {
		rows = []storage.AllDocsRow{}
	}
	response := map[string]interface{}{
		"rows":       rows,
		"total_rows": db.DocCount(),
		"offset":     opts.Skip,
	}
	if opts.UpdateSeq {
		response["update_seq"] = lastSeq
	}
	h.sendJSON(w, http.StatusOK, response)
}

type bulkDocsRequest struct {
	Docs         []model.Body `json:"docs"`
	AllOrNothing bool         `json:"all_or_nothing"`
	NewEdits     *bool        `json:"new_edits"`
}

// handleBulkDocs applies a batch of updates in one transaction. Server errors
// abort the batch; with all_or_nothing any failure aborts; otherwise per-doc
// failures become error entries in the response.
func (h *Handler) handleBulkDocs(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	var req bulkDocsRequest
	if err := readJSONBody(r, &req); err != nil {
		h.sendError(w, err)
		return
	}
	if req.Docs == nil {
		h.sendError(w, model.NewError(model.StatusBadRequest, "missing docs array"))
		return
	}
	newEdits := req.NewEdits == nil || *req.NewEdits

	results := []map[string]interface{}{}
	err := db.RunInTransaction(func(b *storage.BulkTx) error {
		for _, doc := range req.Docs {
			docID := doc.ID()
			entry, err := h.bulkDoc(b, doc, docID, newEdits)
			if err != nil {
				status := model.StatusOf(err)
				if status >= 500 || req.AllOrNothing {
					return err
				}
				code, name := status.HTTPStatus()
				results = append(results, map[string]interface{}{
					"id":     docID,
					"error":  name,
					"status": code,
				})
				continue
			}
			if entry != nil {
				results = append(results, entry)
			}
		}
		return nil
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, results)
}

func (h *Handler) bulkDoc(b *storage.BulkTx, doc model.Body, docID string, newEdits bool) (map[string]interface{}, error) {
	if !newEdits {
		revID := doc.RevID()
		if docID == "" || revID == "" {
			return nil, model.NewError(model.StatusBadID, "documents need _id and _rev when new_edits is false")
		}
		history := doc.RevisionHistory()
		if len(history) == 0 {
			history = []string{revID}
		}
		rev := &model.Revision{DocID: docID, RevID: revID, Deleted: doc.Deleted(), Body: doc}
		if err := b.ForceInsert(rev, history); err != nil {
			return nil, err
		}
		// CouchDB omits success entries for replicated inserts.
		return nil, nil
	}

	if docID == "" {
		docID = generateDocID()
	}
	rev, err := b.Put(docID, doc, doc.RevID(), false)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": docID, "rev": rev.RevID, "ok": true}, nil
}

func (h *Handler) handleRevsDiff(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	var revsByDoc map[string][]string
	if err := readJSONBody(r, &revsByDoc); err != nil {
		h.sendError(w, err)
		return
	}
	missing, err := db.FindMissingRevisions(revsByDoc)
	if err != nil {
		h.sendError(w, err)
		return
	}

	response := make(map[string]interface{})
	for docID, missingRevs := range missing {
		entry := map[string]interface{}{"missing": missingRevs}
		// Ancestors are computed against the highest-generation missing rev.
		highest := ""
		for _, revID := range missingRevs {
			if model.RevIDGeneration(revID) > model.RevIDGeneration(highest) {
				highest = revID
			}
		}
		if ancestors, err := db.PossibleAncestorRevisionIDs(docID, highest, 20); err == nil && len(ancestors) > 0 {
			entry["possible_ancestors"] = ancestors
		}
		response[docID] = entry
	}
	h.sendJSON(w, http.StatusOK, response)
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	mapFn, reduceFn, err := db.ViewFunctions(r.PathValue("ddoc"), r.PathValue("view"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.queryView(w, r, db, mapFn, reduceFn, r.Method == http.MethodPost)
}

// handleTempView compiles an inline {map, reduce?} as a disposable view.
func (h *Handler) handleTempView(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	var body struct {
		Map    string `json:"map"`
		Reduce string `json:"reduce"`
	}
	if err := readJSONBody(r, &body); err != nil {
		h.sendError(w, err)
		return
	}
	mapFn, reduceFn, err := db.CompileView(body.Map, body.Reduce)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.queryView(w, r, db, mapFn, reduceFn, false)
}

func (h *Handler) queryView(w http.ResponseWriter, r *http.Request, db *storage.Database, mapFn storage.MapFunc, reduceFn storage.ReduceFunc, keysFromBody bool) {
	opts, err := parseQueryOptions(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if keysFromBody {
		if err := mergeKeysFromPost(r, &opts); err != nil {
			h.sendError(w, err)
			return
		}
	}

	rows, err := db.QueryView(mapFn, reduceFn, opts)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if rows == nil {
		rows = []storage.ViewRow{}
	}
	response := map[string]interface{}{
		"rows":       rows,
		"total_rows": len(rows),
		"offset":     0,
	}
	if opts.UpdateSeq {
		response["update_seq"] = db.LastSequence()
	}
	h.sendJSON(w, http.StatusOK, response)
}

func generateDocID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
