package router

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
)

func documentOptions(r *http.Request) (storage.DocumentOptions, error) {
	q := r.URL.Query()
	opts := storage.DocumentOptions{
		RevID:              q.Get("rev"),
		IncludeAttachments: boolParam(q.Get("attachments")),
		IncludeConflicts:   boolParam(q.Get("conflicts")),
		IncludeRevisions:   boolParam(q.Get("revs")),
		LocalSeq:           boolParam(q.Get("local_seq")),
	}
	if raw := q.Get("atts_since"); raw != "" {
		var since []string
		if err := json.Unmarshal([]byte(raw), &since); err != nil {
			return opts, model.NewError(model.StatusBadParam, "invalid atts_since: %v", err)
		}
		opts.AttsSince = since
		opts.IncludeAttachments = true
	}
	return opts, nil
}

func (h *Handler) handleGetDoc(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	docID, err := docIDFromRequest(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if openRevs := r.URL.Query().Get("open_revs"); openRevs != "" {
		h.handleOpenRevs(w, r, db, docID, openRevs)
		return
	}

	opts, err := documentOptions(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	body, err := db.GetDocument(docID, opts)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if checkETag(w, r, body.RevID()) {
		return
	}

	if wantsMultipart(r) && body.Attachments() != nil {
		h.sendMultipartDocument(w, db, body)
		return
	}
	h.sendJSON(w, http.StatusOK, body)
}

// handleOpenRevs returns multiple revisions in one response: every leaf for
// open_revs=all, or exactly the requested set.
func (h *Handler) handleOpenRevs(w http.ResponseWriter, r *http.Request, db *storage.Database, docID, openRevs string) {
	opts, err := documentOptions(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	opts.IncludeRevisions = true

	var revIDs []string
	if openRevs == "all" {
		leaves, err := db.LeafRevisions(docID)
		if err != nil {
			h.sendError(w, err)
			return
		}
		for _, leaf := range leaves {
			revIDs = append(revIDs, leaf.RevID)
		}
	} else {
		if err := json.Unmarshal([]byte(openRevs), &revIDs); err != nil {
			h.sendError(w, model.NewError(model.StatusBadParam, "invalid open_revs: %v", err))
			return
		}
	}

	results := make([]map[string]interface{}, 0, len(revIDs))
	for _, revID := range revIDs {
		revOpts := opts
		revOpts.RevID = revID
		body, err := db.GetDocument(docID, revOpts)
		if err != nil {
			results = append(results, map[string]interface{}{"missing": revID})
			continue
		}
		results = append(results, map[string]interface{}{"ok": body})
	}
	h.sendJSON(w, http.StatusOK, results)
}

func (h *Handler) handlePutDoc(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	docID, err := docIDFromRequest(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	body, err := h.readDocumentBody(r, db)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.updateDoc(w, r, db, docID, body)
}

func (h *Handler) handlePostDoc(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	body, err := h.readDocumentBody(r, db)
	if err != nil {
		h.sendError(w, err)
		return
	}
	docID := body.ID()
	if docID == "" {
		docID = generateDocID()
	}
	h.updateDoc(w, r, db, docID, body)
}

func (h *Handler) handleDeleteDoc(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	docID, err := docIDFromRequest(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.updateDoc(w, r, db, docID, model.Body{"_deleted": true})
}

// updateDoc applies one revision. With new_edits=false the body carries an
// explicit revision and history; otherwise the previous revision comes from
// ?rev=, If-Match or the body's _rev, in that order.
func (h *Handler) updateDoc(w http.ResponseWriter, r *http.Request, db *storage.Database, docID string, body model.Body) {
	if r.URL.Query().Get("new_edits") == "false" {
		revID := body.RevID()
		if revID == "" {
			h.sendError(w, model.NewError(model.StatusBadRequest, "new_edits=false requires _rev"))
			return
		}
		history := body.RevisionHistory()
		if len(history) == 0 {
			history = []string{revID}
		}
		rev := &model.Revision{DocID: docID, RevID: revID, Deleted: body.Deleted(), Body: body}
		if err := db.ForceInsert(rev, history); err != nil {
			h.sendError(w, err)
			return
		}
		h.sendRevResponse(w, r, db, docID, revID)
		return
	}

	prevRevID := r.URL.Query().Get("rev")
	if prevRevID == "" {
		prevRevID = strings.Trim(r.Header.Get("If-Match"), `"`)
	}
	if prevRevID == "" {
		prevRevID = body.RevID()
	}
	rev, err := db.Put(docID, body, prevRevID, false)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendRevResponse(w, r, db, docID, rev.RevID)
}

func (h *Handler) sendRevResponse(w http.ResponseWriter, r *http.Request, db *storage.Database, docID, revID string) {
	w.Header().Set("Etag", `"`+revID+`"`)
	w.Header().Set("Location", "/"+db.Name()+"/"+docID)
	h.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":  true,
		"id":  docID,
		"rev": revID,
	})
}

// readDocumentBody decodes a JSON or multipart/related request body; the
// multipart form carries attachments as binary parts referenced by
// follows:true markers.
func (h *Handler) readDocumentBody(r *http.Request, db *storage.Database) (model.Body, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		return readMultipartDocument(r, db)
	}
	body := make(model.Body)
	if err := readJSONBody(r, &body); err != nil {
		return nil, err
	}
	for key := range body {
		if strings.HasPrefix(key, "_") && !model.KnownSpecialKey(key) {
			return nil, model.NewError(model.StatusBadID, "unknown reserved field %q", key)
		}
	}
	return body, nil
}

// ---------------------------------------------------------------------------
// Local documents
// ---------------------------------------------------------------------------

func (h *Handler) handleGetLocalDoc(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	body, err := db.GetLocalDocument(r.PathValue("docid"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, body)
}

func (h *Handler) handlePutLocalDoc(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	docID := r.PathValue("docid")
	body := make(model.Body)
	if err := readJSONBody(r, &body); err != nil {
		h.sendError(w, err)
		return
	}
	prevRevID := r.URL.Query().Get("rev")
	if prevRevID == "" {
		prevRevID = body.RevID()
	}
	revID, err := db.PutLocal(docID, body, prevRevID)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":  true,
		"id":  "_local/" + docID,
		"rev": revID,
	})
}

func (h *Handler) handleDeleteLocalDoc(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	if err := db.DeleteLocal(r.PathValue("docid"), r.URL.Query().Get("rev")); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
