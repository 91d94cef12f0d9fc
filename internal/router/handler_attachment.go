package router

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
)

func attachmentTarget(r *http.Request) (docID, name string, err error) {
	docID, err = docIDFromRequest(r)
	if err != nil {
		return "", "", err
	}
	name = r.PathValue("att")
	if name == "" {
		return "", "", model.NewError(model.StatusBadRequest, "missing attachment name")
	}
	return docID, name, nil
}

func (h *Handler) handleGetAttachment(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	docID, name, err := attachmentTarget(r)
	if err != nil {
		h.sendError(w, err)
		return
	}

	revID := r.URL.Query().Get("rev")
	if revID == "" {
		body, err := db.GetDocument(docID, storage.DocumentOptions{})
		if err != nil {
			h.sendError(w, err)
			return
		}
		revID = body.RevID()
	}

	refs, err := db.Attachments(docID, revID)
	if err != nil {
		h.sendError(w, err)
		return
	}
	meta, ok := refs[name]
	if !ok {
		h.sendError(w, model.ErrNotFound)
		return
	}
	if checkETag(w, r, meta.Digest) {
		return
	}
	data, err := db.AttachmentContent(meta.Digest)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Length, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handlePutAttachment streams the request body into the blob store, then
// creates a new revision referencing it alongside the document's existing
// attachments.
func (h *Handler) handlePutAttachment(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	h.updateAttachment(w, r, db, false)
}

func (h *Handler) handleDeleteAttachment(w http.ResponseWriter, r *http.Request, db *storage.Database) {
	h.updateAttachment(w, r, db, true)
}

func (h *Handler) updateAttachment(w http.ResponseWriter, r *http.Request, db *storage.Database, remove bool) {
	docID, name, err := attachmentTarget(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	prevRevID := r.URL.Query().Get("rev")
	if prevRevID == "" {
		prevRevID = strings.Trim(r.Header.Get("If-Match"), `"`)
	}

	body := model.Body{}
	if prevRevID != "" {
		prev, err := db.GetDocument(docID, storage.DocumentOptions{RevID: prevRevID})
		if err != nil {
			h.sendError(w, err)
			return
		}
		body = prev.StripSpecialKeys()
		body["_rev"] = prevRevID
	} else if remove {
		h.sendError(w, model.NewError(model.StatusConflict, "attachment update requires rev"))
		return
	}

	atts := map[string]interface{}{}
	if prevRevID != "" {
		if refs, err := db.Attachments(docID, prevRevID); err == nil {
			for attName, meta := range refs {
				atts[attName] = map[string]interface{}{
					"stub":         true,
					"digest":       meta.Digest,
					"content_type": meta.ContentType,
					"revpos":       meta.RevPos,
				}
			}
		}
	}

	if remove {
		if _, ok := atts[name]; !ok {
			h.sendError(w, model.ErrNotFound)
			return
		}
		delete(atts, name)
	} else {
		digest, _, err := db.WriteAttachment(r.Body)
		if err != nil {
			h.sendError(w, err)
			return
		}
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		atts[name] = map[string]interface{}{
			"digest":       digest,
			"content_type": contentType,
		}
	}

	if len(atts) > 0 {
		body["_attachments"] = atts
	}
	rev, err := db.Put(docID, body, prevRevID, false)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendRevResponse(w, r, db, docID, rev.RevID)
}
