package router

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
)

func wantsMultipart(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "multipart/related") || strings.Contains(accept, "multipart/*")
}

// readMultipartDocument parses a multipart/related document upload: a JSON
// root part followed by one binary part per attachment marked follows:true.
// A binary part matches the attachment named by its filename; a part without
// a matching filename takes one of the remaining follows:true entries, in no
// defined order.
func readMultipartDocument(r *http.Request, db *storage.Database) (model.Body, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		return nil, model.NewError(model.StatusUnsupportedType, "missing multipart boundary")
	}
	reader := multipart.NewReader(r.Body, params["boundary"])

	rootPart, err := reader.NextPart()
	if err != nil {
		return nil, model.NewError(model.StatusBadRequest, "missing multipart root part: %v", err)
	}
	body := make(model.Body)
	if err := json.NewDecoder(rootPart).Decode(&body); err != nil {
		return nil, model.NewError(model.StatusBadJSON, "invalid JSON root part: %v", err)
	}

	atts := body.Attachments()
	var following []string
	for name, raw := range atts {
		meta, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if follows, _ := meta["follows"].(bool); follows {
			following = append(following, name)
		}
	}
	// Declaration order is lost in the decoded map; fall back to matching by
	// the part's declared name, then by remaining order.
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, model.NewError(model.StatusBadAttachment, "reading attachment part: %v", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, model.NewError(model.StatusBadAttachment, "reading attachment part: %v", err)
		}
		name := partAttachmentName(part, following)
		if name == "" {
			return nil, model.NewError(model.StatusBadAttachment, "unexpected extra multipart part")
		}
		following = remove(following, name)
		meta := atts[name].(map[string]interface{})
		delete(meta, "follows")
		meta["data"] = base64.StdEncoding.EncodeToString(data)
	}
	if len(following) > 0 {
		return nil, model.NewError(model.StatusBadAttachment, "attachment %q has no part", following[0])
	}
	return body, nil
}

func partAttachmentName(part *multipart.Part, following []string) string {
	if name := part.FileName(); name != "" && contains(following, name) {
		return name
	}
	if cd := part.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; contains(following, name) {
				return name
			}
		}
	}
	if len(following) > 0 {
		return following[0]
	}
	return ""
}

// sendMultipartDocument streams a document as multipart/related: the JSON
// root with follows markers, then the raw bytes of each attachment.
func (h *Handler) sendMultipartDocument(w http.ResponseWriter, db *storage.Database, body model.Body) {
	atts := body.Attachments()
	type blob struct {
		name        string
		contentType string
		data        []byte
	}
	var blobs []blob
	for name, raw := range atts {
		meta, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		digest, _ := meta["digest"].(string)
		data, err := db.AttachmentContent(digest)
		if err != nil {
			h.sendError(w, err)
			return
		}
		contentType, _ := meta["content_type"].(string)
		blobs = append(blobs, blob{name: name, contentType: contentType, data: data})
		delete(meta, "data")
		delete(meta, "stub")
		meta["follows"] = true
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)

	rootHeader := textproto.MIMEHeader{}
	rootHeader.Set("Content-Type", "application/json")
	root, err := mw.CreatePart(rootHeader)
	if err != nil {
		return
	}
	if err := json.NewEncoder(root).Encode(body); err != nil {
		return
	}

	for _, b := range blobs {
		header := textproto.MIMEHeader{}
		if b.contentType != "" {
			header.Set("Content-Type", b.contentType)
		}
		header.Set("Content-Disposition", `attachment; filename=`+`"`+b.name+`"`)
		part, err := mw.CreatePart(header)
		if err != nil {
			return
		}
		if _, err := part.Write(b.data); err != nil {
			return
		}
	}
	mw.Close()
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	for i, item := range list {
		if item == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
