// Package router translates CouchDB-style REST requests into operations on
// the local store and the replicator engine, including the long-lived
// streaming responses (_changes feeds, _active_tasks).
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
)

// Version is reported by GET / and the Server header.
const Version = "1.2.0"

var metricRequests = metrics.NewCounter("synclite_http_requests_total")

// Handler is the REST façade over a database manager.
type Handler struct {
	manager *storage.Manager
	mux     *http.ServeMux
}

func NewHandler(manager *storage.Manager) *Handler {
	h := &Handler{
		manager: manager,
		mux:     http.NewServeMux(),
	}
	h.routes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metricRequests.Inc()
	w.Header().Set("Server", "synclite/"+Version)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	// Server level
	h.mux.HandleFunc("GET /{$}", h.handleRoot)
	h.mux.HandleFunc("GET /_all_dbs", h.handleAllDBs)
	h.mux.HandleFunc("GET /_uuids", h.handleUUIDs)
	h.mux.HandleFunc("POST /_replicate", h.handleReplicate)
	h.mux.HandleFunc("GET /_active_tasks", h.handleActiveTasks)
	h.mux.HandleFunc("GET /_session", h.handleSession)
	h.mux.HandleFunc("POST /_session", h.handleSession)
	h.mux.HandleFunc("POST /_persona_assertion", h.handlePersonaAssertion)
	h.mux.HandleFunc("GET /_stats", h.handleStats)

	// Database level
	h.mux.HandleFunc("GET /{db}", h.withDB(h.handleGetDB))
	h.mux.HandleFunc("PUT /{db}", h.handlePutDB)
	h.mux.HandleFunc("DELETE /{db}", h.withDB(h.handleDeleteDB))
	h.mux.HandleFunc("POST /{db}", h.withDB(h.handlePostDoc))
	h.mux.HandleFunc("GET /{db}/_all_docs", h.withDB(h.handleAllDocs))
	h.mux.HandleFunc("POST /{db}/_all_docs", h.withDB(h.handleAllDocs))
	h.mux.HandleFunc("POST /{db}/_bulk_docs", h.withDB(h.handleBulkDocs))
	h.mux.HandleFunc("POST /{db}/_revs_diff", h.withDB(h.handleRevsDiff))
	h.mux.HandleFunc("POST /{db}/_compact", h.withDB(h.handleCompact))
	h.mux.HandleFunc("POST /{db}/_ensure_full_commit", h.withDB(h.handleEnsureFullCommit))
	h.mux.HandleFunc("POST /{db}/_purge", h.withDB(h.handlePurge))
	h.mux.HandleFunc("GET /{db}/_changes", h.withDB(h.handleChanges))
	h.mux.HandleFunc("POST /{db}/_temp_view", h.withDB(h.handleTempView))
	h.mux.HandleFunc("GET /{db}/_design/{ddoc}/_view/{view}", h.withDB(h.handleView))
	h.mux.HandleFunc("POST /{db}/_design/{ddoc}/_view/{view}", h.withDB(h.handleView))

	// Design documents are ordinary documents with a slash in the ID.
	h.mux.HandleFunc("GET /{db}/_design/{ddoc}", h.withDB(h.handleGetDoc))
	h.mux.HandleFunc("PUT /{db}/_design/{ddoc}", h.withDB(h.handlePutDoc))
	h.mux.HandleFunc("DELETE /{db}/_design/{ddoc}", h.withDB(h.handleDeleteDoc))
	h.mux.HandleFunc("GET /{db}/_design/{ddoc}/{att...}", h.withDB(h.handleGetAttachment))
	h.mux.HandleFunc("PUT /{db}/_design/{ddoc}/{att...}", h.withDB(h.handlePutAttachment))
	h.mux.HandleFunc("DELETE /{db}/_design/{ddoc}/{att...}", h.withDB(h.handleDeleteAttachment))

	// Local documents bypass the revision tree.
	h.mux.HandleFunc("GET /{db}/_local/{docid}", h.withDB(h.handleGetLocalDoc))
	h.mux.HandleFunc("PUT /{db}/_local/{docid}", h.withDB(h.handlePutLocalDoc))
	h.mux.HandleFunc("DELETE /{db}/_local/{docid}", h.withDB(h.handleDeleteLocalDoc))

	// Documents and attachments
	h.mux.HandleFunc("GET /{db}/{docid}", h.withDB(h.handleGetDoc))
	h.mux.HandleFunc("PUT /{db}/{docid}", h.withDB(h.handlePutDoc))
	h.mux.HandleFunc("DELETE /{db}/{docid}", h.withDB(h.handleDeleteDoc))
	h.mux.HandleFunc("GET /{db}/{docid}/{att...}", h.withDB(h.handleGetAttachment))
	h.mux.HandleFunc("PUT /{db}/{docid}/{att...}", h.withDB(h.handlePutAttachment))
	h.mux.HandleFunc("DELETE /{db}/{docid}/{att...}", h.withDB(h.handleDeleteAttachment))
}

type dbHandlerFunc func(w http.ResponseWriter, r *http.Request, db *storage.Database)

// withDB resolves the {db} path segment before invoking the handler.
func (h *Handler) withDB(fn dbHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("db")
		db, err := h.manager.Get(name)
		if err != nil {
			h.sendError(w, err)
			return
		}
		fn(w, r, db)
	}
}

// docIDFromRequest reassembles document IDs that route through the _design
// pattern.
func docIDFromRequest(r *http.Request) (string, error) {
	if ddoc := r.PathValue("ddoc"); ddoc != "" {
		return "_design/" + ddoc, nil
	}
	docID := r.PathValue("docid")
	if strings.HasPrefix(docID, "_") {
		return "", model.NewError(model.StatusBadID, "document IDs may not start with an underscore")
	}
	return docID, nil
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func (h *Handler) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// sendError writes the {error, reason} envelope for a failed operation.
func (h *Handler) sendError(w http.ResponseWriter, err error) {
	status := model.StatusOf(err)
	code, name := status.HTTPStatus()
	reason := name
	var me *model.Error
	if errors.As(err, &me) && me.Reason != "" {
		reason = me.Reason
	}
	h.sendJSON(w, code, map[string]interface{}{"error": name, "reason": reason})
}

// checkETag sets the ETag header; when the request already holds the current
// tag it writes 304 and reports done.
func checkETag(w http.ResponseWriter, r *http.Request, etag string) bool {
	quoted := strconv.Quote(etag)
	w.Header().Set("Etag", quoted)
	if r.Header.Get("If-None-Match") == quoted {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func readJSONBody(r *http.Request, into interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return model.NewError(model.StatusBadRequest, "error reading body: %v", err)
	}
	if len(data) == 0 {
		return model.NewError(model.StatusBadJSON, "empty body")
	}
	if err := json.Unmarshal(data, into); err != nil {
		return model.NewError(model.StatusBadJSON, "invalid JSON: %v", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Query-string parsing
// ---------------------------------------------------------------------------

func parseQueryOptions(r *http.Request) (model.QueryOptions, error) {
	opts := model.DefaultQueryOptions()
	q := r.URL.Query()

	var err error
	if opts.Skip, err = intParam(q.Get("skip"), 0); err != nil {
		return opts, err
	}
	if opts.Limit, err = intParam(q.Get("limit"), -1); err != nil {
		return opts, err
	}
	if opts.GroupLevel, err = intParam(q.Get("group_level"), 0); err != nil {
		return opts, err
	}
	opts.Descending = boolParam(q.Get("descending"))
	opts.IncludeDocs = boolParam(q.Get("include_docs"))
	opts.UpdateSeq = boolParam(q.Get("update_seq"))
	opts.Group = boolParam(q.Get("group"))
	opts.Reduce = q.Get("reduce") != "false"
	opts.Stale = q.Get("stale") == "ok"

	if opts.StartKey, err = jsonParam(q.Get("startkey"), q.Get("start_key")); err != nil {
		return opts, err
	}
	if opts.EndKey, err = jsonParam(q.Get("endkey"), q.Get("end_key")); err != nil {
		return opts, err
	}
	if raw := q.Get("keys"); raw != "" {
		var keys []interface{}
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return opts, model.NewError(model.StatusBadParam, "invalid keys: %v", err)
		}
		opts.Keys = keys
	}
	return opts, nil
}

func intParam(raw string, dflt int) (int, error) {
	if raw == "" {
		return dflt, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return dflt, model.NewError(model.StatusBadParam, "invalid integer parameter %q", raw)
	}
	return n, nil
}

func boolParam(raw string) bool {
	return raw == "true" || raw == "1"
}

func jsonParam(raws ...string) (interface{}, error) {
	for _, raw := range raws {
		if raw == "" {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, model.NewError(model.StatusBadParam, "invalid JSON parameter %q", raw)
		}
		return v, nil
	}
	return nil, nil
}

// mergeKeysFromPost folds a POSTed {keys: [...]} body into query options.
func mergeKeysFromPost(r *http.Request, opts *model.QueryOptions) error {
	if r.Method != http.MethodPost {
		return nil
	}
	var body struct {
		Keys []interface{} `json:"keys"`
	}
	if err := readJSONBody(r, &body); err != nil {
		return err
	}
	if body.Keys == nil {
		return model.NewError(model.StatusBadParam, "POST body requires a keys array")
	}
	opts.Keys = body.Keys
	return nil
}

func flusher(w http.ResponseWriter) func() {
	if f, ok := w.(http.Flusher); ok {
		return f.Flush
	}
	return func() {}
}

func writeNDJSON(w http.ResponseWriter, flush func(), record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return err
	}
	flush()
	return nil
}
