package router

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/codetrek/synclite/internal/replicator"
	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
	"github.com/google/uuid"
)

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"CouchbaseLite": "Welcome",
		"couchdb":       "Welcome",
		"version":       Version,
	})
}

func (h *Handler) handleAllDBs(w http.ResponseWriter, r *http.Request) {
	names, err := h.manager.AllNames()
	if err != nil {
		h.sendError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	h.sendJSON(w, http.StatusOK, names)
}

const maxUUIDCount = 1000

func (h *Handler) handleUUIDs(w http.ResponseWriter, r *http.Request) {
	count, err := intParam(r.URL.Query().Get("count"), 1)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if count < 0 {
		h.sendError(w, model.NewError(model.StatusBadParam, "count must be non-negative"))
		return
	}
	if count > maxUUIDCount {
		count = maxUUIDCount
	}
	uuids := make([]string, count)
	for i := range uuids {
		uuids[i] = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"uuids": uuids})
}

type replicateRequest struct {
	Source       string                 `json:"source"`
	Target       string                 `json:"target"`
	Continuous   bool                   `json:"continuous"`
	Cancel       bool                   `json:"cancel"`
	CreateTarget bool                   `json:"create_target"`
	Reset        bool                   `json:"reset"`
	Filter       string                 `json:"filter"`
	QueryParams  map[string]interface{} `json:"query_params"`
	Headers      map[string]string      `json:"headers"`
	Auth         map[string]interface{} `json:"auth"`
}

// handleReplicate starts a replication, or with cancel:true stops the running
// task whose settings match.
func (h *Handler) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if err := readJSONBody(r, &req); err != nil {
		h.sendError(w, err)
		return
	}

	repl, err := h.buildReplicator(req)
	if err != nil {
		h.sendError(w, err)
		return
	}

	if req.Cancel {
		existing := h.findReplicatorLike(repl)
		if existing == nil {
			h.sendError(w, model.ErrNotFound)
			return
		}
		existing.Stop()
		h.sendJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
		return
	}

	repl.Start()
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"session_id": repl.SessionID(),
	})
}

// buildReplicator resolves source/target into a local database plus a remote
// URL and constructs the matching pusher or puller.
func (h *Handler) buildReplicator(req replicateRequest) (*replicator.Replicator, error) {
	if req.Source == "" || req.Target == "" {
		return nil, model.NewError(model.StatusBadRequest, "source and target are required")
	}
	sourceRemote := isRemoteURL(req.Source)
	targetRemote := isRemoteURL(req.Target)
	if sourceRemote == targetRemote {
		return nil, model.NewError(model.StatusBadRequest, "exactly one of source and target must be a URL")
	}

	opts := replicator.Options{
		Continuous:   req.Continuous,
		CreateTarget: req.CreateTarget,
		Reset:        req.Reset,
		Filter:       req.Filter,
		FilterParams: req.QueryParams,
		Headers:      req.Headers,
		Auth:         req.Auth,
	}

	if targetRemote {
		db, err := h.manager.Get(req.Source)
		if err != nil {
			return nil, err
		}
		remote, err := url.Parse(req.Target)
		if err != nil {
			return nil, model.NewError(model.StatusBadRequest, "invalid target URL")
		}
		return replicator.NewPusher(db, remote, opts), nil
	}

	db, err := h.manager.Get(req.Target)
	if err != nil {
		return nil, err
	}
	remote, err := url.Parse(req.Source)
	if err != nil {
		return nil, model.NewError(model.StatusBadRequest, "invalid source URL")
	}
	return replicator.NewPuller(db, remote, opts), nil
}

func isRemoteURL(s string) bool {
	return strings.Contains(s, "://")
}

func (h *Handler) findReplicatorLike(candidate *replicator.Replicator) *replicator.Replicator {
	for _, db := range h.manager.OpenDatabases() {
		task := db.ActiveReplicatorLike(func(t storage.ActiveTask) bool {
			repl, ok := t.(*replicator.Replicator)
			return ok && repl.HasSameSettingsAs(candidate)
		})
		if repl, ok := task.(*replicator.Replicator); ok {
			return repl
		}
	}
	return nil
}

// handleActiveTasks snapshots running replications; with feed=continuous the
// connection stays open and streams task updates as NDJSON.
func (h *Handler) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.activeTaskSnapshot()
	if r.URL.Query().Get("feed") != "continuous" {
		h.sendJSON(w, http.StatusOK, tasks)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flush := flusher(w)
	for _, task := range tasks {
		if err := writeNDJSON(w, flush, task); err != nil {
			return
		}
	}

	// Merge progress and stop notifications from every running replicator.
	events := make(chan replicator.Event, 64)
	var cancels []func()
	for _, db := range h.manager.OpenDatabases() {
		for _, task := range db.ActiveReplicators() {
			repl, ok := task.(*replicator.Replicator)
			if !ok {
				continue
			}
			sub := repl.Subscribe()
			cancels = append(cancels, func() { repl.Unsubscribe(sub) })
			go func() {
				for evt := range sub {
					select {
					case events <- evt:
					case <-r.Context().Done():
						return
					}
				}
			}()
		}
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			if err := writeNDJSON(w, flush, evt.Task); err != nil {
				return
			}
		}
	}
}

func (h *Handler) activeTaskSnapshot() []map[string]interface{} {
	tasks := []map[string]interface{}{}
	for _, db := range h.manager.OpenDatabases() {
		for _, task := range db.ActiveReplicators() {
			tasks = append(tasks, task.ActiveTaskInfo())
		}
	}
	return tasks
}

// handleSession reports a no-auth admin session; the engine is single-user.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"userCtx": map[string]interface{}{
			"name":  nil,
			"roles": []string{"_admin"},
		},
	})
}

func (h *Handler) handlePersonaAssertion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Assertion string `json:"assertion"`
	}
	if err := readJSONBody(r, &body); err != nil {
		h.sendError(w, err)
		return
	}
	auth := &replicator.PersonaAuthorizer{Assertion: body.Assertion}
	email := auth.Email()
	if email == "" {
		h.sendError(w, model.NewError(model.StatusBadRequest, "invalid assertion"))
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "email": email})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
}
