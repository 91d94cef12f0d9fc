package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/codetrek/synclite/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushLog struct {
	mu   sync.Mutex
	docs []map[string]interface{}
}

func (l *pushLog) add(docs []map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.docs = append(l.docs, docs...)
}

func (l *pushLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.docs)
}

// stubRemote accepts the replication wire protocol and remembers pushed docs.
func stubRemote(t *testing.T) (*httptest.Server, *pushLog) {
	t.Helper()
	pushed := &pushLog{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /peer/_local/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not_found"})
	})
	mux.HandleFunc("PUT /peer/_local/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "rev": "0-1"})
	})
	mux.HandleFunc("POST /peer/_revs_diff", func(w http.ResponseWriter, r *http.Request) {
		var req map[string][]string
		json.NewDecoder(r.Body).Decode(&req)
		response := make(map[string]interface{})
		for docID, revs := range req {
			response[docID] = map[string]interface{}{"missing": revs}
		}
		json.NewEncoder(w).Encode(response)
	})
	mux.HandleFunc("POST /peer/_bulk_docs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Docs []map[string]interface{} `json:"docs"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		pushed.add(req.Docs)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]interface{}{})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, pushed
}

func TestReplicateAndCancel(t *testing.T) {
	h, mgr := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	db, err := mgr.Get("db")
	require.NoError(t, err)
	_, err = db.Put("doc1", model.Body{"x": 1}, "", false)
	require.NoError(t, err)

	peer, pushed := stubRemote(t)

	spec := map[string]interface{}{
		"source":     "db",
		"target":     peer.URL + "/peer",
		"continuous": true,
	}
	w := doJSON(t, h, "POST", "/_replicate", spec)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["session_id"])

	// The push drains the existing document.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && pushed.count() == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	require.Positive(t, pushed.count())

	// It shows up as an active task.
	w = doJSON(t, h, "GET", "/_active_tasks", nil)
	var tasks []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Replication", tasks[0]["type"])

	// Cancelling with the same settings stops it.
	spec["cancel"] = true
	w = doJSON(t, h, "POST", "/_replicate", spec)
	require.Equal(t, http.StatusOK, w.Code)

	deadline = time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && len(db.ActiveReplicators()) > 0 {
		time.Sleep(20 * time.Millisecond)
	}
	assert.Empty(t, db.ActiveReplicators())

	// Cancelling again finds nothing.
	w = doJSON(t, h, "POST", "/_replicate", spec)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplicateRejectsAmbiguousSpec(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "POST", "/_replicate", map[string]interface{}{
		"source": "db", "target": "db",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, "POST", "/_replicate", map[string]interface{}{
		"source": "nosuch", "target": "http://peer/db",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
