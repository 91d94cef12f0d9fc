package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *storage.Manager) {
	t.Helper()
	mgr, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return NewHandler(mgr), mgr
}

func doJSON(t *testing.T, h *Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := make(map[string]interface{})
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRootWelcome(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doJSON(t, h, "GET", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Welcome", body["CouchbaseLite"])
	assert.Equal(t, "Welcome", body["couchdb"])
	assert.Equal(t, Version, body["version"])
	assert.Contains(t, w.Header().Get("Server"), "synclite/")
}

func TestCreateAndDeleteDatabase(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, "PUT", "/testdb", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "/testdb", w.Header().Get("Location"))

	// Creating again is a 412.
	w = doJSON(t, h, "PUT", "/testdb", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = doJSON(t, h, "GET", "/testdb", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeBody(t, w)
	assert.Equal(t, "testdb", info["db_name"])
	assert.Equal(t, float64(0), info["doc_count"])

	w = doJSON(t, h, "GET", "/_all_dbs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var names []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &names))
	assert.Equal(t, []string{"testdb"}, names)

	// DELETE with ?rev= is the classic doc/db mixup.
	w = doJSON(t, h, "DELETE", "/testdb?rev=1-abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, "DELETE", "/testdb", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, h, "DELETE", "/testdb", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidDatabaseName(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doJSON(t, h, "PUT", "/UPPER", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownPathAndMethod(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/testdb", nil)

	// Document paths only accept GET/PUT/DELETE.
	w := doJSON(t, h, "POST", "/testdb/doc1", model.Body{"x": 1})
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = doJSON(t, h, "GET", "/nosuchdb", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUUIDsBoundaries(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, "GET", "/_uuids", nil)
	body := decodeBody(t, w)
	assert.Len(t, body["uuids"], 1)

	w = doJSON(t, h, "GET", "/_uuids?count=0", nil)
	body = decodeBody(t, w)
	assert.Empty(t, body["uuids"])

	w = doJSON(t, h, "GET", "/_uuids?count=10000", nil)
	body = decodeBody(t, w)
	assert.Len(t, body["uuids"], 1000)
}

func TestDocumentLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "PUT", "/db/doc1", model.Body{"title": "first"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody(t, w)
	rev1 := created["rev"].(string)
	assert.Equal(t, true, created["ok"])
	assert.Equal(t, "/db/doc1", w.Header().Get("Location"))
	assert.Equal(t, `"`+rev1+`"`, w.Header().Get("Etag"))

	w = doJSON(t, h, "GET", "/db/doc1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	doc := decodeBody(t, w)
	assert.Equal(t, "first", doc["title"])
	assert.Equal(t, rev1, doc["_rev"])

	// Conditional GET returns 304 on a matching ETag.
	req := httptest.NewRequest("GET", "/db/doc1", nil)
	req.Header.Set("If-None-Match", `"`+rev1+`"`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	// Update without a rev conflicts; with If-Match it succeeds.
	w = doJSON(t, h, "PUT", "/db/doc1", model.Body{"title": "second"})
	assert.Equal(t, http.StatusConflict, w.Code)

	req = httptest.NewRequest("PUT", "/db/doc1", bytes.NewReader([]byte(`{"title":"second"}`)))
	req.Header.Set("If-Match", `"`+rev1+`"`)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	rev2 := decodeBody(t, rec)["rev"].(string)

	w = doJSON(t, h, "DELETE", "/db/doc1?rev="+rev2, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, h, "GET", "/db/doc1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostGeneratesDocID(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "POST", "/db", model.Body{"v": 1})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["id"])
}

func TestReservedDocIDRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "PUT", "/db/_nope", model.Body{"v": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkDocs(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "POST", "/db/_bulk_docs", map[string]interface{}{
		"docs": []model.Body{{"_id": "a", "x": 1}, {"_id": "b", "x": 2}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0]["id"])
	assert.Equal(t, true, results[0]["ok"])
	assert.True(t, strings.HasPrefix(results[0]["rev"].(string), "1-"))
	assert.Equal(t, "b", results[1]["id"])
}

func TestBulkDocsPerDocErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	doJSON(t, h, "PUT", "/db/a", model.Body{"x": 0})

	// "a" exists, so creating it again conflicts; "c" succeeds.
	w := doJSON(t, h, "POST", "/db/_bulk_docs", map[string]interface{}{
		"docs": []model.Body{{"_id": "a", "x": 1}, {"_id": "c", "x": 2}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "conflict", results[0]["error"])
	assert.Equal(t, true, results[1]["ok"])
}

func TestBulkDocsAllOrNothingIsAtomic(t *testing.T) {
	h, mgr := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	doJSON(t, h, "PUT", "/db/a", model.Body{"x": 0})

	w := doJSON(t, h, "POST", "/db/_bulk_docs", map[string]interface{}{
		"all_or_nothing": true,
		"docs":           []model.Body{{"_id": "c", "x": 2}, {"_id": "a", "x": 1}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Nothing from the failed batch is visible.
	db, err := mgr.Get("db")
	require.NoError(t, err)
	_, err = db.GetDocument("c", storage.DocumentOptions{})
	assert.Error(t, err)
}

func TestBulkDocsNewEditsFalse(t *testing.T) {
	h, mgr := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "POST", "/db/_bulk_docs", map[string]interface{}{
		"new_edits": false,
		"docs": []model.Body{{
			"_id": "a", "_rev": "2-bbb", "x": 2,
			"_revisions": map[string]interface{}{"start": 2, "ids": []string{"bbb", "aaa"}},
		}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	assert.Empty(t, results, "replicated inserts are omitted from the response")

	db, err := mgr.Get("db")
	require.NoError(t, err)
	body, err := db.GetDocument("a", storage.DocumentOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2-bbb", body.RevID())
}

func TestRevsDiff(t *testing.T) {
	h, mgr := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	db, err := mgr.Get("db")
	require.NoError(t, err)
	rev, err := db.Put("a", model.Body{"x": 1}, "", false)
	require.NoError(t, err)

	w := doJSON(t, h, "POST", "/db/_revs_diff", map[string][]string{
		"a": {rev.RevID, "2-y"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	entry := body["a"].(map[string]interface{})
	assert.Equal(t, []interface{}{"2-y"}, entry["missing"])
	assert.Equal(t, []interface{}{rev.RevID}, entry["possible_ancestors"])
}

func TestChangesFeedNormal(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	doJSON(t, h, "POST", "/db/_bulk_docs", map[string]interface{}{
		"docs": []model.Body{{"_id": "a", "x": 1}, {"_id": "b", "x": 2}},
	})

	w := doJSON(t, h, "GET", "/db/_changes?since=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	results := body["results"].([]interface{})
	require.Len(t, results, 2)
	first := results[0].(map[string]interface{})
	assert.Equal(t, float64(1), first["seq"])
	assert.Equal(t, "a", first["id"])
	changes := first["changes"].([]interface{})
	require.Len(t, changes, 1)
	assert.True(t, strings.HasPrefix(changes[0].(map[string]interface{})["rev"].(string), "1-"))
	assert.Equal(t, float64(2), body["last_seq"])

	// since filters already-seen changes.
	w = doJSON(t, h, "GET", "/db/_changes?since=2", nil)
	body = decodeBody(t, w)
	assert.Empty(t, body["results"])
	assert.Equal(t, float64(2), body["last_seq"])
}

func TestChangesLongpollReturnsOnChange(t *testing.T) {
	h, mgr := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	db, err := mgr.Get("db")
	require.NoError(t, err)

	server := httptest.NewServer(h)
	defer server.Close()

	done := make(chan map[string]interface{}, 1)
	go func() {
		resp, err := http.Get(server.URL + "/db/_changes?feed=longpoll&since=0")
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()
		body := make(map[string]interface{})
		json.NewDecoder(resp.Body).Decode(&body)
		done <- body
	}()

	// Give the longpoll a moment to park, then commit.
	waitForSubscribers(t, db)
	_, err = db.Put("late", model.Body{"x": 1}, "", false)
	require.NoError(t, err)

	body := <-done
	require.NotNil(t, body)
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "late", results[0].(map[string]interface{})["id"])
}

func TestChangesContinuousStreamsNDJSON(t *testing.T) {
	h, mgr := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	db, err := mgr.Get("db")
	require.NoError(t, err)
	_, err = db.Put("first", model.Body{"x": 1}, "", false)
	require.NoError(t, err)

	server := httptest.NewServer(h)
	defer server.Close()

	resp, err := http.Get(server.URL + "/db/_changes?feed=continuous&since=0")
	require.NoError(t, err)
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	row := make(map[string]interface{})
	require.NoError(t, decoder.Decode(&row))
	assert.Equal(t, "first", row["id"])

	_, err = db.Put("second", model.Body{"x": 2}, "", false)
	require.NoError(t, err)
	row = make(map[string]interface{})
	require.NoError(t, decoder.Decode(&row))
	assert.Equal(t, "second", row["id"])
}

func TestAllDocsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	doJSON(t, h, "POST", "/db/_bulk_docs", map[string]interface{}{
		"docs": []model.Body{{"_id": "a", "x": 1}, {"_id": "b", "x": 2}},
	})

	w := doJSON(t, h, "GET", "/db/_all_docs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["total_rows"])
	assert.Len(t, body["rows"], 2)

	// limit=0 returns no rows but the true total.
	w = doJSON(t, h, "GET", "/db/_all_docs?limit=0", nil)
	body = decodeBody(t, w)
	assert.Empty(t, body["rows"])
	assert.Equal(t, float64(2), body["total_rows"])

	// POST with explicit keys.
	w = doJSON(t, h, "POST", "/db/_all_docs", map[string]interface{}{"keys": []string{"b", "missing"}})
	body = decodeBody(t, w)
	rows := body["rows"].([]interface{})
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].(map[string]interface{})["id"])
	assert.Equal(t, "not_found", rows[1].(map[string]interface{})["error"])
}

func TestCompactAndEnsureFullCommit(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "POST", "/db/_compact", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, h, "POST", "/db/_ensure_full_commit", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["ok"])
}

func TestPurgeEndpoint(t *testing.T) {
	h, mgr := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	db, _ := mgr.Get("db")
	rev, err := db.Put("a", model.Body{"x": 1}, "", false)
	require.NoError(t, err)

	w := doJSON(t, h, "POST", "/db/_purge", map[string][]string{"a": {rev.RevID}})
	require.Equal(t, http.StatusOK, w.Code)
	purged := decodeBody(t, w)["purged"].(map[string]interface{})
	assert.Equal(t, []interface{}{rev.RevID}, purged["a"])
}

func TestLocalDocEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "PUT", "/db/_local/ckpt", model.Body{"lastSequence": "7"})
	require.Equal(t, http.StatusCreated, w.Code)
	rev := decodeBody(t, w)["rev"].(string)

	w = doJSON(t, h, "GET", "/db/_local/ckpt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "_local/ckpt", body["_id"])
	assert.Equal(t, "7", body["lastSequence"])

	w = doJSON(t, h, "DELETE", "/db/_local/ckpt?rev="+rev, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, h, "GET", "/db/_local/ckpt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewEditsFalsePreservesRevID(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)

	w := doJSON(t, h, "PUT", "/db/doc1?new_edits=false", model.Body{
		"_rev": "4-cafebabe", "v": 4,
		"_revisions": map[string]interface{}{"start": 4, "ids": []string{"cafebabe", "3"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "4-cafebabe", decodeBody(t, w)["rev"])

	w = doJSON(t, h, "GET", "/db/doc1", nil)
	assert.Equal(t, "4-cafebabe", decodeBody(t, w)["_rev"])
}

func TestOpenRevs(t *testing.T) {
	h, mgr := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	db, _ := mgr.Get("db")
	require.NoError(t, db.ForceInsert(&model.Revision{DocID: "a", RevID: "1-aaa", Body: model.Body{"v": "a"}}, nil))
	require.NoError(t, db.ForceInsert(&model.Revision{DocID: "a", RevID: "1-bbb", Body: model.Body{"v": "b"}}, nil))

	w := doJSON(t, h, "GET", "/db/a?open_revs=all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	for _, entry := range results {
		assert.Contains(t, entry, "ok")
	}

	w = doJSON(t, h, "GET", `/db/a?open_revs=["1-aaa","9-nope"]`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	results = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Contains(t, results[0], "ok")
	assert.Equal(t, "9-nope", results[1]["missing"])
}

func TestAttachmentEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	w := doJSON(t, h, "PUT", "/db/doc1", model.Body{"title": "hi"})
	rev1 := decodeBody(t, w)["rev"].(string)

	payload := []byte("binary attachment data")
	req := httptest.NewRequest("PUT", "/db/doc1/file.bin?rev="+rev1, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/custom")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	rev2 := decodeBody(t, rec)["rev"].(string)

	w = doJSON(t, h, "GET", "/db/doc1/file.bin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/custom", w.Header().Get("Content-Type"))
	assert.Equal(t, payload, w.Body.Bytes())

	// The parent document lists the attachment as a stub.
	w = doJSON(t, h, "GET", "/db/doc1", nil)
	doc := decodeBody(t, w)
	atts := doc["_attachments"].(map[string]interface{})
	meta := atts["file.bin"].(map[string]interface{})
	assert.Equal(t, true, meta["stub"])
	assert.Equal(t, float64(len(payload)), meta["length"])

	// Delete the attachment; the next revision has none.
	w = doJSON(t, h, "DELETE", "/db/doc1/file.bin?rev="+rev2, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, h, "GET", "/db/doc1/file.bin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMultipartDocumentGet(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	doJSON(t, h, "PUT", "/db/doc1", model.Body{
		"title": "with att",
		"_attachments": map[string]interface{}{
			"a.txt": map[string]interface{}{
				"content_type": "text/plain",
				"data":         "aGVsbG8=", // "hello"
			},
		},
	})

	req := httptest.NewRequest("GET", "/db/doc1?attachments=true", nil)
	req.Header.Set("Accept", "multipart/related")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "multipart/related")
	assert.Contains(t, rec.Body.String(), `"follows":true`)
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestDesignDocViewQuery(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	doJSON(t, h, "PUT", "/db/_design/app", model.Body{
		"views": map[string]interface{}{
			"by_kind": map[string]interface{}{"map": "kind", "reduce": "_count"},
		},
	})
	doJSON(t, h, "POST", "/db/_bulk_docs", map[string]interface{}{
		"docs": []model.Body{
			{"_id": "d1", "kind": "x"},
			{"_id": "d2", "kind": "x"},
			{"_id": "d3", "kind": "y"},
		},
	})

	w := doJSON(t, h, "GET", "/db/_design/app/_view/by_kind?reduce=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Len(t, body["rows"], 3)

	w = doJSON(t, h, "GET", "/db/_design/app/_view/by_kind?group=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decodeBody(t, w)["rows"].([]interface{})
	require.Len(t, rows, 2)
	first := rows[0].(map[string]interface{})
	assert.Equal(t, "x", first["key"])
	assert.Equal(t, float64(2), first["value"])
}

func TestTempView(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, "PUT", "/db", nil)
	doJSON(t, h, "PUT", "/db/doc1", model.Body{"kind": "x"})

	w := doJSON(t, h, "POST", "/db/_temp_view", map[string]interface{}{"map": "kind"})
	require.Equal(t, http.StatusOK, w.Code)
	rows := decodeBody(t, w)["rows"].([]interface{})
	require.Len(t, rows, 1)

	// A bad view definition is a 400.
	w = doJSON(t, h, "POST", "/db/_temp_view", map[string]interface{}{"map": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doJSON(t, h, "GET", "/_session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	userCtx := body["userCtx"].(map[string]interface{})
	assert.Contains(t, userCtx["roles"], "_admin")
}

// waitForSubscribers blocks until the longpoll handler has parked on the
// broker, so a subsequent commit is guaranteed to wake it.
func waitForSubscribers(t *testing.T, db *storage.Database) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if db.Broker().SubscriberCount() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no subscriber appeared")
}
