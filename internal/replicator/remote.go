package replicator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/codetrek/synclite/pkg/model"
)

const (
	defaultHTTPTimeout        = 60 * time.Second
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultHTTPTLSTimeout     = 5 * time.Second
)

func newRemoteClient() *http.Client {
	dialer := &net.Dialer{Timeout: defaultHTTPConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHTTPTimeout,
		Jar:       jar,
	}
}

// newStreamingClient builds a client with no overall timeout; used for longpoll and continuous
// _changes feeds which stay open indefinitely.
func newStreamingClient(jar http.CookieJar) *http.Client {
	dialer := &net.Dialer{Timeout: defaultHTTPConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	return &http.Client{Transport: transport, Jar: jar}
}

// RemoteRequest is one in-flight HTTP call made by a replicator. It registers
// itself in the pool on start and deregisters on completion; cancelling the
// pool aborts the underlying request.
type RemoteRequest struct {
	Method string
	Path   string

	dontLog404 bool
	cancel     context.CancelFunc
}

// requestPool tracks a replicator's in-flight requests so stop can cancel
// them all. stopAll snapshots and clears the set before cancelling so that
// completion callbacks cannot re-enter the iteration.
type requestPool struct {
	mu  sync.Mutex
	set map[*RemoteRequest]struct{}
}

func newRequestPool() *requestPool {
	return &requestPool{set: make(map[*RemoteRequest]struct{})}
}

func (p *requestPool) register(r *RemoteRequest) {
	p.mu.Lock()
	p.set[r] = struct{}{}
	p.mu.Unlock()
}

func (p *requestPool) deregister(r *RemoteRequest) {
	p.mu.Lock()
	delete(p.set, r)
	p.mu.Unlock()
}

func (p *requestPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.set)
}

func (p *requestPool) stopAll() {
	p.mu.Lock()
	snapshot := make([]*RemoteRequest, 0, len(p.set))
	for r := range p.set {
		snapshot = append(snapshot, r)
	}
	p.set = make(map[*RemoteRequest]struct{})
	p.mu.Unlock()

	for _, r := range snapshot {
		r.cancel()
	}
}

type remoteRequestOptions struct {
	dontLog404 bool
	streaming  bool
}

// sendRemoteRequest performs one JSON request against the remote, relative to
// the remote root unless path is absolute. The completion callback runs on
// the replicator's event loop with the parsed body or the error.
func (r *Replicator) sendRemoteRequest(method, path string, body interface{}, opts remoteRequestOptions, completion func(result model.Body, err error)) {
	req := &RemoteRequest{Method: method, Path: path, dontLog404: opts.dontLog404}

	ctx, cancel := context.WithCancel(context.Background())
	req.cancel = cancel
	r.requests.register(req)
	r.asyncTaskStarted()

	go func() {
		result, err := r.performRequest(ctx, method, path, body, opts)
		r.requests.deregister(req)
		r.enqueue(func() {
			defer r.asyncTaskFinished()
			if err != nil && model.IsCancelled(err) {
				// Expected during stop; never surfaces.
				return
			}
			if err != nil {
				status := model.StatusOf(err)
				if !(status == model.StatusNotFound && req.dontLog404) {
					log.Printf("[Replicator] %s: %s %s failed: %v", r.sessionID, method, path, err)
				}
			}
			completion(result, err)
		})
	}()
}

func (r *Replicator) performRequest(ctx context.Context, method, path string, body interface{}, opts remoteRequestOptions) (model.Body, error) {
	resp, err := r.openRequest(ctx, method, path, body, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, translateNetError(err)
	}
	if resp.StatusCode >= 300 {
		return nil, httpError(resp.StatusCode, data)
	}
	return parseRemoteBody(data)
}

// arrayResultKey wraps top-level JSON arrays (e.g. _bulk_docs responses) so
// callers always receive a Body.
const arrayResultKey = "_array"

func parseRemoteBody(data []byte) (model.Body, error) {
	result := make(model.Body)
	if len(data) == 0 {
		return result, nil
	}
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, model.NewError(model.StatusBadJSON, "invalid JSON from remote: %v", err)
	}
	switch v := parsed.(type) {
	case map[string]interface{}:
		return model.Body(v), nil
	case []interface{}:
		result[arrayResultKey] = v
		return result, nil
	default:
		return nil, model.NewError(model.StatusBadJSON, "unexpected JSON from remote")
	}
}

// openRequest issues the request and returns the raw response for callers
// that stream the body (the puller's changes feeds).
func (r *Replicator) openRequest(ctx context.Context, method, path string, body interface{}, opts remoteRequestOptions) (*http.Response, error) {
	// Leading "/" resolves against the server root, everything else against
	// the database root.
	var u string
	switch {
	case strings.Contains(path, "://"):
		u = path
	case strings.HasPrefix(path, "/"):
		u = r.remote.Scheme + "://" + r.remote.Host + path
	case path == "":
		u = strings.TrimSuffix(r.remote.String(), "/")
	default:
		u = strings.TrimSuffix(r.remote.String(), "/") + "/" + path
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.options.Headers {
		req.Header.Set(k, v)
	}
	if auth := r.authorizer(); auth != nil {
		auth.AuthorizeRequest(req)
	}

	client := r.client
	if opts.streaming {
		client = r.streamClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, translateNetError(err)
	}
	return resp, nil
}

func translateNetError(err error) error {
	if errors.Is(err, context.Canceled) {
		return model.ErrCancelled
	}
	return model.NewError(model.StatusNetwork, "%v", err)
}

func httpError(statusCode int, body []byte) error {
	reason := ""
	envelope := make(map[string]interface{})
	if json.Unmarshal(body, &envelope) == nil {
		reason, _ = envelope["reason"].(string)
	}
	status := model.Status(statusCode)
	switch statusCode {
	case http.StatusUnauthorized:
		status = model.StatusUnauthorized
	case http.StatusNotFound:
		status = model.StatusNotFound
	case http.StatusConflict:
		status = model.StatusConflict
	case http.StatusPreconditionFailed:
		status = model.StatusDuplicate
	}
	if reason == "" {
		reason = fmt.Sprintf("remote returned %d", statusCode)
	}
	return model.NewError(status, "%s", reason)
}
