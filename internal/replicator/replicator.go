package replicator

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
)

const (
	inboxCapacity    = 100
	inboxDelay       = 500 * time.Millisecond
	retryDelay       = 60 * time.Second
	checkpointWindow = 5 * time.Second
)

// Options is the recognized replication configuration.
type Options struct {
	Continuous   bool
	CreateTarget bool
	Reset        bool
	Filter       string
	FilterParams map[string]interface{}
	Headers      map[string]string
	Auth         map[string]interface{}
}

// transport is the push/pull specialization of a replicator.
type transport interface {
	beginReplicating()
	processInbox(inbox []*pendingRevision)
	retry()
	// maybeCreateRemoteDB runs when the remote checkpoint is absent; next
	// continues checkpoint comparison once the remote database exists.
	maybeCreateRemoteDB(next func())
	stopTransport()
}

// pendingRevision is one inbox entry: a revision plus the sequence it arrived
// under (the opaque remote sequence for pulls, the local sequence for pushes).
type pendingRevision struct {
	rev       *model.Revision
	remoteSeq string
}

// EventType distinguishes replicator notifications.
type EventType int

const (
	EventProgress EventType = iota
	EventStopped
)

// Event is a progress or stop notification.
type Event struct {
	Type EventType
	Task map[string]interface{}
}

var sessionCounter atomic.Uint64

// Replicator drives one replication task. All state below the event-loop
// marker is owned by the loop goroutine; external callers interact through
// Start, Stop and the notification channel.
type Replicator struct {
	db      *storage.Database
	remote  *url.URL
	push    bool
	options Options

	sessionID    string
	checkpointID string

	client       *http.Client
	streamClient *http.Client
	requests     *requestPool
	reach        *Reachability

	dispatch chan func()
	loopOnce sync.Once
	finished atomic.Bool

	authMu sync.Mutex
	auth   Authorizer

	asyncMu    sync.Mutex
	asyncCount int

	subsMu sync.Mutex
	subs   map[chan Event]struct{}

	// Event-loop state.
	running             bool
	online              bool
	active              bool
	stopping            bool
	reauthTried         bool
	lastSequence        string
	lastSequenceChanged bool
	savingCheckpoint    bool
	overdueForSave      bool
	remoteCheckpoint    model.Body
	checkpointTimer     *time.Timer
	retryTimer          *time.Timer
	revisionsFailed     int
	changesProcessed    int
	changesTotal        int
	lastError           error

	batcher  *Batcher[*pendingRevision]
	tracker  *sequenceTracker
	delegate transport
}

func newReplicator(db *storage.Database, remote *url.URL, push bool, opts Options) *Replicator {
	client := newRemoteClient()
	r := &Replicator{
		db:           db,
		remote:       remote,
		push:         push,
		options:      opts,
		client:       client,
		streamClient: newStreamingClient(client.Jar),
		requests:     newRequestPool(),
		dispatch:     make(chan func(), 1024),
		subs:         make(map[chan Event]struct{}),
	}
	r.checkpointID = checkpointID(db.PrivateUUID(), remote.String(), push, opts.Filter, opts.FilterParams)
	if auth := AuthorizerFromOptions(opts.Auth); auth != nil {
		r.auth = auth
	} else if basic := BasicAuthorizerFromURL(remote); basic != nil {
		r.auth = basic
	}
	return r
}

// NewPusher builds a push replicator (local → remote).
func NewPusher(db *storage.Database, remote *url.URL, opts Options) *Replicator {
	r := newReplicator(db, remote, true, opts)
	r.delegate = &pusher{r: r}
	return r
}

// NewPuller builds a pull replicator (remote → local).
func NewPuller(db *storage.Database, remote *url.URL, opts Options) *Replicator {
	r := newReplicator(db, remote, false, opts)
	r.delegate = &puller{r: r}
	return r
}

// SessionID identifies this replication run.
func (r *Replicator) SessionID() string { return r.sessionID }

// CheckpointID is the stable replication identity.
func (r *Replicator) CheckpointID() string { return r.checkpointID }

// IsPush reports the direction.
func (r *Replicator) IsPush() bool { return r.push }

// Remote returns the peer URL.
func (r *Replicator) Remote() *url.URL { return r.remote }

// HasSameSettingsAs reports whether another replicator denotes the same task,
// used to resolve cancel requests.
func (r *Replicator) HasSameSettingsAs(other *Replicator) bool {
	return r.db == other.db &&
		r.push == other.push &&
		r.remote.String() == other.remote.String() &&
		r.options.Continuous == other.options.Continuous &&
		r.options.Filter == other.options.Filter &&
		reflect.DeepEqual(r.options.FilterParams, other.options.FilterParams)
}

func (r *Replicator) authorizer() Authorizer {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	return r.auth
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (r *Replicator) runLoop() {
	for fn := range r.dispatch {
		fn()
		if r.finished.Load() && len(r.dispatch) == 0 {
			return
		}
	}
}

func (r *Replicator) enqueue(fn func()) {
	if r.finished.Load() {
		return
	}
	select {
	case r.dispatch <- fn:
	default:
		go func() {
			if !r.finished.Load() {
				r.dispatch <- fn
			}
		}()
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the replicator. Safe to call once; later calls are no-ops.
func (r *Replicator) Start() {
	r.loopOnce.Do(func() {
		r.sessionID = fmt.Sprintf("repl%03d", sessionCounter.Add(1))
		go r.runLoop()
	})
	r.enqueue(r.start)
}

func (r *Replicator) start() {
	if r.running {
		return
	}
	r.running = true
	r.lastError = nil

	if r.options.Reset {
		if err := r.db.ClearCheckpoint(r.checkpointID); err != nil {
			log.Printf("[Replicator] %s: reset checkpoint: %v", r.sessionID, err)
		}
	}
	r.db.AddActiveReplicator(r)

	r.batcher = NewBatcher(inboxCapacity, inboxDelay, func(items []*pendingRevision) {
		r.asyncTaskStarted()
		r.enqueue(func() {
			defer r.asyncTaskFinished()
			r.delegate.processInbox(items)
		})
	})

	log.Printf("[Replicator] %s: starting %s with %s", r.sessionID, r.direction(), r.remote.Redacted())

	if r.remote.Scheme == "local" || r.remote.Host == "" {
		// In-process peer: no reachability to watch.
		r.goOnline()
		return
	}
	host := r.remote.Hostname()
	port := r.remote.Port()
	if port == "" {
		if r.remote.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	r.reach = NewReachability(host, port, func(state ReachabilityState) {
		r.enqueue(func() {
			switch state {
			case Reachable:
				r.goOnline()
			case Unreachable:
				r.goOffline()
			}
		})
	})
	r.reach.Start()
}

func (r *Replicator) direction() string {
	if r.push {
		return "push"
	}
	return "pull"
}

// Stop requests shutdown. Idempotent; the Stopped notification fires once
// asyncTaskCount reaches zero.
func (r *Replicator) Stop() {
	r.enqueue(r.stop)
}

func (r *Replicator) stop() {
	if !r.running || r.stopping {
		return
	}
	log.Printf("[Replicator] %s: stopping", r.sessionID)
	r.stopping = true

	r.batcher.FlushAll()
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	if r.checkpointTimer != nil {
		r.checkpointTimer.Stop()
		r.checkpointTimer = nil
	}
	if r.reach != nil {
		r.reach.Stop()
	}
	r.delegate.stopTransport()
	r.requests.stopAll()

	if r.currentAsyncCount() == 0 {
		r.stopped()
	}
}

func (r *Replicator) stopped() {
	if !r.running {
		return
	}
	log.Printf("[Replicator] %s: stopped; processed %d/%d", r.sessionID, r.changesProcessed, r.changesTotal)
	r.running = false
	r.online = false
	r.active = false

	// The database reference is about to go away; persist the mirror first
	// so the sequence survives even if the remote save never lands.
	if (r.lastSequenceChanged || r.savingCheckpoint) && r.lastSequence != "" {
		if err := r.db.SetLastSequence(r.lastSequence, r.checkpointID); err != nil {
			log.Printf("[Replicator] %s: save local checkpoint: %v", r.sessionID, err)
		}
	}
	r.saveLastSequence()
	r.db.RemoveActiveReplicator(r)
	r.notify(EventStopped)
	r.finished.Store(true)
	r.closeSubscribers()
}

func (r *Replicator) goOnline() {
	if !r.running || r.online || r.stopping {
		return
	}
	log.Printf("[Replicator] %s: going online", r.sessionID)
	r.online = true
	r.checkSession()
}

func (r *Replicator) goOffline() {
	if !r.online {
		return
	}
	log.Printf("[Replicator] %s: going offline", r.sessionID)
	r.online = false
	r.requests.stopAll()
	r.notify(EventProgress)
}

// ---------------------------------------------------------------------------
// Async accounting; active := batcher.Count() > 0 || asyncCount > 0
// ---------------------------------------------------------------------------

func (r *Replicator) asyncTaskStarted() {
	r.asyncMu.Lock()
	r.asyncCount++
	r.asyncMu.Unlock()
	r.enqueue(r.updateActive)
}

func (r *Replicator) asyncTaskFinished() {
	r.asyncMu.Lock()
	r.asyncCount--
	n := r.asyncCount
	r.asyncMu.Unlock()
	if n == 0 {
		r.enqueue(r.updateActive)
	}
}

func (r *Replicator) currentAsyncCount() int {
	r.asyncMu.Lock()
	defer r.asyncMu.Unlock()
	return r.asyncCount
}

func (r *Replicator) updateActive() {
	if !r.running {
		return
	}
	active := r.batcher.Count() > 0 || r.currentAsyncCount() > 0
	if active != r.active {
		r.active = active
		r.notify(EventProgress)
	}
	if active {
		return
	}
	if r.stopping {
		r.stopped()
		return
	}
	if !r.online {
		return
	}
	// Idle. One-shot replications finish here; continuous ones arm a retry
	// when revisions failed to transfer.
	r.saveLastSequence()
	if !r.options.Continuous {
		r.stop()
	} else if r.revisionsFailed > 0 {
		r.scheduleRetry()
	}
}

func (r *Replicator) scheduleRetry() {
	if r.retryTimer != nil {
		return
	}
	log.Printf("[Replicator] %s: %d revisions failed; retrying in %s", r.sessionID, r.revisionsFailed, retryDelay)
	r.retryTimer = time.AfterFunc(retryDelay, func() {
		r.enqueue(r.retryIfReady)
	})
}

func (r *Replicator) retryIfReady() {
	r.retryTimer = nil
	if !r.running || r.stopping {
		return
	}
	if !r.online {
		r.scheduleRetry()
		return
	}
	r.revisionsFailed = 0
	r.delegate.retry()
}

// ---------------------------------------------------------------------------
// Session and checkpoint negotiation
// ---------------------------------------------------------------------------

func (r *Replicator) checkSession() {
	if _, ok := r.authorizer().(LoginAuthorizer); !ok {
		r.fetchRemoteCheckpointDoc()
		return
	}
	r.checkSessionAt("/_session")
}

func (r *Replicator) checkSessionAt(path string) {
	r.sendRemoteRequest("GET", path, nil, remoteRequestOptions{dontLog404: true}, func(result model.Body, err error) {
		if model.StatusOf(err) == model.StatusNotFound && path == "/_session" {
			// Gateways mount _session under the database root.
			r.checkSessionAt("_session")
			return
		}
		if err != nil {
			r.lastError = err
			r.stop()
			return
		}
		if userCtx, ok := result["userCtx"].(map[string]interface{}); ok {
			if name, _ := userCtx["name"].(string); name != "" {
				log.Printf("[Replicator] %s: session active as %q", r.sessionID, name)
				r.fetchRemoteCheckpointDoc()
				return
			}
		}
		r.login()
	})
}

func (r *Replicator) login() {
	la, ok := r.authorizer().(LoginAuthorizer)
	if !ok {
		r.fetchRemoteCheckpointDoc()
		return
	}
	path := la.LoginPathForSite(r.remote)
	params := la.LoginParametersForSite(r.remote)
	log.Printf("[Replicator] %s: logging in via %s", r.sessionID, path)
	r.sendRemoteRequest("POST", path, params, remoteRequestOptions{}, func(result model.Body, err error) {
		if err != nil {
			r.lastError = err
			r.stop()
			return
		}
		r.fetchRemoteCheckpointDoc()
	})
}

func (r *Replicator) fetchRemoteCheckpointDoc() {
	r.lastSequenceChanged = false
	local, err := r.db.LastSequenceWithCheckpointID(r.checkpointID)
	if err != nil {
		log.Printf("[Replicator] %s: read local checkpoint: %v", r.sessionID, err)
	}

	r.sendRemoteRequest("GET", "_local/"+r.checkpointID, nil, remoteRequestOptions{dontLog404: true}, func(result model.Body, err error) {
		if model.StatusOf(err) == model.StatusNotFound {
			r.remoteCheckpoint = nil
			r.delegate.maybeCreateRemoteDB(func() {
				r.compareCheckpoints(local, "")
			})
			return
		}
		if err != nil {
			r.lastError = err
			r.stop()
			return
		}
		r.remoteCheckpoint = result
		remote, _ := result["lastSequence"].(string)
		r.compareCheckpoints(local, remote)
	})
}

// compareCheckpoints adopts the agreed sequence, or starts over on mismatch.
// The remote value only wins when the local side has no record at all.
func (r *Replicator) compareCheckpoints(local, remote string) {
	switch {
	case local == remote:
		r.lastSequence = local
	case local == "":
		r.lastSequence = remote
	default:
		log.Printf("[Replicator] %s: checkpoint mismatch (local %q vs remote %q); starting over", r.sessionID, local, remote)
		r.lastSequence = ""
	}
	r.tracker = newSequenceTracker(r.lastSequence)
	log.Printf("[Replicator] %s: replicating since %q", r.sessionID, r.lastSequence)
	r.delegate.beginReplicating()
	r.enqueue(r.updateActive)
}

// setLastSequence records progress and arms the coalesced save.
func (r *Replicator) setLastSequence(seq string) {
	if seq == "" || seq == r.lastSequence {
		return
	}
	r.lastSequence = seq
	r.lastSequenceChanged = true
	r.notify(EventProgress)
	if r.checkpointTimer == nil && !r.savingCheckpoint {
		r.checkpointTimer = time.AfterFunc(checkpointWindow, func() {
			r.enqueue(func() {
				r.checkpointTimer = nil
				r.saveLastSequence()
			})
		})
	}
}

// saveLastSequence writes the checkpoint remotely, then mirrors it locally.
// Saves coalesce: a save arriving while one is in flight marks the task
// overdue and re-runs once the in-flight save completes.
func (r *Replicator) saveLastSequence() {
	if !r.lastSequenceChanged {
		return
	}
	if r.savingCheckpoint {
		r.overdueForSave = true
		return
	}
	r.lastSequenceChanged = false
	r.savingCheckpoint = true

	seq := r.lastSequence
	body := make(model.Body)
	for k, v := range r.remoteCheckpoint {
		body[k] = v
	}
	body["lastSequence"] = seq

	r.sendRemoteRequest("PUT", "_local/"+r.checkpointID, body, remoteRequestOptions{}, func(result model.Body, err error) {
		r.savingCheckpoint = false
		if err != nil {
			// Keep the local mirror as-is; the next sequence change re-arms
			// the save.
			log.Printf("[Replicator] %s: save checkpoint: %v", r.sessionID, err)
			r.lastSequenceChanged = true
		} else {
			if rev, ok := result["rev"].(string); ok {
				body["_rev"] = rev
			}
			r.remoteCheckpoint = body
			if err := r.db.SetLastSequence(seq, r.checkpointID); err != nil {
				log.Printf("[Replicator] %s: mirror checkpoint: %v", r.sessionID, err)
			}
			metricCheckpointSaves.Inc()
		}
		if r.overdueForSave {
			r.overdueForSave = false
			r.saveLastSequence()
		}
	})
}

// revisionFailed counts a revision that could not be transferred; in
// continuous mode the retry timer re-drives it once the replicator is idle.
func (r *Replicator) revisionFailed() {
	r.revisionsFailed++
}

// handleRequestError routes a request failure: 401 triggers one re-auth
// attempt when the authorizer can log in; everything else surfaces.
func (r *Replicator) handleRequestError(err error) {
	if err == nil || model.IsCancelled(err) {
		return
	}
	if model.StatusOf(err) == model.StatusUnauthorized && !r.reauthTried {
		if _, ok := r.authorizer().(LoginAuthorizer); ok {
			r.reauthTried = true
			log.Printf("[Replicator] %s: 401 from remote; re-authenticating", r.sessionID)
			r.login()
			return
		}
	}
	r.lastError = err
	r.notify(EventProgress)
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

// Subscribe returns a channel of progress and stop events. The channel
// closes when the replicator finishes.
func (r *Replicator) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()
	return ch
}

// Unsubscribe detaches a channel returned by Subscribe.
func (r *Replicator) Unsubscribe(ch <-chan Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for sub := range r.subs {
		if (<-chan Event)(sub) == ch {
			delete(r.subs, sub)
			close(sub)
			return
		}
	}
}

func (r *Replicator) notify(t EventType) {
	evt := Event{Type: t, Task: r.ActiveTaskInfo()}
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (r *Replicator) closeSubscribers() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
}

// ActiveTaskInfo snapshots the task for _active_tasks.
func (r *Replicator) ActiveTaskInfo() map[string]interface{} {
	source := r.db.Name()
	target := r.remote.Redacted()
	if !r.push {
		source, target = target, source
	}
	status := "Stopped"
	switch {
	case r.active:
		status = fmt.Sprintf("Processed %d / %d changes", r.changesProcessed, r.changesTotal)
	case r.running && r.online:
		status = "Idle"
	case r.running:
		status = "Offline"
	}
	info := map[string]interface{}{
		"type":          "Replication",
		"task":          r.sessionID,
		"source":        source,
		"target":        target,
		"continuous":    r.options.Continuous,
		"status":        status,
		"changes_done":  r.changesProcessed,
		"total_changes": r.changesTotal,
	}
	if r.lastError != nil {
		code, _ := model.StatusOf(r.lastError).HTTPStatus()
		info["error"] = []interface{}{code, r.lastError.Error()}
	}
	return info
}
