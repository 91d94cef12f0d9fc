package replicator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/codetrek/synclite/pkg/model"
)

const (
	changesFeedLimit      = 100
	changesReconnectDelay = 5 * time.Second
)

// puller subscribes to the remote _changes feed and inserts revisions the
// local store lacks, preserving their remote histories.
type puller struct {
	r *Replicator

	feedCancel context.CancelFunc

	// feedSince tracks how far the changes feed itself has read,
	// independently of the checkpoint, which only advances once revisions
	// are durably inserted.
	feedSince string
}

func (p *puller) beginReplicating() {
	if p.r.options.Continuous {
		go p.runContinuousFeed()
	} else {
		p.fetchChangesBatch()
	}
}

// fetchChangesBatch drives the one-shot feed: normal batches of up to
// changesFeedLimit rows, repeated until a short batch signals catch-up.
func (p *puller) fetchChangesBatch() {
	r := p.r
	path := p.changesPath("normal")
	r.sendRemoteRequest("GET", path, nil, remoteRequestOptions{}, func(result model.Body, err error) {
		if err != nil {
			r.handleRequestError(err)
			r.stop()
			return
		}
		results, _ := result["results"].([]interface{})
		for _, raw := range results {
			if row, ok := raw.(map[string]interface{}); ok {
				p.queueChangeRow(row)
			}
		}
		if len(results) >= changesFeedLimit {
			// There may be more; ask again from the feed's end.
			if lastSeq := sequenceValue(result["last_seq"]); lastSeq != "" {
				p.feedSince = lastSeq
			}
			p.fetchChangesBatch()
		}
	})
}

func (p *puller) changesPath(feed string) string {
	r := p.r
	since := p.feedSince
	if since == "" {
		since = r.lastSequence
	}
	if since == "" {
		since = "0"
	}
	path := fmt.Sprintf("_changes?feed=%s&heartbeat=30000&style=all_docs&since=%s&limit=%d",
		feed, url.QueryEscape(since), changesFeedLimit)
	if r.options.Filter != "" {
		path += "&filter=" + url.QueryEscape(r.options.Filter)
		for k, v := range r.options.FilterParams {
			path += "&" + url.QueryEscape(k) + "=" + url.QueryEscape(fmt.Sprint(v))
		}
	}
	return path
}

// runContinuousFeed streams newline-delimited change rows until the
// replicator stops, reconnecting after transient failures.
func (p *puller) runContinuousFeed() {
	r := p.r
	for {
		if r.finished.Load() {
			return
		}
		req := &RemoteRequest{Method: "GET", Path: "_changes"}
		ctx, cancel := context.WithCancel(context.Background())
		req.cancel = cancel
		r.requests.register(req)
		p.feedCancel = cancel

		err := p.streamChanges(ctx)
		r.requests.deregister(req)
		cancel()

		if r.finished.Load() || ctx.Err() != nil {
			return
		}
		if err != nil && !model.IsCancelled(err) {
			log.Printf("[Replicator] %s: changes feed: %v; reconnecting in %s", r.sessionID, err, changesReconnectDelay)
		}
		time.Sleep(changesReconnectDelay)
	}
}

func (p *puller) streamChanges(ctx context.Context) error {
	r := p.r
	resp, err := r.openRequest(ctx, "GET", p.changesPath("continuous"), nil, remoteRequestOptions{streaming: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(resp.StatusCode, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue // heartbeat
		}
		row := make(map[string]interface{})
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			log.Printf("[Replicator] %s: bad change row: %v", r.sessionID, err)
			continue
		}
		if _, isRow := row["seq"]; !isRow {
			continue // trailing {"last_seq": ...}
		}
		r.enqueue(func() {
			if !r.stopping {
				p.queueChangeRow(row)
			}
		})
	}
	return translateNetError(scanner.Err())
}

// queueChangeRow turns one feed row into inbox entries, one per listed rev.
func (p *puller) queueChangeRow(row map[string]interface{}) {
	r := p.r
	docID, _ := row["id"].(string)
	seq := sequenceValue(row["seq"])
	if docID == "" || seq == "" {
		return
	}
	deleted, _ := row["deleted"].(bool)
	changes, _ := row["changes"].([]interface{})
	p.feedSince = seq

	for _, raw := range changes {
		change, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		revID, _ := change["rev"].(string)
		if revID == "" {
			continue
		}
		r.tracker.begin(seq)
		r.changesTotal++
		r.batcher.Queue(&pendingRevision{
			rev:       &model.Revision{DocID: docID, RevID: revID, Deleted: deleted},
			remoteSeq: seq,
		})
	}
}

func (p *puller) processInbox(inbox []*pendingRevision) {
	r := p.r

	lookup := make(map[string][]string)
	for _, pending := range inbox {
		lookup[pending.rev.DocID] = append(lookup[pending.rev.DocID], pending.rev.RevID)
	}
	missing, err := r.db.FindMissingRevisions(lookup)
	if err != nil {
		r.lastError = err
		return
	}

	for _, pending := range inbox {
		if !containsRev(missing[pending.rev.DocID], pending.rev.RevID) {
			// Already known locally; counts toward the checkpoint.
			r.changesProcessed++
			r.advance(r.tracker.complete(pending.remoteSeq))
			continue
		}
		p.pullRevision(pending)
	}
}

// pullRevision fetches one revision with its full history and attachments and
// force-inserts it locally.
func (p *puller) pullRevision(pending *pendingRevision) {
	r := p.r
	path := fmt.Sprintf("%s?rev=%s&revs=true&attachments=true",
		escapeDocID(pending.rev.DocID), url.QueryEscape(pending.rev.RevID))
	r.sendRemoteRequest("GET", path, nil, remoteRequestOptions{}, func(body model.Body, err error) {
		if err != nil {
			r.tracker.fail(pending.remoteSeq)
			r.revisionFailed()
			metricRevsFailed.Inc()
			r.handleRequestError(err)
			return
		}
		history := body.RevisionHistory()
		if len(history) == 0 {
			history = []string{pending.rev.RevID}
		}
		rev := &model.Revision{
			DocID:   pending.rev.DocID,
			RevID:   pending.rev.RevID,
			Deleted: body.Deleted(),
			Body:    body,
		}
		if err := r.db.ForceInsert(rev, history); err != nil {
			log.Printf("[Replicator] %s: insert %s %s: %v", r.sessionID, rev.DocID, rev.RevID, err)
			r.tracker.fail(pending.remoteSeq)
			r.revisionFailed()
			metricRevsFailed.Inc()
			return
		}
		r.changesProcessed++
		metricRevsPulled.Inc()
		r.advance(r.tracker.complete(pending.remoteSeq))
	})
}

func (p *puller) maybeCreateRemoteDB(next func()) {
	// Pulling from a database that does not exist fails on the first feed
	// request; nothing to create from this side.
	next()
}

func (p *puller) retry() {
	p.feedSince = ""
	if !p.r.options.Continuous {
		p.fetchChangesBatch()
	}
}

func (p *puller) stopTransport() {
	if p.feedCancel != nil {
		p.feedCancel()
	}
}

func containsRev(revs []string, revID string) bool {
	for _, r := range revs {
		if r == revID {
			return true
		}
	}
	return false
}

// escapeDocID path-escapes a document ID while keeping the "_design/" and
// "_local/" prefixes routable.
func escapeDocID(docID string) string {
	if rest, ok := strings.CutPrefix(docID, "_design/"); ok {
		return "_design/" + url.PathEscape(rest)
	}
	if rest, ok := strings.CutPrefix(docID, "_local/"); ok {
		return "_local/" + url.PathEscape(rest)
	}
	return url.PathEscape(docID)
}

// sequenceValue normalizes a feed sequence, which may arrive as a JSON number
// or an opaque string.
func sequenceValue(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return fmt.Sprintf("%.0f", s)
	case json.Number:
		return s.String()
	default:
		return ""
	}
}
