package replicator

import (
	"log"
	"strconv"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/codetrek/synclite/pkg/model"
)

// pusher drains local changes to the remote: _revs_diff to learn what the
// remote lacks, then _bulk_docs with new_edits:false so revision IDs and
// histories survive the transfer.
type pusher struct {
	r *Replicator

	filter storage.FilterFunc
	sub    *storage.Subscription
	seen   map[string]struct{} // docID/revID already enqueued this session
}

func (p *pusher) beginReplicating() {
	r := p.r
	p.seen = make(map[string]struct{})

	if r.options.Filter != "" {
		filter, err := r.db.CompileFilter(r.options.Filter)
		if err != nil {
			r.lastError = err
			r.stop()
			return
		}
		p.filter = filter
	}

	// Subscribe before reading the backlog so no commit falls between the
	// two; the seen set drops the overlap.
	if r.options.Continuous && p.sub == nil {
		p.sub = r.db.Broker().Subscribe()
		go p.forwardChanges()
	}

	p.seedChanges()
}

func (p *pusher) seedChanges() {
	r := p.r
	since := parseSequence(r.lastSequence)
	changes, err := r.db.ChangesSince(since, model.ChangesOptions{Limit: -1, IncludeConflicts: true}, p.filter, r.options.FilterParams)
	if err != nil {
		r.lastError = err
		r.stop()
		return
	}
	for _, rev := range changes {
		p.queue(rev)
	}
}

// forwardChanges pumps live commit notifications into the inbox.
func (p *pusher) forwardChanges() {
	for evt := range p.sub.C {
		evt := evt
		p.r.enqueue(func() {
			if p.r.stopping {
				return
			}
			rev := &model.Revision{
				DocID:    evt.DocID,
				RevID:    evt.RevID,
				Deleted:  evt.Deleted,
				Sequence: evt.Sequence,
			}
			if p.filter != nil {
				body, err := p.r.db.GetDocument(rev.DocID, storage.DocumentOptions{RevID: rev.RevID})
				if err == nil {
					rev.Body = body
				}
				if !p.filter(rev, p.r.options.FilterParams) {
					return
				}
			}
			p.queue(rev)
		})
	}
}

func (p *pusher) queue(rev *model.Revision) {
	key := rev.DocID + "/" + rev.RevID
	if _, dup := p.seen[key]; dup {
		return
	}
	p.seen[key] = struct{}{}
	seq := strconv.FormatUint(rev.Sequence, 10)
	p.r.tracker.begin(seq)
	p.r.changesTotal++
	p.r.batcher.Queue(&pendingRevision{rev: rev, remoteSeq: seq})
}

func (p *pusher) processInbox(inbox []*pendingRevision) {
	r := p.r

	diff := make(map[string][]string)
	byKey := make(map[string]*pendingRevision)
	for _, pending := range inbox {
		diff[pending.rev.DocID] = append(diff[pending.rev.DocID], pending.rev.RevID)
		byKey[pending.rev.DocID+"/"+pending.rev.RevID] = pending
	}

	r.sendRemoteRequest("POST", "_revs_diff", diff, remoteRequestOptions{}, func(result model.Body, err error) {
		if err != nil {
			for _, pending := range inbox {
				r.tracker.fail(pending.remoteSeq)
				r.revisionFailed()
			}
			r.handleRequestError(err)
			return
		}

		var docs []interface{}
		var sent []*pendingRevision
		for _, pending := range inbox {
			if !revIsMissing(result, pending.rev) {
				// The remote already has it; it still counts toward the
				// checkpoint.
				r.changesProcessed++
				r.advance(r.tracker.complete(pending.remoteSeq))
				continue
			}
			body, err := r.db.GetDocument(pending.rev.DocID, storage.DocumentOptions{
				RevID:              pending.rev.RevID,
				IncludeAttachments: true,
				IncludeRevisions:   true,
			})
			if err != nil {
				log.Printf("[Replicator] %s: load %s %s: %v", r.sessionID, pending.rev.DocID, pending.rev.RevID, err)
				r.tracker.fail(pending.remoteSeq)
				r.revisionFailed()
				continue
			}
			docs = append(docs, map[string]interface{}(body))
			sent = append(sent, pending)
		}
		if len(docs) == 0 {
			return
		}

		payload := map[string]interface{}{"docs": docs, "new_edits": false}
		r.sendRemoteRequest("POST", "_bulk_docs", payload, remoteRequestOptions{}, func(result model.Body, err error) {
			if err != nil {
				for _, pending := range sent {
					r.tracker.fail(pending.remoteSeq)
					r.revisionFailed()
				}
				r.handleRequestError(err)
				return
			}
			failed := bulkDocsFailures(result)
			for _, pending := range sent {
				if _, bad := failed[pending.rev.DocID]; bad {
					r.tracker.fail(pending.remoteSeq)
					r.revisionFailed()
					metricRevsFailed.Inc()
					continue
				}
				r.changesProcessed++
				metricRevsPushed.Inc()
				r.advance(r.tracker.complete(pending.remoteSeq))
			}
		})
	})
}

func revIsMissing(diff model.Body, rev *model.Revision) bool {
	entry, ok := diff[rev.DocID].(map[string]interface{})
	if !ok {
		return false
	}
	missing, _ := entry["missing"].([]interface{})
	for _, m := range missing {
		if m == rev.RevID {
			return true
		}
	}
	return false
}

// bulkDocsFailures extracts the IDs of per-document errors from a _bulk_docs
// response, which is a JSON array of {id, error, reason} entries.
func bulkDocsFailures(result model.Body) map[string]string {
	failed := make(map[string]string)
	rows, _ := result[arrayResultKey].([]interface{})
	for _, raw := range rows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if errName, _ := row["error"].(string); errName != "" {
			id, _ := row["id"].(string)
			failed[id] = errName
		}
	}
	return failed
}

func (r *Replicator) advance(checkpoint string) {
	if checkpoint != "" {
		r.setLastSequence(checkpoint)
	}
}

func (p *pusher) maybeCreateRemoteDB(next func()) {
	r := p.r
	if !r.options.CreateTarget {
		next()
		return
	}
	log.Printf("[Replicator] %s: creating remote database", r.sessionID)
	r.sendRemoteRequest("PUT", "", nil, remoteRequestOptions{}, func(result model.Body, err error) {
		if err != nil && model.StatusOf(err) != model.StatusDuplicate {
			r.lastError = err
			r.stop()
			return
		}
		next()
	})
}

func (p *pusher) retry() {
	p.seen = make(map[string]struct{})
	p.seedChanges()
}

func (p *pusher) stopTransport() {
	if p.sub != nil {
		p.sub.Cancel()
		p.sub = nil
	}
}

func parseSequence(s string) uint64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
