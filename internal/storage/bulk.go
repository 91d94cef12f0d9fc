package storage

import (
	"database/sql"

	"github.com/codetrek/synclite/pkg/model"
)

// BulkTx batches document writes inside one SQLite transaction. Change
// notifications are held back until commit so subscribers never observe a
// rolled-back write.
type BulkTx struct {
	d       *Database
	tx      *sql.Tx
	pending []ChangeEvent
}

// Put behaves like Database.Put inside the batch.
func (b *BulkTx) Put(docID string, body model.Body, prevRevID string, allowConflict bool) (*model.Revision, error) {
	rev, evt, err := b.d.putTx(b.tx, docID, body, prevRevID, allowConflict)
	if err != nil {
		return nil, err
	}
	b.pending = append(b.pending, evt)
	return rev, nil
}

// ForceInsert behaves like Database.ForceInsert inside the batch.
func (b *BulkTx) ForceInsert(rev *model.Revision, history []string) error {
	evt, known, err := b.d.forceInsertTx(b.tx, rev, history)
	if err != nil {
		return err
	}
	if !known {
		evt.External = true
		b.pending = append(b.pending, evt)
	}
	return nil
}

// RunInTransaction executes fn against a batch. If fn returns an error the
// whole batch rolls back and no notifications are emitted; otherwise the
// batch commits atomically and all notifications fire in write order.
func (d *Database) RunInTransaction(fn func(b *BulkTx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var pending []ChangeEvent
	err := d.inTx(func(tx *sql.Tx) error {
		b := &BulkTx{d: d, tx: tx}
		if err := fn(b); err != nil {
			return err
		}
		pending = b.pending
		return nil
	})
	if err != nil {
		return err
	}
	for _, evt := range pending {
		d.broker.Notify(evt)
	}
	return nil
}
