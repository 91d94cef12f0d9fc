// Package events bridges local change notifications onto NATS JetStream for
// external consumers (indexers, webhooks, audit pipelines). Nothing in the
// engine consumes these messages.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/codetrek/synclite/internal/storage"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const streamName = "CHANGES"

// ChangeMessage is the published record for one committed change.
type ChangeMessage struct {
	Database string `json:"database"`
	Seq      uint64 `json:"seq"`
	DocID    string `json:"id"`
	RevID    string `json:"rev"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// Publisher forwards a database's change feed to JetStream.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(nc *nats.Conn) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	return &Publisher{js: js}, nil
}

// EnsureStream creates the changes stream if it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"changes.>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	return nil
}

// Watch subscribes to the database's broker and publishes every change until
// ctx is cancelled.
func (p *Publisher) Watch(ctx context.Context, db *storage.Database) {
	sub := db.Broker().Subscribe()
	go func() {
		defer sub.Cancel()
		log.Printf("[Events] Publishing changes for %s", db.Name())
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if err := p.publish(ctx, db.Name(), evt); err != nil {
					log.Printf("[Events] Failed to publish change for %s: %v", db.Name(), err)
				}
			}
		}
	}()
}

func (p *Publisher) publish(ctx context.Context, dbName string, evt storage.ChangeEvent) error {
	msg := ChangeMessage{
		Database: dbName,
		Seq:      evt.Sequence,
		DocID:    evt.DocID,
		RevID:    evt.RevID,
		Deleted:  evt.Deleted,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("changes.%s", dbName)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}
