package services

import (
	"context"
	"log"

	"github.com/codetrek/synclite/internal/replicator"
)

func (m *Manager) Shutdown(ctx context.Context) {
	// Stop replicators first so they can save their checkpoints.
	if m.storage != nil {
		for _, db := range m.storage.OpenDatabases() {
			for _, task := range db.ActiveReplicators() {
				if repl, ok := task.(*replicator.Replicator); ok {
					log.Printf("Stopping replication %s...", repl.SessionID())
					repl.Stop()
				}
			}
		}
	}

	for i, srv := range m.servers {
		log.Printf("Stopping %s...", m.serverNames[i])
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down %s: %v", m.serverNames[i], err)
		}
	}

	log.Println("Waiting for background tasks to finish...")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Background tasks finished.")
	case <-ctx.Done():
		log.Println("Timeout waiting for background tasks.")
	}

	if m.natsConn != nil {
		log.Println("Closing NATS connection...")
		m.natsConn.Close()
	}

	if m.storage != nil {
		if err := m.storage.Close(); err != nil {
			log.Printf("Error closing storage: %v", err)
		}
	}
}
