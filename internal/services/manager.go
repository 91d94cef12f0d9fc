package services

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/codetrek/synclite/internal/config"
	"github.com/codetrek/synclite/internal/events"
	"github.com/codetrek/synclite/internal/router"
	"github.com/codetrek/synclite/internal/storage"

	"github.com/nats-io/nats.go"
)

type Options struct {
	RunAPI    bool
	RunEvents bool
}

// Manager wires the storage manager, the REST façade and the optional events
// bridge into one process.
type Manager struct {
	cfg  *config.Config
	opts Options

	storage     *storage.Manager
	servers     []*http.Server
	serverNames []string
	natsConn    *nats.Conn
	publisher   *events.Publisher
	wg          sync.WaitGroup
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	return &Manager{cfg: cfg, opts: opts}
}

// Storage exposes the database manager once Init has run.
func (m *Manager) Storage() *storage.Manager { return m.storage }

// Init opens storage and connects the optional NATS bridge.
func (m *Manager) Init(ctx context.Context) error {
	mgr, err := storage.NewManager(m.cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	m.storage = mgr

	if m.opts.RunEvents && m.cfg.Events.NatsURL != "" {
		nc, err := nats.Connect(m.cfg.Events.NatsURL)
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
		m.natsConn = nc
		pub, err := events.NewPublisher(nc)
		if err != nil {
			return err
		}
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		m.publisher = pub
	}
	return nil
}

// Run starts the HTTP listener and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.opts.RunAPI {
		handler := router.NewHandler(m.storage)
		addr := fmt.Sprintf("%s:%d", m.cfg.API.Host, m.cfg.API.Port)
		srv := &http.Server{Addr: addr, Handler: handler}
		m.servers = append(m.servers, srv)
		m.serverNames = append(m.serverNames, "API server")

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			log.Printf("[Services] API server listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[Error] API server: %v", err)
			}
		}()
	}

	if m.publisher != nil {
		for _, db := range m.storage.OpenDatabases() {
			m.publisher.Watch(ctx, db)
		}
	}

	<-ctx.Done()
	return nil
}

// WatchDatabase attaches the events bridge to a database opened after startup.
func (m *Manager) WatchDatabase(ctx context.Context, db *storage.Database) {
	if m.publisher != nil {
		m.publisher.Watch(ctx, db)
	}
}
