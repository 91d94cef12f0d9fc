package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/codetrek/synclite/pkg/model"
)

var dbNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

// ValidDatabaseName reports whether name is a legal database name.
func ValidDatabaseName(name string) bool {
	return dbNameRegex.MatchString(name)
}

// Manager owns every database in a data directory, one SQLite file per
// database. Handles are opened on demand and shared.
type Manager struct {
	dir string

	mu   sync.Mutex
	open map[string]*Database
}

// NewManager creates the data directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Manager{dir: dir, open: make(map[string]*Database)}, nil
}

func (m *Manager) filePath(name string) string {
	// "/" is legal in database names; escape it for the filesystem.
	return filepath.Join(m.dir, strings.ReplaceAll(name, "/", "%2F")+".sqlite")
}

// Get returns an open handle on an existing database, or ErrNotFound.
func (m *Manager) Get(name string) (*Database, error) {
	if !ValidDatabaseName(name) {
		return nil, model.NewError(model.StatusBadID, "invalid database name %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.open[name]; ok {
		return db, nil
	}
	if _, err := os.Stat(m.filePath(name)); err != nil {
		return nil, model.ErrNotFound
	}
	return m.openLocked(name)
}

// Create creates a new database; ErrDuplicate if it already exists.
func (m *Manager) Create(name string) (*Database, error) {
	if !ValidDatabaseName(name) {
		return nil, model.NewError(model.StatusBadID, "invalid database name %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[name]; ok {
		return nil, model.ErrDuplicate
	}
	if _, err := os.Stat(m.filePath(name)); err == nil {
		return nil, model.ErrDuplicate
	}
	return m.openLocked(name)
}

func (m *Manager) openLocked(name string) (*Database, error) {
	db, err := Open(name, m.filePath(name))
	if err != nil {
		return nil, err
	}
	m.open[name] = db
	return db, nil
}

// Delete closes and removes a database.
func (m *Manager) Delete(name string) error {
	if !ValidDatabaseName(name) {
		return model.NewError(model.StatusBadID, "invalid database name %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.open[name]; ok {
		if err := db.Close(); err != nil {
			log.Printf("[Storage] Error closing %s: %v", name, err)
		}
		delete(m.open, name)
	}
	path := m.filePath(name)
	if _, err := os.Stat(path); err != nil {
		return model.ErrNotFound
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// AllNames lists every database in the data directory, sorted.
func (m *Manager) AllNames() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sqlite") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".sqlite")
		names = append(names, strings.ReplaceAll(name, "%2F", "/"))
	}
	sort.Strings(names)
	return names, nil
}

// OpenDatabases snapshots the currently open handles.
func (m *Manager) OpenDatabases() []*Database {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Database, 0, len(m.open))
	for _, db := range m.open {
		out = append(out, db)
	}
	return out
}

// Close closes every open handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, db := range m.open {
		if err := db.Close(); err != nil {
			log.Printf("[Storage] Error closing %s: %v", name, err)
		}
		delete(m.open, name)
	}
	return nil
}
