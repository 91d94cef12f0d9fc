// Package storage implements the embedded document store: per-database
// revision trees, attachments, local documents and replication checkpoints on
// SQLite, plus the change broker that fans notifications out to feeds and
// replicators.
package storage

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

// Database is a handle on one named database. All multi-statement operations
// take the handle mutex so that commits and their change notifications are
// observed in order.
type Database struct {
	name string
	path string
	db   *sql.DB

	mu     sync.Mutex
	broker *Broker

	filterCompiler FilterCompiler
	viewCompiler   ViewCompiler

	tasksMu sync.Mutex
	tasks   []ActiveTask
}

// ActiveTask is the storage-side view of a running replicator. The database
// owns the index of its active tasks; a task deregisters itself on stop.
type ActiveTask interface {
	SessionID() string
	ActiveTaskInfo() map[string]interface{}
}

// Open opens (or creates) the database file and initializes the schema.
func Open(name, path string) (*Database, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	d := &Database{
		name:           name,
		path:           path,
		db:             db,
		broker:         NewBroker(),
		filterCompiler: defaultFilterCompiler{},
		viewCompiler:   defaultViewCompiler{},
	}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *Database) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS revs (
		sequence   INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id     TEXT NOT NULL,
		rev_id     TEXT NOT NULL,
		parent     TEXT,
		deleted    INTEGER NOT NULL DEFAULT 0,
		leaf       INTEGER NOT NULL DEFAULT 1,
		body       TEXT,
		UNIQUE(doc_id, rev_id)
	);
	CREATE INDEX IF NOT EXISTS idx_revs_doc ON revs(doc_id, leaf);
	CREATE INDEX IF NOT EXISTS idx_revs_seq ON revs(sequence) WHERE leaf = 1;

	CREATE TABLE IF NOT EXISTS local_docs (
		id     TEXT PRIMARY KEY,
		rev_id TEXT NOT NULL,
		body   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		last_sequence TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		digest  TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		length  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS att_refs (
		sequence     INTEGER NOT NULL,
		name         TEXT NOT NULL,
		digest       TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		revpos       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (sequence, name)
	);

	CREATE TABLE IF NOT EXISTS info (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	// Seed the database UUIDs on first open.
	for _, key := range []string{"private_uuid", "public_uuid"} {
		var v string
		err := d.db.QueryRow(`SELECT value FROM info WHERE key = ?`, key).Scan(&v)
		if err == sql.ErrNoRows {
			id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
			if _, err := d.db.Exec(`INSERT INTO info (key, value) VALUES (?, ?)`, key, id); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	d.broker.Close()
	return d.db.Close()
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// Broker returns the change broker for this database.
func (d *Database) Broker() *Broker { return d.broker }

// PrivateUUID identifies this physical copy of the database; it changes when
// the file is recreated and anchors replication checkpoint identity.
func (d *Database) PrivateUUID() string { return d.infoValue("private_uuid") }

// PublicUUID is the externally visible database identity.
func (d *Database) PublicUUID() string { return d.infoValue("public_uuid") }

func (d *Database) infoValue(key string) string {
	var v string
	if err := d.db.QueryRow(`SELECT value FROM info WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}

// LastSequence returns the update sequence of the most recent commit.
func (d *Database) LastSequence() uint64 {
	var seq uint64
	if err := d.db.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM revs`).Scan(&seq); err != nil {
		return 0
	}
	return seq
}

// DocCount returns the number of non-deleted documents.
func (d *Database) DocCount() int {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(DISTINCT doc_id) FROM revs r
		 WHERE leaf = 1 AND deleted = 0`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

// DiskSize returns the database file size in bytes.
func (d *Database) DiskSize() int64 {
	fi, err := os.Stat(d.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// SetFilterCompiler replaces the filter compiler (the scripting runtime hook).
func (d *Database) SetFilterCompiler(c FilterCompiler) { d.filterCompiler = c }

// SetViewCompiler replaces the view compiler (the scripting runtime hook).
func (d *Database) SetViewCompiler(c ViewCompiler) { d.viewCompiler = c }

// AddActiveReplicator registers a running replication task.
func (d *Database) AddActiveReplicator(t ActiveTask) {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	for _, existing := range d.tasks {
		if existing == t {
			return
		}
	}
	d.tasks = append(d.tasks, t)
}

// RemoveActiveReplicator deregisters a task; the task calls this on stop.
func (d *Database) RemoveActiveReplicator(t ActiveTask) {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	for i, existing := range d.tasks {
		if existing == t {
			d.tasks = append(d.tasks[:i], d.tasks[i+1:]...)
			return
		}
	}
}

// ActiveReplicatorLike returns the first registered task matching pred.
func (d *Database) ActiveReplicatorLike(pred func(ActiveTask) bool) ActiveTask {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	for _, t := range d.tasks {
		if pred(t) {
			return t
		}
	}
	return nil
}

// ActiveReplicators snapshots the registered tasks.
func (d *Database) ActiveReplicators() []ActiveTask {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	out := make([]ActiveTask, len(d.tasks))
	copy(out, d.tasks)
	return out
}
