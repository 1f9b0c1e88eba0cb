// Package journal persists machine connection-state transitions in SQLite.
//
// The fleet feeds every published snapshot to [Journal.Observe]; only
// snapshots whose state differs from the machine's previous one are written.
//
// Snapshots reach the journal through a store subscription, which drops
// updates when its buffer is full. A state that lasted only for dropped
// snapshots is then missing, and the next recorded transition starts from
// the last state the journal saw.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// Journal is a SQLite-backed transition log. Safe for concurrent use.
type Journal struct {
	db *sql.DB

	mu   sync.Mutex
	last map[string]model.ConnectionState
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	at TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT ''
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS transitions_machine ON transitions (machine, id)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal index: %w", err)
	}

	return &Journal{db: db, last: make(map[string]model.ConnectionState)}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Observe records a transition if snap's state differs from the last state
// observed for the same machine. The first snapshot of a machine is recorded
// as a transition from unknown. The remembered state only advances once the
// transition is written, so a failed write is retried by the next snapshot.
func (j *Journal) Observe(ctx context.Context, snap model.Snapshot) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev, ok := j.last[snap.Machine]
	if !ok {
		prev = model.StateUnknown
	}
	if prev == snap.State {
		return false, nil
	}

	at := snap.LastUpdate
	if at.IsZero() {
		at = time.Now()
	}
	if err := j.Record(ctx, model.Transition{
		Machine: snap.Machine,
		From:    prev,
		To:      snap.State,
		At:      at,
		Error:   snap.LastError,
	}); err != nil {
		return false, err
	}
	j.last[snap.Machine] = snap.State
	return true, nil
}

// Forget drops the remembered state of a machine so its next snapshot is
// recorded as a transition from unknown.
func (j *Journal) Forget(machine string) {
	j.mu.Lock()
	delete(j.last, machine)
	j.mu.Unlock()
}

// Record appends one transition.
func (j *Journal) Record(ctx context.Context, t model.Transition) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (machine, from_state, to_state, at, error) VALUES (?, ?, ?, ?, ?)`,
		t.Machine, string(t.From), string(t.To), t.At.UTC().Format(time.RFC3339Nano), t.Error,
	)
	if err != nil {
		return fmt.Errorf("record transition for %q: %w", t.Machine, err)
	}
	return nil
}

// Transitions returns up to limit transitions of machine, newest first.
// A limit of zero or less returns all of them.
func (j *Journal) Transitions(ctx context.Context, machine string, limit int) ([]model.Transition, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT from_state, to_state, at, error FROM transitions WHERE machine = ? ORDER BY id DESC LIMIT ?`,
		machine, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions for %q: %w", machine, err)
	}
	defer rows.Close()

	out := make([]model.Transition, 0)
	for rows.Next() {
		var from, to, at, msg string
		if err := rows.Scan(&from, &to, &at, &msg); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse transition time %q: %w", at, err)
		}
		out = append(out, model.Transition{
			Machine: machine,
			From:    model.ConnectionState(from),
			To:      model.ConnectionState(to),
			At:      ts,
			Error:   msg,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition rows: %w", err)
	}
	return out, nil
}
