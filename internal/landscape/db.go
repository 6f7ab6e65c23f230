// Package landscape implements the audit store: an append-mostly SQLite
// database holding every decision a run makes, plus the signed exporter
// that turns a completed run into a deterministic record stream.
package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vsavkov/elspeth/internal/payload"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically in
// chronological order. RFC3339Nano trims trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Landscape is the shared audit handle. One per run; all workers share it.
// Writes are serialised by an internal mutex on top of SQLite's own
// locking, so concurrent row processors never interleave a multi-statement
// transaction.
type Landscape struct {
	db       *sql.DB
	payloads payload.Store
	log      *slog.Logger

	mu  sync.Mutex
	now func() time.Time

	// call_index counters, keyed by parent id + call type, seeded lazily
	// from MAX(call_index) so resumed runs keep allocating monotonically.
	callIdx map[string]int
}

// Option configures a Landscape at open time.
type Option func(*Landscape)

// WithPayloadStore sets the blob store for row data and call bodies.
// Defaults to an in-memory store.
func WithPayloadStore(s payload.Store) Option {
	return func(l *Landscape) { l.payloads = s }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Landscape) { l.log = log }
}

// WithClock overrides the time source. Tests use this for stable
// created_at ordering.
func WithClock(now func() time.Time) Option {
	return func(l *Landscape) { l.now = now }
}

// Open opens (or creates) a file-backed landscape at path.
func Open(path string, opts ...Option) (*Landscape, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	return open(dsn, opts...)
}

// OpenMemory opens an in-memory landscape, used by tests and dry runs.
func OpenMemory(opts ...Option) (*Landscape, error) {
	return open(":memory:?_pragma=foreign_keys(ON)", opts...)
}

func open(dsn string, opts ...Option) (*Landscape, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("landscape: open: %w", err)
	}
	// One connection: the write mutex serialises access anyway, and a
	// single conn keeps in-memory databases from fragmenting across the
	// pool.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("landscape: ping: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("landscape: schema: %w", err)
	}

	l := &Landscape{
		db:       db,
		payloads: payload.NewMemoryStore(),
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		callIdx:  map[string]int{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Payloads returns the blob store backing this landscape.
func (l *Landscape) Payloads() payload.Store { return l.payloads }

// Close closes the underlying database. Close exactly once, after the run
// is finalised.
func (l *Landscape) Close() error {
	return l.db.Close()
}

func (l *Landscape) timestamp() (time.Time, string) {
	t := l.now().UTC()
	return t, t.Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("landscape: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// inTx runs fn inside a single transaction under the write mutex.
func (l *Landscape) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("landscape: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("landscape: commit: %w", err)
	}
	return nil
}
