package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrJournalClosed is returned when recording into a closed journal
var ErrJournalClosed = errors.New("journal closed")

// Event kinds stored in the journal
const (
	EventRegister = "register"
	EventRemove   = "remove"
)

const (
	defaultBufferSize    = 512
	defaultFlushInterval = 100 * time.Millisecond
	defaultPruneInterval = time.Hour
	maxBatchSize         = 128
)

// Options tunes a journal. The zero value keeps events forever.
type Options struct {
	// Retention is how long events are kept; 0 disables pruning
	Retention time.Duration
	// PruneInterval is how often old events are deleted (default 1h)
	PruneInterval time.Duration
}

// Event is one session lifecycle entry
type Event struct {
	ID        int64
	Kind      string
	SessionID string
	Name      string
	Transport string
	Address   string
	Reason    string
	At        time.Time
}

// Journal records session lifecycle events in SQLite. Writes are buffered
// and flushed in batches by a single writer goroutine, so recording never
// blocks the chat path.
type Journal struct {
	conn *sql.DB
	opts Options

	events  chan Event
	flushes chan chan error
	quit    chan struct{}
	wg      sync.WaitGroup

	closed    atomic.Bool
	dropped   atomic.Int64
	closeOnce sync.Once
}

// Open opens the journal at path and initializes the schema if needed
func Open(path string) (*Journal, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions is Open with retention settings
func OpenWithOptions(path string, opts Options) (*Journal, error) {
	if opts.Retention < 0 {
		return nil, fmt.Errorf("invalid retention %v", opts.Retention)
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer, SQLite serializes writes anyway
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	j := &Journal{
		conn:    conn,
		opts:    opts,
		events:  make(chan Event, defaultBufferSize),
		flushes: make(chan chan error),
		quit:    make(chan struct{}),
	}

	j.wg.Add(1)
	go j.writer(defaultFlushInterval)

	return j, nil
}

// migrations are applied in order; the index+1 is the schema version
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS SessionEvent (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	session_id TEXT NOT NULL,
	name TEXT NOT NULL,
	transport TEXT NOT NULL,
	address TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_event_session ON SessionEvent(session_id);`,
	`CREATE INDEX IF NOT EXISTS idx_session_event_at ON SessionEvent(at);`,
}

func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`); err != nil {
		return err
	}

	var current int
	if err := conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, nowMillis()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		log.Printf("Applied journal migration %d", version)
	}
	return nil
}

// SchemaVersion returns the applied schema version
func (j *Journal) SchemaVersion() (int, error) {
	var v int
	err := j.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Record queues an event. When the buffer is full the event is dropped and
// counted rather than blocking the caller.
func (j *Journal) Record(ev Event) error {
	if j.closed.Load() {
		return ErrJournalClosed
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case j.events <- ev:
		return nil
	case <-j.quit:
		return ErrJournalClosed
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("journal: buffer full, %d events dropped", n)
		}
		return nil
	}
}

// Dropped returns how many events were dropped because the buffer was full
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Flush writes every queued event and waits for the write to finish
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case j.flushes <- done:
	case <-j.quit:
		return ErrJournalClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) writer(interval time.Duration) {
	defer j.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pruneC <-chan time.Time
	if j.opts.Retention > 0 {
		j.pruneExpired()
		pruneTicker := time.NewTicker(j.opts.PruneInterval)
		defer pruneTicker.Stop()
		pruneC = pruneTicker.C
	}

	batch := make([]Event, 0, maxBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := j.insert(batch)
		if err != nil {
			log.Printf("journal: failed to write %d events: %v", len(batch), err)
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case ev := <-j.events:
			batch = append(batch, ev)
			if len(batch) >= maxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-pruneC:
			flush()
			j.pruneExpired()
		case done := <-j.flushes:
			j.drainInto(&batch)
			done <- flush()
		case <-j.quit:
			j.drainInto(&batch)
			flush()
			return
		}
	}
}

func (j *Journal) drainInto(batch *[]Event) {
	for {
		select {
		case ev := <-j.events:
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

func (j *Journal) insert(events []Event) error {
	tx, err := j.conn.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO SessionEvent (kind, session_id, name, transport, address, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.Exec(ev.Kind, ev.SessionID, ev.Name, ev.Transport, ev.Address, ev.Reason, ev.At.UnixMilli()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecentEvents returns up to limit events, oldest first
func (j *Journal) RecentEvents(limit int) ([]Event, error) {
	rows, err := j.conn.Query(`SELECT id, kind, session_id, name, transport, address, reason, at
		FROM (SELECT * FROM SessionEvent ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SessionEvents returns every event for one session id, oldest first
func (j *Journal) SessionEvents(sessionID string) ([]Event, error) {
	rows, err := j.conn.Query(`SELECT id, kind, session_id, name, transport, address, reason, at
		FROM SessionEvent WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountByKind returns how many events of the given kind were recorded
func (j *Journal) CountByKind(kind string) (int, error) {
	var n int
	err := j.conn.QueryRow("SELECT COUNT(*) FROM SessionEvent WHERE kind = ?", kind).Scan(&n)
	return n, err
}

// Prune deletes events older than cutoff and returns how many were removed
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	res, err := j.conn.Exec("DELETE FROM SessionEvent WHERE at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (j *Journal) pruneExpired() {
	removed, err := j.Prune(time.Now().Add(-j.opts.Retention))
	if err != nil {
		log.Printf("journal: prune failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("journal: pruned %d events older than %v", removed, j.opts.Retention)
	}
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.SessionID, &ev.Name, &ev.Transport, &ev.Address, &ev.Reason, &at); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close flushes queued events and closes the database
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		close(j.quit)
		j.wg.Wait()
		err = j.conn.Close()
	})
	return err
}
