// Package history implements HistoryStore: an append-only, per-session
// conversation log with a bounded in-memory ring of the most recent
// entries and durable overflow once a session's ring fills (spec §4.5).
//
// Grounded on the broader pack's sqlite usage (golang-migrate schema
// versioning, a dedicated single-writer goroutine serializing durable
// writes) since the teacher keeps no history at all; modernc.org/sqlite
// is used in place of the pack's cgo sqlite drivers so the module stays
// pure Go.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Direction values for a HistoryEntry (spec §3).
const (
	DirectionUser      = "user"
	DirectionAssistant = "assistant"
)

// Entry is one row of a session's conversation log (HistoryEntry, spec §3).
type Entry struct {
	SessionName string
	Seq         int64
	Direction   string
	Text        string
	Timestamp   time.Time
}

// Store is the HistoryStore (spec §4.5).
type Store struct {
	log      *zap.SugaredLogger
	db       *sql.DB
	ringSize int

	mu    sync.Mutex
	rings map[string]*ring

	writeCh chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
}

// Open runs pending migrations against dbPath and starts the durable
// writer goroutine. ringSize is K from spec §4.5 (default 100 if <= 0).
func Open(log *zap.SugaredLogger, dbPath string, ringSize int) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if ringSize <= 0 {
		ringSize = 100
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite + a single-writer design; avoid SQLITE_BUSY

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	s := &Store{
		log:      log,
		db:       db,
		ringSize: ringSize,
		rings:    make(map[string]*ring),
		writeCh:  make(chan Entry, 256),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writerLoop()
	return s, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Append records one HistoryEntry. It never blocks the caller on the
// durable backend: the in-memory ring is updated synchronously, and any
// entry evicted from the ring is hung off the durable-writer channel,
// dropped (and logged) if the channel is full (spec §4.5's "writes never
// block the worker path").
func (s *Store) Append(sessionName, direction, text string) {
	s.mu.Lock()
	r, ok := s.rings[sessionName]
	if !ok {
		r = newRing(s.ringSize)
		s.rings[sessionName] = r
	}
	entry := Entry{
		SessionName: sessionName,
		Seq:         r.nextSeq(),
		Direction:   direction,
		Text:        text,
		Timestamp:   time.Now(),
	}
	evicted, hadEviction := r.push(entry)
	s.mu.Unlock()

	if hadEviction {
		select {
		case s.writeCh <- evicted:
		default:
			s.log.Warnw("history durable write dropped, channel full", "session", sessionName, "seq", evicted.Seq)
		}
	}
}

// Read returns the most recent n entries for a session, merging the
// durable backend (older) with the in-memory ring (newer), oldest first
// (spec §4.5's "merged (durable-first, in-memory-last) sequence").
func (s *Store) Read(sessionName string, n int) ([]Entry, error) {
	s.mu.Lock()
	r, ok := s.rings[sessionName]
	var tail []Entry
	if ok {
		tail = r.snapshot()
	}
	s.mu.Unlock()

	if n <= len(tail) {
		return tail[len(tail)-n:], nil
	}

	need := n - len(tail)
	older, err := s.readDurable(sessionName, need)
	if err != nil {
		return nil, fmt.Errorf("read history durable: %w", err)
	}
	return append(older, tail...), nil
}

func (s *Store) readDurable(sessionName string, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT seq, direction, text, ts FROM history WHERE session_name = ? ORDER BY seq DESC LIMIT ?`,
		sessionName, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tsUnix int64
		if err := rows.Scan(&e.Seq, &e.Direction, &e.Text, &tsUnix); err != nil {
			return nil, err
		}
		e.SessionName = sessionName
		e.Timestamp = time.Unix(tsUnix, 0)
		out = append(out, e)
	}

	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// writerLoop is the single durable writer (spec §5: "accessed through a
// single writer serialized by its own internal queue").
func (s *Store) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e := <-s.writeCh:
			if err := s.writeDurable(e); err != nil {
				s.log.Warnw("history durable write failed", "session", e.SessionName, "seq", e.Seq, "error", err)
			}
		}
	}
}

func (s *Store) writeDurable(e Entry) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT OR REPLACE INTO history (session_name, seq, direction, text, ts) VALUES (?, ?, ?, ?, ?)`,
		e.SessionName, e.Seq, e.Direction, e.Text, e.Timestamp.Unix())
	return err
}

// Close stops the writer goroutine and closes the database handle.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

// Drop clears a session's in-memory ring and its durable rows, used by
// the administrative Close path that removes a session's history
// entirely (spec §4.3's Close(name) contract).
func (s *Store) Drop(sessionName string) error {
	s.mu.Lock()
	delete(s.rings, sessionName)
	s.mu.Unlock()

	_, err := s.db.ExecContext(context.Background(), `DELETE FROM history WHERE session_name = ?`, sessionName)
	return err
}
