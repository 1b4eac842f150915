// Package stats keeps a SQLite history of trace lifecycle events and
// per-run JIT counters, so hot and unstable loops can be inspected after
// the process exits.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/quill/vm"
)

var statsLog = commonlog.GetLogger("quill.stats")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		recordings INTEGER NOT NULL DEFAULT 0,
		installed INTEGER NOT NULL DEFAULT 0,
		aborted INTEGER NOT NULL DEFAULT 0,
		blacklisted INTEGER NOT NULL DEFAULT 0,
		invalidated INTEGER NOT NULL DEFAULT 0,
		evicted INTEGER NOT NULL DEFAULT 0,
		entries INTEGER NOT NULL DEFAULT 0,
		side_exits INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run TEXT NOT NULL,
		kind TEXT NOT NULL,
		function TEXT NOT NULL,
		pc INTEGER NOT NULL,
		recorded INTEGER NOT NULL,
		nodes INTEGER NOT NULL,
		looping BOOLEAN NOT NULL,
		exits INTEGER NOT NULL,
		reason TEXT NOT NULL,
		at TIMESTAMP NOT NULL,

		FOREIGN KEY(run) REFERENCES runs(id)
	)`,
	`CREATE INDEX IF NOT EXISTS events_function ON events(function, pc)`,
}

// Event is one stored trace event.
type Event struct {
	ID       int64     `db:"id"`
	Run      string    `db:"run"`
	Kind     string    `db:"kind"`
	Function string    `db:"function"`
	PC       int       `db:"pc"`
	Recorded int       `db:"recorded"`
	Nodes    int       `db:"nodes"`
	Looping  bool      `db:"looping"`
	Exits    uint64    `db:"exits"`
	Reason   string    `db:"reason"`
	At       time.Time `db:"at"`
}

// Run is the stored counter snapshot of one runtime.
type Run struct {
	ID          string    `db:"id"`
	StartedAt   time.Time `db:"started_at"`
	Recordings  uint64    `db:"recordings"`
	Installed   uint64    `db:"installed"`
	Aborted     uint64    `db:"aborted"`
	Blacklisted uint64    `db:"blacklisted"`
	Invalidated uint64    `db:"invalidated"`
	Evicted     uint64    `db:"evicted"`
	Entries     uint64    `db:"entries"`
	SideExits   uint64    `db:"side_exits"`
}

// LoopSummary aggregates the events of one loop head over all runs.
type LoopSummary struct {
	Function    string `db:"function"`
	PC          int    `db:"pc"`
	Installed   int    `db:"installed"`
	Aborted     int    `db:"aborted"`
	Invalidated int    `db:"invalidated"`
	Blacklisted bool   `db:"blacklisted"`
}

// Store is a statistics database.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stats: opening database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("stats: setting busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("stats: creating schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun registers a runtime so its events can be stored.
func (s *Store) BeginRun(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO runs (id, started_at) VALUES (?, ?)`, id.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("stats: begin run: %w", err)
	}
	return nil
}

// Record stores one trace event of run.
func (s *Store) Record(ctx context.Context, run uuid.UUID, ev vm.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := Event{
		Run:      run.String(),
		Kind:     ev.Kind.String(),
		Function: ev.Function,
		PC:       ev.PC,
		Recorded: ev.Recorded,
		Nodes:    ev.Nodes,
		Looping:  ev.Looping,
		Exits:    ev.Exits,
		Reason:   ev.Reason,
		At:       ev.At.UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO events
		(run, kind, function, pc, recorded, nodes, looping, exits, reason, at)
		VALUES (:run, :kind, :function, :pc, :recorded, :nodes, :looping, :exits, :reason, :at)`, row)
	if err != nil {
		return fmt.Errorf("stats: record %s event: %w", row.Kind, err)
	}
	return nil
}

// SaveCounters stores the current JIT counters of run.
func (s *Store) SaveCounters(ctx context.Context, run uuid.UUID, st vm.JITStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET
		recordings = ?, installed = ?, aborted = ?, blacklisted = ?,
		invalidated = ?, evicted = ?, entries = ?, side_exits = ?
		WHERE id = ?`,
		st.Recordings, st.Installed, st.Aborted, st.Blacklisted,
		st.Invalidated, st.Evicted, st.Entries, st.SideExits, run.String())
	if err != nil {
		return fmt.Errorf("stats: save counters: %w", err)
	}
	return nil
}

// Attach registers rt and stores every trace event it emits from now on.
// An event handler already set on the JIT keeps being called.
func (s *Store) Attach(ctx context.Context, rt *vm.Runtime) error {
	if err := s.BeginRun(ctx, rt.ID); err != nil {
		return err
	}
	prev := rt.JIT.OnEvent
	rt.JIT.OnEvent = func(ev vm.TraceEvent) {
		if prev != nil {
			prev(ev)
		}
		if err := s.Record(ctx, rt.ID, ev); err != nil {
			statsLog.Errorf("%s", err)
		}
	}
	statsLog.Debugf("recording trace events of runtime %s", rt.ID)
	return nil
}

// Events returns the events of run in the order they happened.
func (s *Store) Events(ctx context.Context, run uuid.UUID) ([]Event, error) {
	var events []Event
	if err := s.db.SelectContext(ctx, &events, `SELECT * FROM events WHERE run = ? ORDER BY id`, run.String()); err != nil {
		return nil, fmt.Errorf("stats: events: %w", err)
	}
	return events, nil
}

// Runs returns the stored runs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.SelectContext(ctx, &runs, `SELECT * FROM runs ORDER BY started_at, id`); err != nil {
		return nil, fmt.Errorf("stats: runs: %w", err)
	}
	return runs, nil
}

// Loops summarizes the events of every loop head, the most often
// installed first.
func (s *Store) Loops(ctx context.Context) ([]LoopSummary, error) {
	var loops []LoopSummary
	err := s.db.SelectContext(ctx, &loops, `SELECT function, pc,
		SUM(kind = 'installed') AS installed,
		SUM(kind = 'aborted') AS aborted,
		SUM(kind = 'invalidated') AS invalidated,
		MAX(kind = 'blacklisted') AS blacklisted
		FROM events GROUP BY function, pc
		ORDER BY installed DESC, function, pc`)
	if err != nil {
		return nil, fmt.Errorf("stats: loops: %w", err)
	}
	return loops, nil
}
