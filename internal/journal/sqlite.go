package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"flexmc.dev/internal/migrate"
)

// SQLite records per-chunk migration outcomes so an interrupted run
// can be audited and resumed. Writes go through a single writer
// goroutine; the engine's workers never block on the database.
type SQLite struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu fences enqueues against Close: senders hold it shared
	// while touching ch, Close takes it exclusively before closing.
	sendMu sync.RWMutex
	closed bool

	runID int64
}

type reqKind int

const (
	reqChunk reqKind = iota + 1
	reqBarrier
)

type req struct {
	kind  reqKind
	chunk chunkRow
	done  chan struct{}
}

type chunkRow struct {
	RunID  int64
	Dim    string
	X, Z   int
	Status string
	Reason string
	At     string
}

// ChunkRecord is one journaled outcome, as read back from the
// database.
type ChunkRecord struct {
	Dim    string
	X, Z   int
	Status string
	Reason string
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLite{
		db: db,
		// Generous buffer: a burst of small already-generated chunks
		// finishes much faster than sqlite commits.
		ch: make(chan req, 8192),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			migrated INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			lossy INTEGER NOT NULL DEFAULT 0,
			corrupt INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			run_id INTEGER NOT NULL,
			dim TEXT NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, dim, cx, cz, status)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(run_id, status);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// BeginRun opens a new run row. Subsequent Record calls attach to it.
func (s *SQLite) BeginRun() (int64, error) {
	res, err := s.db.Exec(`INSERT INTO runs(started_at) VALUES(?)`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	atomic.StoreInt64(&s.runID, id)
	return id, nil
}

// FinishRun stamps the run row with its summary. Pending chunk writes
// are drained first so the row counts match the journal.
func (s *SQLite) FinishRun(id int64, sum migrate.Summary) error {
	s.Sync()
	_, err := s.db.Exec(
		`UPDATE runs SET finished_at=?, migrated=?, skipped=?, failed=?, lossy=?, corrupt=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		sum.Migrated, sum.Skipped, sum.Failed, sum.Lossy, sum.Corrupt, id)
	return err
}

// Record implements migrate.Recorder. Events are buffered; the journal
// drops them rather than stall the run when sqlite falls behind.
func (s *SQLite) Record(ev migrate.Event) {
	if s == nil {
		return
	}
	row := chunkRow{
		RunID:  atomic.LoadInt64(&s.runID),
		Dim:    ev.Dim.String(),
		X:      ev.Pos.X,
		Z:      ev.Pos.Z,
		Status: string(ev.Status),
		Reason: ev.Reason,
		At:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- req{kind: reqChunk, chunk: row}:
	default:
	}
}

// Sync blocks until every previously enqueued write is committed.
func (s *SQLite) Sync() {
	if s == nil {
		return
	}
	done := make(chan struct{})
	s.sendMu.RLock()
	if s.closed {
		s.sendMu.RUnlock()
		return
	}
	s.ch <- req{kind: reqBarrier, done: done}
	s.sendMu.RUnlock()
	<-done
}

// Failures lists the chunks a run could not migrate.
func (s *SQLite) Failures(runID int64) ([]ChunkRecord, error) {
	return s.byStatus(runID, migrate.StatusFailed)
}

// Corrupt lists the custom-world slots whose stored data was unreadable.
func (s *SQLite) Corrupt(runID int64) ([]ChunkRecord, error) {
	return s.byStatus(runID, migrate.StatusCorrupt)
}

func (s *SQLite) byStatus(runID int64, status migrate.Status) ([]ChunkRecord, error) {
	rows, err := s.db.Query(
		`SELECT dim, cx, cz, status, IFNULL(reason,'') FROM chunks
		 WHERE run_id=? AND status=? ORDER BY dim, cx, cz`,
		runID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRecord
	for rows.Next() {
		var r ChunkRecord
		if err := rows.Scan(&r.Dim, &r.X, &r.Z, &r.Status, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Statuses returns every journaled record for a run, in chunk order.
func (s *SQLite) Statuses(runID int64) ([]ChunkRecord, error) {
	rows, err := s.db.Query(
		`SELECT dim, cx, cz, status, IFNULL(reason,'') FROM chunks
		 WHERE run_id=? ORDER BY dim, cx, cz, status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRecord
	for rows.Next() {
		var r ChunkRecord
		if err := rows.Scan(&r.Dim, &r.X, &r.Z, &r.Status, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLite) loop() {
	ctx := context.Background()

	insertChunk, _ := s.db.Prepare(
		`INSERT OR REPLACE INTO chunks(run_id,dim,cx,cz,status,reason,updated_at) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if insertChunk != nil {
			_ = insertChunk.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
	}

	for r := range s.ch {
		switch r.kind {
		case reqChunk:
			begin()
			if tx == nil || insertChunk == nil {
				continue
			}
			c := r.chunk
			if _, err := tx.Stmt(insertChunk).Exec(
				c.RunID, c.Dim, c.X, c.Z, c.Status, c.Reason, c.At,
			); err != nil {
				rollback()
				continue
			}
			opCount++
			if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
				commit()
			}

		case reqBarrier:
			commit()
			close(r.done)
		}
	}

	commit()
}
