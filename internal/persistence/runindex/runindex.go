// Package runindex maintains a queryable SQLite index over run traces.
// Writes are asynchronous and lossy under pressure: trace files remain
// the source of truth, the index is derived data for admin queries.
package runindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"warebot.ai/internal/sim"
)

// RunRow is one indexed run.
type RunRow struct {
	RunID     string
	Scenario  string
	StartedAt string
	Status    string
	Ticks     uint64
	Delivered bool
}

// Stats reports queue health for metrics scraping.
type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropTickTotal uint64
	DropRunTotal  uint64
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick atomic.Uint64
	dropRun  atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqRun
)

type req struct {
	kind  reqKind
	runID string
	tick  sim.TickRecord
	run   RunRow
}

// Open creates or reuses the index database at path.
func Open(path string) (*SQLiteIndex, error) {
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

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy tick stream; NORMAL durability is
	// enough for a secondary index.
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
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			started_at TEXT NOT NULL,
			status TEXT NOT NULL,
			ticks INTEGER NOT NULL,
			delivered INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			facing TEXT NOT NULL,
			holding INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			root INTEGER NOT NULL,
			status TEXT NOT NULL,
			digest TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

// Close drains the queue, commits, and closes the database. Idempotent.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// TickLogger adapts the index to sim.TraceLogger for one run.
func (s *SQLiteIndex) TickLogger(runID string) sim.TraceLogger {
	return tickLogger{s: s, runID: runID}
}

type tickLogger struct {
	s     *SQLiteIndex
	runID string
}

func (l tickLogger) WriteTick(rec sim.TickRecord) error {
	return l.s.writeTick(l.runID, rec)
}

func (s *SQLiteIndex) writeTick(runID string, rec sim.TickRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, runID: runID, tick: rec}:
	default:
		// Drop if the indexer falls behind; trace files remain the
		// source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

// RecordRun upserts a run summary row. Called at run start and again at
// the end with the final status.
func (s *SQLiteIndex) RecordRun(row RunRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if row.RunID == "" {
		return
	}
	if row.StartedAt == "" {
		row.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqRun, run: row}:
	default:
		s.dropRun.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTick.Load(),
		DropRunTotal:  s.dropRun.Load(),
	}
}

// RecentRuns lists runs newest first.
func (s *SQLiteIndex) RecentRuns(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT run_id, scenario, started_at, status, ticks, delivered
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var delivered int
		if err := rows.Scan(&r.RunID, &r.Scenario, &r.StartedAt, &r.Status, &r.Ticks, &delivered); err != nil {
			return nil, err
		}
		r.Delivered = delivered != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// TicksForRun pages through a run's indexed ticks in order.
func (s *SQLiteIndex) TicksForRun(runID string, fromTick uint64, limit int) ([]sim.TickRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT tick, x, y, facing, holding, delivered, root, status, digest
		 FROM ticks WHERE run_id = ? AND tick >= ? ORDER BY tick ASC LIMIT ?`,
		runID, int64(fromTick), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sim.TickRecord
	for rows.Next() {
		var rec sim.TickRecord
		var holding, delivered, root int
		if err := rows.Scan(&rec.Tick, &rec.Pos.X, &rec.Pos.Y, &rec.Facing, &holding, &delivered, &root, &rec.Status, &rec.Digest); err != nil {
			return nil, err
		}
		rec.Holding = holding != 0
		rec.Delivered = delivered != 0
		rec.Root = root != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(
		`INSERT OR REPLACE INTO ticks(run_id,tick,x,y,facing,holding,delivered,root,status,digest,raw_json)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertRun, _ := s.db.Prepare(
		`INSERT OR REPLACE INTO runs(run_id,scenario,started_at,status,ticks,delivered)
		 VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertRun != nil {
			_ = insertRun.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
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
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// The periodic case commits an open transaction during quiet
	// stretches, so admin queries on the single connection never wait
	// behind an idle tx.
	flush := time.NewTicker(250 * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil {
				continue
			}
			switch r.kind {
			case reqTick:
				if insertTick == nil {
					continue
				}
				raw, _ := marshalRecord(r.tick)
				if _, err := tx.Stmt(insertTick).Exec(
					r.runID,
					int64(r.tick.Tick),
					r.tick.Pos.X,
					r.tick.Pos.Y,
					r.tick.Facing,
					boolInt(r.tick.Holding),
					boolInt(r.tick.Delivered),
					boolInt(r.tick.Root),
					r.tick.Status,
					r.tick.Digest,
					raw,
				); err != nil {
					rollback()
					continue
				}
				opCount++

			case reqRun:
				if insertRun == nil {
					continue
				}
				if _, err := tx.Stmt(insertRun).Exec(
					r.run.RunID,
					r.run.Scenario,
					r.run.StartedAt,
					r.run.Status,
					int64(r.run.Ticks),
					boolInt(r.run.Delivered),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			flushIfNeeded()

		case <-flush.C:
			flushIfNeeded()
		}
	}
}

func marshalRecord(rec sim.TickRecord) (string, error) {
	b, err := json.Marshal(rec)
	return string(b), err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
