package indexdb

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

	tlog "skyhack.ai/internal/persistence/log"
	"skyhack.ai/internal/protocol"
)

// SQLiteIndex is a queryable secondary index of applied turns. Writes are
// queued and applied by one goroutine; the zstd turn log stays the source of
// truth, so a full queue drops rows instead of blocking the request path.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu orders sends against close(ch): senders hold it shared.
	sendMu sync.RWMutex
	closed atomic.Bool

	dropTurn atomic.Uint64
	written  atomic.Uint64
}

type reqKind int

const (
	reqTurn reqKind = iota + 1
	reqSync
)

type req struct {
	kind reqKind

	turn tlog.TurnEntry
	done chan struct{}
}

// Stats reports the writer queue.
type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropTurnTotal uint64
	WrittenTotal  uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 4096)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
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

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
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
		`CREATE TABLE IF NOT EXISTS turns (
			turn INTEGER PRIMARY KEY,
			request_id TEXT NOT NULL,
			episode INTEGER NOT NULL,
			command TEXT NOT NULL,
			action TEXT NOT NULL,
			reward REAL NOT NULL,
			done INTEGER NOT NULL,
			reset INTEGER NOT NULL,
			digest TEXT NOT NULL,
			unix_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_episode ON turns(episode, turn);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteTurn(e tlog.TurnEntry) error {
	if s == nil {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTurn, turn: e}:
	default:
		s.dropTurn.Add(1)
	}
	return nil
}

// Sync blocks until every turn queued before the call is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	s.sendMu.RLock()
	if s.closed.Load() {
		s.sendMu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		s.sendMu.RUnlock()
		return ctx.Err()
	}
	s.sendMu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTurnTotal: s.dropTurn.Load(),
		WrittenTotal:  s.written.Load(),
	}
}

// SetMeta records a process-level fact such as the seed or vocabulary digest.
func (s *SQLiteIndex) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, key, value)
	return err
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// RecentTurns returns up to limit committed turns, newest first.
func (s *SQLiteIndex) RecentTurns(ctx context.Context, limit int) ([]protocol.TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn,request_id,episode,command,action,reward,done,digest,unix_ms
		 FROM turns ORDER BY turn DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]protocol.TurnRecord, 0, limit)
	for rows.Next() {
		var (
			r      protocol.TurnRecord
			turn   int64
			done   int
			unixMS int64
		)
		if err := rows.Scan(&turn, &r.RequestID, &r.Episode, &r.Command, &r.Action, &r.Reward, &done, &r.Digest, &unixMS); err != nil {
			return nil, err
		}
		r.Turn = uint64(turn)
		r.Done = done != 0
		r.Unix = unixMS / 1000
		out = append(out, r)
	}
	return out, rows.Err()
}

// EpisodeSummary aggregates the indexed turns of one episode.
type EpisodeSummary struct {
	Episode   int     `json:"episode"`
	FirstTurn uint64  `json:"first_turn"`
	LastTurn  uint64  `json:"last_turn"`
	Turns     int     `json:"turns"`
	Reward    float64 `json:"reward"`
	Done      bool    `json:"done"`
}

// Episodes returns up to limit episodes, newest first.
func (s *SQLiteIndex) Episodes(ctx context.Context, limit int) ([]EpisodeSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode,MIN(turn),MAX(turn),COUNT(*),SUM(reward),MAX(done)
		 FROM turns GROUP BY episode ORDER BY episode DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpisodeSummary
	for rows.Next() {
		var (
			e           EpisodeSummary
			first, last int64
			done        int
		)
		if err := rows.Scan(&e.Episode, &first, &last, &e.Turns, &e.Reward, &done); err != nil {
			return nil, err
		}
		e.FirstTurn, e.LastTurn, e.Done = uint64(first), uint64(last), done != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTurn, _ := s.db.Prepare(`INSERT OR REPLACE INTO turns(turn,request_id,episode,command,action,reward,done,reset,digest,unix_ms) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertTurn != nil {
			_ = insertTurn.Close()
		}
	}()

	var (
		tx            *sql.Tx
		pending       uint64
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = 500 * time.Millisecond
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
		if tx.Commit() == nil {
			s.written.Add(pending)
		}
		tx = nil
		pending = 0
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		pending = 0
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		switch r.kind {
		case reqSync:
			commit()
			close(r.done)
			continue
		case reqTurn:
			begin()
			if tx == nil || insertTurn == nil {
				continue
			}
			t := r.turn
			if _, err := tx.Stmt(insertTurn).Exec(
				int64(t.Turn),
				t.RequestID,
				t.Episode,
				t.Command,
				t.Action,
				t.Reward,
				boolInt(t.Done),
				boolInt(t.Reset),
				t.Digest,
				t.UnixMS,
			); err != nil {
				rollback()
				continue
			}
			opCount++
			pending++
		}
		// Commit once the queue drains so /api/history sees fresh turns.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
