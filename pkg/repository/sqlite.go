package repository

import (
	"context"
	"database/sql"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLite implements Repository on an embedded SQLite database
type SQLite struct {
	db *sql.DB

	idMu    sync.Mutex
	entropy *rand.Rand
}

// NewSQLite opens or creates a SQLite database at dbPath
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", dbPath))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite database", goerr.V("path", dbPath))
	}

	s := &SQLite{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to migrate sqlite database", goerr.V("path", dbPath))
	}
	return s, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL UNIQUE,
		abstract     TEXT NOT NULL,
		memory_block TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Add(ctx context.Context, memory model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, name, abstract, memory_block, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		s.newID(), memory.Name, memory.Abstract, memory.MemoryBlock, now, now,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to insert memory", goerr.V("name", memory.Name))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to get affected rows", goerr.V("name", memory.Name))
	}
	if n == 0 {
		return goerr.Wrap(model.ErrDuplicateKey, "failed to add memory", goerr.V("name", memory.Name))
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE name = ?`, name)
	if err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("name", name))
	}
	return expectAffected(res, "failed to remove memory", name)
}

func (s *SQLite) Update(ctx context.Context, memory model.Memory) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET abstract = ?, memory_block = ?, updated_at = ? WHERE name = ?`,
		memory.Abstract, memory.MemoryBlock, time.Now().UTC().Format(time.RFC3339Nano), memory.Name,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to update memory", goerr.V("name", memory.Name))
	}
	return expectAffected(res, "failed to update memory", memory.Name)
}

func expectAffected(res sql.Result, msg, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to get affected rows", goerr.V("name", name))
	}
	if n == 0 {
		return goerr.Wrap(model.ErrNotFound, msg, goerr.V("name", name))
	}
	return nil
}

func (s *SQLite) FetchByName(ctx context.Context, name string) (*model.Memory, error) {
	var m model.Memory
	err := s.db.QueryRowContext(ctx,
		`SELECT name, abstract, memory_block FROM memories WHERE name = ?`, name,
	).Scan(&m.Name, &m.Abstract, &m.MemoryBlock)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch memory", goerr.V("name", name))
	}
	return &m, nil
}

func (s *SQLite) FetchAllAbstracts(ctx context.Context) ([]model.MemoryAbstract, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, abstract FROM memories ORDER BY seq`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memory abstracts")
	}
	defer rows.Close()

	var abstracts []model.MemoryAbstract
	for rows.Next() {
		var a model.MemoryAbstract
		if err := rows.Scan(&a.Name, &a.Abstract); err != nil {
			return nil, goerr.Wrap(err, "failed to scan memory abstract")
		}
		abstracts = append(abstracts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate memory abstracts")
	}
	return abstracts, nil
}
