package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
)

// Postgres implements Repository on PostgreSQL
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and prepares the schema
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect postgres")
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memoria_memories (
			seq BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			abstract TEXT NOT NULL,
			memory_block TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return goerr.Wrap(err, "failed to init schema", goerr.V("stmt", stmt))
		}
	}
	return nil
}

// Close releases the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Add(ctx context.Context, memory model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO memoria_memories (name, abstract, memory_block)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO NOTHING`,
		memory.Name, memory.Abstract, memory.MemoryBlock,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to insert memory", goerr.V("name", memory.Name))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(model.ErrDuplicateKey, "failed to add memory", goerr.V("name", memory.Name))
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, name string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM memoria_memories WHERE name = $1`, name)
	if err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("name", name))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(model.ErrNotFound, "failed to remove memory", goerr.V("name", name))
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, memory model.Memory) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE memoria_memories SET abstract = $2, memory_block = $3, updated_at = now() WHERE name = $1`,
		memory.Name, memory.Abstract, memory.MemoryBlock,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to update memory", goerr.V("name", memory.Name))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(model.ErrNotFound, "failed to update memory", goerr.V("name", memory.Name))
	}
	return nil
}

func (p *Postgres) FetchByName(ctx context.Context, name string) (*model.Memory, error) {
	var m model.Memory
	err := p.pool.QueryRow(ctx,
		`SELECT name, abstract, memory_block FROM memoria_memories WHERE name = $1`, name,
	).Scan(&m.Name, &m.Abstract, &m.MemoryBlock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch memory", goerr.V("name", name))
	}
	return &m, nil
}

func (p *Postgres) FetchAllAbstracts(ctx context.Context) ([]model.MemoryAbstract, error) {
	rows, err := p.pool.Query(ctx, `SELECT name, abstract FROM memoria_memories ORDER BY seq`)
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
