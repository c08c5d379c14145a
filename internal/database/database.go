// Package database is the PostgreSQL implementation of core.Store.
//
// Queries run through DBTX so the same methods serve the pool and a
// transaction. Lock* methods use SELECT ... FOR UPDATE; outside InTx the
// lock is released when the statement's implicit transaction ends.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/datamorph/internal/config"
	"github.com/JonMunkholm/datamorph/internal/core"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements core.Repository over a DBTX.
type Queries struct {
	db DBTX
}

// New returns Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

var _ core.Repository = (*Queries)(nil)

// Store is a pooled core.Store.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

// Connect opens and pings a pool configured from cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// InTx runs fn inside one transaction. It commits when fn returns nil and
// rolls back on an error or a panic.
func (s *Store) InTx(ctx context.Context, fn func(tx core.Repository) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				slog.Error("rollback after panic failed", "error", rbErr)
			}
			panic(p)
		}
	}()

	if err := fn(New(tx)); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err), "transaction", nil)
	}
	return nil
}

// PostgreSQL error codes the repository translates.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
)

// mapError converts driver errors into the core taxonomy. Missing rows
// become ErrNotFound for entity/id; constraint violations become
// ErrConflict and keep the driver text for MapError's patterns.
func mapError(err error, entity string, id any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return core.NotFound(entity, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return core.Conflict("%s: duplicate key violates unique constraint %s", entity, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return core.Conflict("%s: violates foreign key constraint %s", entity, pgErr.ConstraintName)
		case codeSerialization, codeDeadlock:
			return core.Transient(err)
		}
	}
	return err
}

// expectRow reports NotFound when an update touched nothing.
func expectRow(tag pgconn.CommandTag, entity string, id any) error {
	if tag.RowsAffected() == 0 {
		return core.NotFound(entity, id)
	}
	return nil
}
