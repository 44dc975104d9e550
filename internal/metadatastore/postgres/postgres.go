// Package postgres implements metadatastore.Store over PostgreSQL via
// pgxpool, grounded on the teacher's db/postgres_pgx.go connection-pool
// wrapper. It is the multi-writer-capable production store: every table
// write goes through row-level locking or an append-only trigger, which
// is exactly the property the teacher's single-writer bbolt store lacked
// and that its operators hit in production (see DESIGN.md).
package postgres

import (
	"context"
	"embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is the pgxpool-backed metadatastore.Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and runs embedded migrations. role is accepted for
// symmetry with the embedded store's Open but never rejected: Postgres is
// always safe for RoleMultiWriter.
func Open(ctx context.Context, dsn string, role metadatastore.Role) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "ping postgres")
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.Internal, err, "read embedded migrations")
	}
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "create schema_migrations")
	}
	for _, entry := range entries {
		name := entry.Name()
		var already bool
		row := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name = $1)`, name)
		if err := row.Scan(&already); err != nil {
			return nexuserrors.Wrap(nexuserrors.Unavailable, err, "check migration state")
		}
		if already {
			continue
		}
		sqlBytes, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return nexuserrors.Wrap(nexuserrors.Internal, err, "read migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, string(sqlBytes)); err != nil {
			return nexuserrors.Wrap(nexuserrors.Unavailable, err, "apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations(name) VALUES ($1)`, name); err != nil {
			return nexuserrors.Wrap(nexuserrors.Unavailable, err, "record migration %s", name)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// WithTx runs fn against a pgx transaction, committing on nil error and
// rolling back otherwise. Callers compose multi-table writes (a file row
// plus its parent hierarchy tuple) through this to get the same-transaction
// visibility ordering the fs layer depends on.
func (s *Store) WithTx(ctx context.Context, fn func(tx metadatastore.Tx) error) error {
	txn, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "begin transaction")
	}
	if err := fn(&querier{q: txn}); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "commit transaction")
	}
	return nil
}

// q abstracts over *pgxpool.Pool and pgx.Tx so the same query methods work
// both outside and inside a transaction.
type q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type poolAdapter struct{ pool *pgxpool.Pool }

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}
func (p poolAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}
func (p poolAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// querier implements metadatastore.Tx over any q, letting the Store embed
// one directly (pool-backed) and WithTx hand out a transaction-backed one.
type querier struct{ q q }

var _ metadatastore.Tx = (*querier)(nil)

// The Store itself satisfies metadatastore.Tx for calls made outside an
// explicit transaction, delegating to a pool-backed querier.
func (s *Store) outer() *querier { return &querier{q: poolAdapter{s.pool}} }

func (s *Store) PutFile(ctx context.Context, rec model.FileRecord) error { return s.outer().PutFile(ctx, rec) }
func (s *Store) GetFile(ctx context.Context, tenantID, path string) (model.FileRecord, error) {
	return s.outer().GetFile(ctx, tenantID, path)
}
func (s *Store) DeleteFile(ctx context.Context, tenantID, path string) error {
	return s.outer().DeleteFile(ctx, tenantID, path)
}
func (s *Store) ListByPrefix(ctx context.Context, tenantID, prefix string, recursive bool) ([]model.FileRecord, error) {
	return s.outer().ListByPrefix(ctx, tenantID, prefix, recursive)
}
func (s *Store) GetContentRow(ctx context.Context, tenantID, hash string) (model.ContentRow, error) {
	return s.outer().GetContentRow(ctx, tenantID, hash)
}
func (s *Store) IncrRefCount(ctx context.Context, tenantID, hash, locator string, size int64) (int64, error) {
	return s.outer().IncrRefCount(ctx, tenantID, hash, locator, size)
}
func (s *Store) DecrRefCount(ctx context.Context, tenantID, hash string) (int64, error) {
	return s.outer().DecrRefCount(ctx, tenantID, hash)
}
func (s *Store) CreateTuple(ctx context.Context, t model.Tuple) error { return s.outer().CreateTuple(ctx, t) }
func (s *Store) DeleteTuple(ctx context.Context, tenantID, tupleID string) error {
	return s.outer().DeleteTuple(ctx, tenantID, tupleID)
}
func (s *Store) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	return s.outer().DeleteObjectTuples(ctx, tenantID, object)
}
func (s *Store) ListTuples(ctx context.Context, tenantID string, filter metadatastore.TupleFilter) ([]model.Tuple, error) {
	return s.outer().ListTuples(ctx, tenantID, filter)
}
func (s *Store) PutNamespace(ctx context.Context, ns model.Namespace) error {
	return s.outer().PutNamespace(ctx, ns)
}
func (s *Store) GetNamespace(ctx context.Context, objectType string) (model.Namespace, error) {
	return s.outer().GetNamespace(ctx, objectType)
}
func (s *Store) CreateAPIKey(ctx context.Context, rec metadatastore.APIKeyRecord) error {
	return s.outer().CreateAPIKey(ctx, rec)
}
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (metadatastore.APIKeyRecord, error) {
	return s.outer().GetAPIKeyByPrefix(ctx, prefix)
}
func (s *Store) AppendAudit(ctx context.Context, entry metadatastore.AuditEntry) error {
	return s.outer().AppendAudit(ctx, entry)
}
func (s *Store) ListScheduledTasks(ctx context.Context, tenantID string) ([]metadatastore.ScheduledTask, error) {
	return s.outer().ListScheduledTasks(ctx, tenantID)
}
func (s *Store) RecordVersion(ctx context.Context, v metadatastore.ContentVersion) error {
	return s.outer().RecordVersion(ctx, v)
}
func (s *Store) ListVersions(ctx context.Context, tenantID, path string) ([]metadatastore.ContentVersion, error) {
	return s.outer().ListVersions(ctx, tenantID, path)
}

var _ metadatastore.Store = (*Store)(nil)

func wrapExecErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return nexuserrors.Wrap(nexuserrors.Unavailable, err, "%s", op)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return wrapExecErr(err, "query")
}
