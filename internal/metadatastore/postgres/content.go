package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// GetContentRow reads the current ref count without locking; callers that
// need a consistent read-then-write must go through IncrRefCount or
// DecrRefCount, which take the row lock themselves.
func (qr *querier) GetContentRow(ctx context.Context, tenantID, hash string) (model.ContentRow, error) {
	row := qr.q.QueryRow(ctx, `
		SELECT content_hash, size, ref_count, backend_locator
		FROM content_refs WHERE tenant_id = $1 AND content_hash = $2
	`, tenantID, hash)
	var cr model.ContentRow
	if err := row.Scan(&cr.ContentHash, &cr.Size, &cr.RefCount, &cr.BackendLocator); err != nil {
		return model.ContentRow{}, notFound(err, nexuserrors.ErrContentNotFound)
	}
	return cr, nil
}

// IncrRefCount locks the (tenant_id, content_hash) row with SELECT ... FOR
// UPDATE before upserting, serializing concurrent writers of the same
// content the way spec.md §4.3 requires.
func (qr *querier) IncrRefCount(ctx context.Context, tenantID, hash, locator string, size int64) (int64, error) {
	var existing int64
	err := qr.q.QueryRow(ctx, `
		SELECT ref_count FROM content_refs WHERE tenant_id = $1 AND content_hash = $2 FOR UPDATE
	`, tenantID, hash).Scan(&existing)

	switch {
	case err == nil:
		newCount := existing + 1
		if _, execErr := qr.q.Exec(ctx, `
			UPDATE content_refs SET ref_count = $3 WHERE tenant_id = $1 AND content_hash = $2
		`, tenantID, hash, newCount); execErr != nil {
			return 0, wrapExecErr(execErr, "bump ref count")
		}
		return newCount, nil
	case notFoundRow(err):
		if _, execErr := qr.q.Exec(ctx, `
			INSERT INTO content_refs (tenant_id, content_hash, size, ref_count, backend_locator)
			VALUES ($1, $2, $3, 1, $4)
		`, tenantID, hash, size, locator); execErr != nil {
			return 0, wrapExecErr(execErr, "insert content row")
		}
		return 1, nil
	default:
		return 0, wrapExecErr(err, "lock content row")
	}
}

// DecrRefCount locks and decrements the row, deleting it once the count
// reaches zero so the caller knows to also delete the backend blob.
func (qr *querier) DecrRefCount(ctx context.Context, tenantID, hash string) (int64, error) {
	var existing int64
	err := qr.q.QueryRow(ctx, `
		SELECT ref_count FROM content_refs WHERE tenant_id = $1 AND content_hash = $2 FOR UPDATE
	`, tenantID, hash).Scan(&existing)
	if notFoundRow(err) {
		return 0, nexuserrors.ErrContentNotFound
	}
	if err != nil {
		return 0, wrapExecErr(err, "lock content row")
	}

	newCount := existing - 1
	if newCount <= 0 {
		if _, execErr := qr.q.Exec(ctx, `DELETE FROM content_refs WHERE tenant_id = $1 AND content_hash = $2`, tenantID, hash); execErr != nil {
			return 0, wrapExecErr(execErr, "delete content row")
		}
		return 0, nil
	}
	if _, execErr := qr.q.Exec(ctx, `UPDATE content_refs SET ref_count = $3 WHERE tenant_id = $1 AND content_hash = $2`, tenantID, hash, newCount); execErr != nil {
		return 0, wrapExecErr(execErr, "decrement ref count")
	}
	return newCount, nil
}

func notFoundRow(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
