package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexi-lab/nexus/internal/metadatastore"
)

// RecordVersion appends one content_versions row. Callers writing through
// a transaction (fs.Core.Write) get the same commit as the file row and
// its parent tuple; there is no update or delete path on this table.
func (qr *querier) RecordVersion(ctx context.Context, v metadatastore.ContentVersion) error {
	if v.VersionID == "" {
		v.VersionID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := qr.q.Exec(ctx, `
		INSERT INTO content_versions (version_id, tenant_id, path, content_hash, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.VersionID, v.TenantID, v.Path, v.ContentHash, v.Size, v.CreatedAt)
	return wrapExecErr(err, "insert content version")
}

func (qr *querier) ListVersions(ctx context.Context, tenantID, path string) ([]metadatastore.ContentVersion, error) {
	rows, err := qr.q.Query(ctx, `
		SELECT version_id, tenant_id, path, content_hash, size, created_at
		FROM content_versions WHERE tenant_id = $1 AND path = $2 ORDER BY created_at ASC
	`, tenantID, path)
	if err != nil {
		return nil, wrapExecErr(err, "list content versions")
	}
	defer rows.Close()

	var out []metadatastore.ContentVersion
	for rows.Next() {
		var v metadatastore.ContentVersion
		if err := rows.Scan(&v.VersionID, &v.TenantID, &v.Path, &v.ContentHash, &v.Size, &v.CreatedAt); err != nil {
			return nil, wrapExecErr(err, "scan content version")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
