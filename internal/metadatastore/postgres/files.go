package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

func (qr *querier) PutFile(ctx context.Context, rec model.FileRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal file metadata")
	}
	_, err = qr.q.Exec(ctx, `
		INSERT INTO files (tenant_id, path, is_directory, content_hash, size, etag, owner_type, owner_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (tenant_id, path) DO UPDATE SET
			is_directory = EXCLUDED.is_directory,
			content_hash = EXCLUDED.content_hash,
			size = EXCLUDED.size,
			etag = EXCLUDED.etag,
			owner_type = EXCLUDED.owner_type,
			owner_id = EXCLUDED.owner_id,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, rec.TenantID, rec.Path, rec.IsDirectory, rec.ContentHash, rec.Size, rec.ETag, rec.Owner.Type, rec.Owner.ID, meta, rec.UpdatedAt)
	return wrapExecErr(err, "put file")
}

func (qr *querier) GetFile(ctx context.Context, tenantID, path string) (model.FileRecord, error) {
	row := qr.q.QueryRow(ctx, `
		SELECT tenant_id, path, is_directory, content_hash, size, etag, owner_type, owner_id, metadata, created_at, updated_at
		FROM files WHERE tenant_id = $1 AND path = $2
	`, tenantID, path)
	return scanFile(row)
}

func scanFile(row pgx.Row) (model.FileRecord, error) {
	var rec model.FileRecord
	var meta []byte
	if err := row.Scan(&rec.TenantID, &rec.Path, &rec.IsDirectory, &rec.ContentHash, &rec.Size, &rec.ETag, &rec.Owner.Type, &rec.Owner.ID, &meta, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return model.FileRecord{}, notFound(err, nexuserrors.ErrInvalidPath)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return model.FileRecord{}, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal file metadata")
		}
	}
	return rec, nil
}

func (qr *querier) DeleteFile(ctx context.Context, tenantID, path string) error {
	tag, err := qr.q.Exec(ctx, `DELETE FROM files WHERE tenant_id = $1 AND path = $2`, tenantID, path)
	if err != nil {
		return wrapExecErr(err, "delete file")
	}
	if tag.RowsAffected() == 0 {
		return nexuserrors.ErrInvalidPath
	}
	return nil
}

func (qr *querier) ListByPrefix(ctx context.Context, tenantID, prefix string, recursive bool) ([]model.FileRecord, error) {
	var rows pgx.Rows
	var err error
	if recursive {
		rows, err = qr.q.Query(ctx, `
			SELECT tenant_id, path, is_directory, content_hash, size, etag, owner_type, owner_id, metadata, created_at, updated_at
			FROM files WHERE tenant_id = $1 AND path LIKE $2 || '%' ORDER BY path
		`, tenantID, prefix)
	} else {
		rows, err = qr.q.Query(ctx, `
			SELECT tenant_id, path, is_directory, content_hash, size, etag, owner_type, owner_id, metadata, created_at, updated_at
			FROM files WHERE tenant_id = $1 AND path LIKE $2 || '%'
				AND position('/' IN substring(path FROM length($2) + 1)) = 0
			ORDER BY path
		`, tenantID, prefix)
	}
	if err != nil {
		return nil, wrapExecErr(err, "list files")
	}
	defer rows.Close()

	var out []model.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, wrapExecErr(rows.Err(), "iterate files")
}
