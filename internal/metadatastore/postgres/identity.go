package postgres

import (
	"context"
	"encoding/json"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

func (qr *querier) CreateAPIKey(ctx context.Context, rec metadatastore.APIKeyRecord) error {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal scopes")
	}
	_, err = qr.q.Exec(ctx, `
		INSERT INTO api_keys (prefix, secret_hash, tenant_id, subject_id, is_admin, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.Prefix, rec.SecretHash, rec.TenantID, rec.SubjectID, rec.IsAdmin, scopes, rec.CreatedAt)
	return wrapExecErr(err, "create api key")
}

func (qr *querier) GetAPIKeyByPrefix(ctx context.Context, prefix string) (metadatastore.APIKeyRecord, error) {
	row := qr.q.QueryRow(ctx, `
		SELECT prefix, secret_hash, tenant_id, subject_id, is_admin, scopes, created_at, revoked_at
		FROM api_keys WHERE prefix = $1
	`, prefix)
	var rec metadatastore.APIKeyRecord
	var scopes []byte
	if err := row.Scan(&rec.Prefix, &rec.SecretHash, &rec.TenantID, &rec.SubjectID, &rec.IsAdmin, &scopes, &rec.CreatedAt, &rec.RevokedAt); err != nil {
		return metadatastore.APIKeyRecord{}, notFound(err, nexuserrors.New(nexuserrors.Unauthenticated, "unknown api key"))
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &rec.Scopes); err != nil {
			return metadatastore.APIKeyRecord{}, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal scopes")
		}
	}
	return rec, nil
}
