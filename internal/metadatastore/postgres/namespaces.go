package postgres

import (
	"context"
	"encoding/json"

	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

func (qr *querier) PutNamespace(ctx context.Context, ns model.Namespace) error {
	relations, err := json.Marshal(ns.Relations)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal relations")
	}
	permissions, err := json.Marshal(ns.Permissions)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal permissions")
	}
	_, err = qr.q.Exec(ctx, `
		INSERT INTO namespaces (object_type, relations, permissions, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (object_type) DO UPDATE SET relations = EXCLUDED.relations, permissions = EXCLUDED.permissions, updated_at = now()
	`, ns.ObjectType, relations, permissions)
	return wrapExecErr(err, "put namespace")
}

func (qr *querier) GetNamespace(ctx context.Context, objectType string) (model.Namespace, error) {
	row := qr.q.QueryRow(ctx, `SELECT object_type, relations, permissions FROM namespaces WHERE object_type = $1`, objectType)
	var ns model.Namespace
	var relations, permissions []byte
	if err := row.Scan(&ns.ObjectType, &relations, &permissions); err != nil {
		return model.Namespace{}, notFound(err, nexuserrors.ErrInvalidNamespace)
	}
	if err := json.Unmarshal(relations, &ns.Relations); err != nil {
		return model.Namespace{}, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal relations")
	}
	if err := json.Unmarshal(permissions, &ns.Permissions); err != nil {
		return model.Namespace{}, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal permissions")
	}
	return ns, nil
}
