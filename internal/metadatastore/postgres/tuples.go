package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// subjectColumns decomposes a Subject into the three columns the tuples
// table stores it as: a plain entity leaves subjectRelation empty; a
// userset stores its Object's type/id plus the followed relation.
func subjectColumns(s model.Subject) (subjectType, subjectID, subjectRelation string) {
	if s.Userset != nil {
		return s.Userset.Object.Type, s.Userset.Object.ID, s.Userset.Relation
	}
	if s.Entity != nil {
		return s.Entity.Type, s.Entity.ID, ""
	}
	return "", "", ""
}

func subjectFromColumns(subjectType, subjectID, subjectRelation string) model.Subject {
	entity := model.Entity{Type: subjectType, ID: subjectID}
	if subjectRelation != "" {
		return model.Subject{Userset: &model.Userset{Object: entity, Relation: subjectRelation}}
	}
	return model.Subject{Entity: &entity}
}

func (qr *querier) CreateTuple(ctx context.Context, t model.Tuple) error {
	if t.TupleID == "" {
		t.TupleID = uuid.NewString()
	}
	subjType, subjID, subjRelation := subjectColumns(t.Subject)
	_, err := qr.q.Exec(ctx, `
		INSERT INTO tuples (tuple_id, tenant_id, subject_type, subject_id, subject_relation, relation, object_type, object_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, subject_type, subject_id, subject_relation, relation, object_type, object_id) DO NOTHING
	`, t.TupleID, t.TenantID, subjType, subjID, subjRelation, t.Relation, t.Object.Type, t.Object.ID, t.CreatedAt, t.ExpiresAt)
	return wrapExecErr(err, "create tuple")
}

func (qr *querier) DeleteTuple(ctx context.Context, tenantID, tupleID string) error {
	tag, err := qr.q.Exec(ctx, `DELETE FROM tuples WHERE tenant_id = $1 AND tuple_id = $2`, tenantID, tupleID)
	if err != nil {
		return wrapExecErr(err, "delete tuple")
	}
	if tag.RowsAffected() == 0 {
		return nexuserrors.New(nexuserrors.NotFound, "tuple not found")
	}
	return nil
}

func (qr *querier) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	_, err := qr.q.Exec(ctx, `
		DELETE FROM tuples WHERE tenant_id = $1 AND object_type = $2 AND object_id = $3
	`, tenantID, object.Type, object.ID)
	return wrapExecErr(err, "delete object tuples")
}

func (qr *querier) ListTuples(ctx context.Context, tenantID string, filter metadatastore.TupleFilter) ([]model.Tuple, error) {
	rows, err := qr.q.Query(ctx, `
		SELECT tuple_id, tenant_id, subject_type, subject_id, subject_relation, relation, object_type, object_id, created_at, expires_at
		FROM tuples
		WHERE tenant_id = $1
			AND ($2 = '' OR subject_type = $2)
			AND ($3 = '' OR subject_id = $3)
			AND ($4 = '' OR relation = $4)
			AND ($5 = '' OR object_type = $5)
			AND ($6 = '' OR object_id = $6)
	`, tenantID, filter.SubjectType, filter.SubjectID, filter.Relation, filter.ObjectType, filter.ObjectID)
	if err != nil {
		return nil, wrapExecErr(err, "list tuples")
	}
	defer rows.Close()

	var out []model.Tuple
	for rows.Next() {
		t, err := scanTuple(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, wrapExecErr(rows.Err(), "iterate tuples")
}

func scanTuple(row pgx.Row) (model.Tuple, error) {
	var t model.Tuple
	var subjType, subjID, subjRelation string
	if err := row.Scan(&t.TupleID, &t.TenantID, &subjType, &subjID, &subjRelation,
		&t.Relation, &t.Object.Type, &t.Object.ID, &t.CreatedAt, &t.ExpiresAt); err != nil {
		return model.Tuple{}, wrapExecErr(err, "scan tuple")
	}
	t.Subject = subjectFromColumns(subjType, subjID, subjRelation)
	return t, nil
}
