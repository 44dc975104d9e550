package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// AppendAudit inserts one row. The audit_log table carries a
// BEFORE UPDATE OR DELETE trigger (migration 0002) that raises, so this
// INSERT is the only mutation this table will ever accept — immutability
// is enforced by Postgres itself, not by this Go code.
func (qr *querier) AppendAudit(ctx context.Context, entry metadatastore.AuditEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal audit detail")
	}
	_, err = qr.q.Exec(ctx, `
		INSERT INTO audit_log (entry_id, tenant_id, actor, action, object, occurred_at, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.EntryID, entry.TenantID, entry.Actor, entry.Action, entry.Object, entry.OccurredAt, detail)
	return wrapExecErr(err, "append audit entry")
}

func (qr *querier) ListScheduledTasks(ctx context.Context, tenantID string) ([]metadatastore.ScheduledTask, error) {
	rows, err := qr.q.Query(ctx, `
		SELECT task_id, tenant_id, kind, run_at, created_at FROM scheduled_tasks WHERE tenant_id = $1 ORDER BY run_at
	`, tenantID)
	if err != nil {
		return nil, wrapExecErr(err, "list scheduled tasks")
	}
	defer rows.Close()

	var out []metadatastore.ScheduledTask
	for rows.Next() {
		var t metadatastore.ScheduledTask
		if err := rows.Scan(&t.TaskID, &t.TenantID, &t.Kind, &t.RunAt, &t.CreatedAt); err != nil {
			return nil, wrapExecErr(err, "scan scheduled task")
		}
		out = append(out, t)
	}
	return out, wrapExecErr(rows.Err(), "iterate scheduled tasks")
}
