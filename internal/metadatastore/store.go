// Package metadatastore defines the transactional metadata contract (C2):
// file/directory records, content ref-counts, ReBAC tuples, namespaces,
// API keys, and the append-only audit log. Two implementations
// exist: postgres (the production, multi-writer-capable store) and
// embedded (bbolt, single-writer, which must refuse to start in a
// multi-writer role per spec.md §4.3 and §9).
package metadatastore

import (
	"context"
	"time"

	"github.com/nexi-lab/nexus/internal/model"
)

// Role declares how a store instance will be used. embedded.Open rejects
// RoleMultiWriter outright; postgres.Open accepts either.
type Role int

const (
	RoleSingleWriter Role = iota
	RoleMultiWriter
)

// TupleFilter narrows ListTuples. Zero-value fields are wildcards.
type TupleFilter struct {
	SubjectType string
	SubjectID   string
	Relation    string
	ObjectType  string
	ObjectID    string
}

// AuditEntry is one immutable row of the audit_log table.
type AuditEntry struct {
	EntryID    string
	TenantID   string
	Actor      string
	Action     string
	Object     string
	OccurredAt time.Time
	Detail     map[string]string
}

// APIKeyRecord is a persisted API key row, looked up by its public prefix.
type APIKeyRecord struct {
	Prefix     string
	SecretHash string
	TenantID   string
	SubjectID  string
	IsAdmin    bool
	Scopes     []string
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// ScheduledTask is a row of the scheduled_tasks table. Nexus's core never
// executes these — they exist so the table and a read path are present
// for a future scheduling collaborator, per SPEC_FULL.md §3.
type ScheduledTask struct {
	TaskID    string
	TenantID  string
	Kind      string
	RunAt     time.Time
	CreatedAt time.Time
}

// ContentVersion is one append-only history entry for a path, recorded on
// every successful write. It carries only what spec.md §4.5's detail floor
// asks for: the content hash at that point in time and its size, enough
// to answer "did the bytes change between these two versions" without a
// full diff engine.
type ContentVersion struct {
	VersionID   string
	TenantID    string
	Path        string
	ContentHash string
	Size        int64
	CreatedAt   time.Time
}

// Store is the full metadata contract. Tx embeds the same surface so a
// caller can compose several writes (e.g. a file row plus its parent
// hierarchy tuple) into one atomic unit via WithTx.
type Store interface {
	Tx

	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of operations available both outside and inside a
// transaction.
type Tx interface {
	// Files
	PutFile(ctx context.Context, rec model.FileRecord) error
	GetFile(ctx context.Context, tenantID, path string) (model.FileRecord, error)
	DeleteFile(ctx context.Context, tenantID, path string) error
	ListByPrefix(ctx context.Context, tenantID, prefix string, recursive bool) ([]model.FileRecord, error)

	// Content rows, row-locked on (tenant_id, content_hash) for ref-count
	// serialization per spec.md §4.3.
	GetContentRow(ctx context.Context, tenantID, hash string) (model.ContentRow, error)
	IncrRefCount(ctx context.Context, tenantID, hash, locator string, size int64) (int64, error)
	DecrRefCount(ctx context.Context, tenantID, hash string) (int64, error)

	// Tuples
	CreateTuple(ctx context.Context, t model.Tuple) error
	DeleteTuple(ctx context.Context, tenantID, tupleID string) error
	DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error
	ListTuples(ctx context.Context, tenantID string, filter TupleFilter) ([]model.Tuple, error)

	// Namespaces
	PutNamespace(ctx context.Context, ns model.Namespace) error
	GetNamespace(ctx context.Context, objectType string) (model.Namespace, error)

	// Identity
	CreateAPIKey(ctx context.Context, rec APIKeyRecord) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (APIKeyRecord, error)

	// Audit — append-only; implementations must refuse mutation of
	// existing rows (DB trigger for postgres; embedded exposes no update
	// or delete path for audit rows).
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// Scheduled tasks — storage-only, see ScheduledTask doc comment.
	ListScheduledTasks(ctx context.Context, tenantID string) ([]ScheduledTask, error)

	// Content versions — append-only, one row per successful Write.
	RecordVersion(ctx context.Context, v ContentVersion) error
	ListVersions(ctx context.Context, tenantID, path string) ([]ContentVersion, error)
}
