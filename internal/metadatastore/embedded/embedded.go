// Package embedded implements metadatastore.Store over bbolt, grounded on
// the teacher's db/bolt/bolt.go. bbolt holds one write transaction open
// process-wide at a time, which is exactly the property that bit the
// teacher's own operators: a second process opening the same bbolt file
// for writes either blocks forever on the file lock or, worse, corrupts
// the file if the lock is bypassed. Open refuses outright to start in
// RoleMultiWriter so that failure happens at startup, loud, instead of
// under load — see SPEC_FULL.md §9 and DESIGN.md.
package embedded

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/google/uuid"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

var (
	bucketFiles       = []byte("files")
	bucketContentRefs = []byte("content_refs")
	bucketTuples      = []byte("tuples")
	bucketNamespaces  = []byte("namespaces")
	bucketAPIKeys     = []byte("api_keys")
	bucketAudit       = []byte("audit_log")
	bucketScheduled   = []byte("scheduled_tasks")
	bucketVersions    = []byte("content_versions")
)

var allBuckets = [][]byte{bucketFiles, bucketContentRefs, bucketTuples, bucketNamespaces, bucketAPIKeys, bucketAudit, bucketScheduled, bucketVersions}

// Store is the bbolt-backed single-writer metadatastore.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens the bbolt file at path. It returns nexuserrors.ErrSingleWriter
// immediately if role is metadatastore.RoleMultiWriter — the one case the
// teacher's deployment never checked for, and paid for in a 3am page.
func Open(path string, role metadatastore.Role) (*Store, error) {
	if role == metadatastore.RoleMultiWriter {
		return nil, nexuserrors.Wrap(nexuserrors.FailedPrecondition, nexuserrors.ErrSingleWriter,
			"embedded store cannot serve a multi-writer role; use postgres")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "open bbolt file")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "create bbolt buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "close bbolt file")
	}
	return nil
}

// WithTx runs fn inside one bbolt read-write transaction. Because bbolt
// serializes all writers process-wide, this gives the same same-transaction
// visibility ordering the fs layer depends on — at the cost of one writer
// at a time, which is why Open refuses RoleMultiWriter up front instead of
// letting that limit surface as a production incident.
func (s *Store) WithTx(ctx context.Context, fn func(tx metadatastore.Tx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// tx implements metadatastore.Tx over one bbolt transaction, used both for
// the ad-hoc single-statement calls below (each opened fresh) and for a
// caller-composed WithTx block.
type tx struct{ btx *bbolt.Tx }

func fileKey(tenantID, path string) []byte { return []byte(tenantID + "\x00" + path) }

func (t *tx) PutFile(ctx context.Context, rec model.FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal file record")
	}
	return t.btx.Bucket(bucketFiles).Put(fileKey(rec.TenantID, rec.Path), data)
}

func (t *tx) GetFile(ctx context.Context, tenantID, path string) (model.FileRecord, error) {
	raw := t.btx.Bucket(bucketFiles).Get(fileKey(tenantID, path))
	if raw == nil {
		return model.FileRecord{}, nexuserrors.ErrInvalidPath
	}
	var rec model.FileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.FileRecord{}, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal file record")
	}
	return rec, nil
}

func (t *tx) DeleteFile(ctx context.Context, tenantID, path string) error {
	b := t.btx.Bucket(bucketFiles)
	key := fileKey(tenantID, path)
	if b.Get(key) == nil {
		return nexuserrors.ErrInvalidPath
	}
	return b.Delete(key)
}

func (t *tx) ListByPrefix(ctx context.Context, tenantID, prefix string, recursive bool) ([]model.FileRecord, error) {
	b := t.btx.Bucket(bucketFiles)
	c := b.Cursor()
	keyPrefix := []byte(tenantID + "\x00" + prefix)
	var out []model.FileRecord
	for k, v := c.Seek(keyPrefix); k != nil && strings.HasPrefix(string(k), string(keyPrefix)); k, v = c.Next() {
		rest := strings.TrimPrefix(string(k), string(keyPrefix))
		if !recursive && strings.Contains(rest, "/") {
			continue
		}
		var rec model.FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal file record")
		}
		out = append(out, rec)
	}
	return out, nil
}

func contentKey(tenantID, hash string) []byte { return []byte(tenantID + "\x00" + hash) }

func (t *tx) GetContentRow(ctx context.Context, tenantID, hash string) (model.ContentRow, error) {
	raw := t.btx.Bucket(bucketContentRefs).Get(contentKey(tenantID, hash))
	if raw == nil {
		return model.ContentRow{}, nexuserrors.ErrContentNotFound
	}
	var row model.ContentRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return model.ContentRow{}, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal content row")
	}
	return row, nil
}

// IncrRefCount needs no explicit lock: bbolt's single active write
// transaction already serializes every caller in this process.
func (t *tx) IncrRefCount(ctx context.Context, tenantID, hash, locator string, size int64) (int64, error) {
	b := t.btx.Bucket(bucketContentRefs)
	key := contentKey(tenantID, hash)
	row := model.ContentRow{ContentHash: hash, Size: size, BackendLocator: locator}
	if raw := b.Get(key); raw != nil {
		if err := json.Unmarshal(raw, &row); err != nil {
			return 0, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal content row")
		}
	}
	row.RefCount++
	data, err := json.Marshal(row)
	if err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Internal, err, "marshal content row")
	}
	if err := b.Put(key, data); err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Unavailable, err, "put content row")
	}
	return row.RefCount, nil
}

func (t *tx) DecrRefCount(ctx context.Context, tenantID, hash string) (int64, error) {
	b := t.btx.Bucket(bucketContentRefs)
	key := contentKey(tenantID, hash)
	raw := b.Get(key)
	if raw == nil {
		return 0, nexuserrors.ErrContentNotFound
	}
	var row model.ContentRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal content row")
	}
	row.RefCount--
	if row.RefCount <= 0 {
		return 0, b.Delete(key)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Internal, err, "marshal content row")
	}
	return row.RefCount, b.Put(key, data)
}

func tupleKey(tenantID, tupleID string) []byte { return []byte(tenantID + "\x00" + tupleID) }

func (t *tx) CreateTuple(ctx context.Context, tp model.Tuple) error {
	if tp.TupleID == "" {
		tp.TupleID = uuid.NewString()
	}
	data, err := json.Marshal(tp)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal tuple")
	}
	return t.btx.Bucket(bucketTuples).Put(tupleKey(tp.TenantID, tp.TupleID), data)
}

func (t *tx) DeleteTuple(ctx context.Context, tenantID, tupleID string) error {
	b := t.btx.Bucket(bucketTuples)
	key := tupleKey(tenantID, tupleID)
	if b.Get(key) == nil {
		return nexuserrors.New(nexuserrors.NotFound, "tuple not found")
	}
	return b.Delete(key)
}

func (t *tx) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	for _, tp := range t.scanTuples(tenantID, metadatastore.TupleFilter{ObjectType: object.Type, ObjectID: object.ID}) {
		if err := t.btx.Bucket(bucketTuples).Delete(tupleKey(tenantID, tp.TupleID)); err != nil {
			return nexuserrors.Wrap(nexuserrors.Unavailable, err, "delete object tuple")
		}
	}
	return nil
}

func (t *tx) ListTuples(ctx context.Context, tenantID string, filter metadatastore.TupleFilter) ([]model.Tuple, error) {
	return t.scanTuples(tenantID, filter), nil
}

func (t *tx) scanTuples(tenantID string, filter metadatastore.TupleFilter) []model.Tuple {
	b := t.btx.Bucket(bucketTuples)
	c := b.Cursor()
	prefix := []byte(tenantID + "\x00")
	var out []model.Tuple
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var tp model.Tuple
		if err := json.Unmarshal(v, &tp); err != nil {
			continue
		}
		if filter.SubjectType != "" && (tp.Subject.Entity == nil || tp.Subject.Entity.Type != filter.SubjectType) {
			if tp.Subject.Userset == nil || tp.Subject.Userset.Object.Type != filter.SubjectType {
				continue
			}
		}
		if filter.SubjectID != "" && (tp.Subject.Entity == nil || tp.Subject.Entity.ID != filter.SubjectID) {
			if tp.Subject.Userset == nil || tp.Subject.Userset.Object.ID != filter.SubjectID {
				continue
			}
		}
		if filter.Relation != "" && tp.Relation != filter.Relation {
			continue
		}
		if filter.ObjectType != "" && tp.Object.Type != filter.ObjectType {
			continue
		}
		if filter.ObjectID != "" && tp.Object.ID != filter.ObjectID {
			continue
		}
		out = append(out, tp)
	}
	return out
}

func (t *tx) PutNamespace(ctx context.Context, ns model.Namespace) error {
	data, err := json.Marshal(ns)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal namespace")
	}
	return t.btx.Bucket(bucketNamespaces).Put([]byte(ns.ObjectType), data)
}

func (t *tx) GetNamespace(ctx context.Context, objectType string) (model.Namespace, error) {
	raw := t.btx.Bucket(bucketNamespaces).Get([]byte(objectType))
	if raw == nil {
		return model.Namespace{}, nexuserrors.ErrInvalidNamespace
	}
	var ns model.Namespace
	if err := json.Unmarshal(raw, &ns); err != nil {
		return model.Namespace{}, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal namespace")
	}
	return ns, nil
}

func (t *tx) CreateAPIKey(ctx context.Context, rec metadatastore.APIKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal api key")
	}
	return t.btx.Bucket(bucketAPIKeys).Put([]byte(rec.Prefix), data)
}

func (t *tx) GetAPIKeyByPrefix(ctx context.Context, prefix string) (metadatastore.APIKeyRecord, error) {
	raw := t.btx.Bucket(bucketAPIKeys).Get([]byte(prefix))
	if raw == nil {
		return metadatastore.APIKeyRecord{}, nexuserrors.New(nexuserrors.Unauthenticated, "unknown api key")
	}
	var rec metadatastore.APIKeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return metadatastore.APIKeyRecord{}, nexuserrors.Wrap(nexuserrors.Internal, err, "unmarshal api key")
	}
	return rec, nil
}

// AppendAudit refuses to ever be called as an update: bbolt has no
// trigger mechanism, so immutability here is enforced by never exposing a
// mutation path at all — there is no UpdateAudit or DeleteAudit method on
// metadatastore.Tx.
func (t *tx) AppendAudit(ctx context.Context, entry metadatastore.AuditEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal audit entry")
	}
	key := []byte(entry.TenantID + "\x00" + strconv.FormatInt(entry.OccurredAt.UnixNano(), 10) + "\x00" + entry.EntryID)
	return t.btx.Bucket(bucketAudit).Put(key, data)
}

func (t *tx) ListScheduledTasks(ctx context.Context, tenantID string) ([]metadatastore.ScheduledTask, error) {
	b := t.btx.Bucket(bucketScheduled)
	c := b.Cursor()
	prefix := []byte(tenantID + "\x00")
	var out []metadatastore.ScheduledTask
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var task metadatastore.ScheduledTask
		if err := json.Unmarshal(v, &task); err != nil {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// versionKey orders a path's versions by creation time so ListVersions can
// return them oldest-first with a plain cursor scan.
func versionKey(tenantID, path string, createdAt time.Time) []byte {
	return []byte(tenantID + "\x00" + path + "\x00" + strconv.FormatInt(createdAt.UnixNano(), 10))
}

func (t *tx) RecordVersion(ctx context.Context, v metadatastore.ContentVersion) error {
	if v.VersionID == "" {
		v.VersionID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.InvalidArgument, err, "marshal content version")
	}
	return t.btx.Bucket(bucketVersions).Put(versionKey(v.TenantID, v.Path, v.CreatedAt), data)
}

func (t *tx) ListVersions(ctx context.Context, tenantID, path string) ([]metadatastore.ContentVersion, error) {
	b := t.btx.Bucket(bucketVersions)
	c := b.Cursor()
	prefix := []byte(tenantID + "\x00" + path + "\x00")
	var out []metadatastore.ContentVersion
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var ver metadatastore.ContentVersion
		if err := json.Unmarshal(v, &ver); err != nil {
			continue
		}
		out = append(out, ver)
	}
	return out, nil
}

// The non-transactional surface each of Store's Tx methods delegates to
// opens its own bbolt transaction; callers that need several writes to be
// atomic must go through WithTx instead.
func (s *Store) PutFile(ctx context.Context, rec model.FileRecord) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).PutFile(ctx, rec) })
}
func (s *Store) GetFile(ctx context.Context, tenantID, path string) (model.FileRecord, error) {
	var rec model.FileRecord
	err := s.db.View(func(b *bbolt.Tx) error {
		var err error
		rec, err = (&tx{btx: b}).GetFile(ctx, tenantID, path)
		return err
	})
	return rec, err
}
func (s *Store) DeleteFile(ctx context.Context, tenantID, path string) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).DeleteFile(ctx, tenantID, path) })
}
func (s *Store) ListByPrefix(ctx context.Context, tenantID, prefix string, recursive bool) ([]model.FileRecord, error) {
	var out []model.FileRecord
	err := s.db.View(func(b *bbolt.Tx) error {
		var err error
		out, err = (&tx{btx: b}).ListByPrefix(ctx, tenantID, prefix, recursive)
		return err
	})
	return out, err
}
func (s *Store) GetContentRow(ctx context.Context, tenantID, hash string) (model.ContentRow, error) {
	var row model.ContentRow
	err := s.db.View(func(b *bbolt.Tx) error {
		var err error
		row, err = (&tx{btx: b}).GetContentRow(ctx, tenantID, hash)
		return err
	})
	return row, err
}
func (s *Store) IncrRefCount(ctx context.Context, tenantID, hash, locator string, size int64) (int64, error) {
	var n int64
	err := s.db.Update(func(b *bbolt.Tx) error {
		var err error
		n, err = (&tx{btx: b}).IncrRefCount(ctx, tenantID, hash, locator, size)
		return err
	})
	return n, err
}
func (s *Store) DecrRefCount(ctx context.Context, tenantID, hash string) (int64, error) {
	var n int64
	err := s.db.Update(func(b *bbolt.Tx) error {
		var err error
		n, err = (&tx{btx: b}).DecrRefCount(ctx, tenantID, hash)
		return err
	})
	return n, err
}
func (s *Store) CreateTuple(ctx context.Context, t2 model.Tuple) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).CreateTuple(ctx, t2) })
}
func (s *Store) DeleteTuple(ctx context.Context, tenantID, tupleID string) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).DeleteTuple(ctx, tenantID, tupleID) })
}
func (s *Store) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).DeleteObjectTuples(ctx, tenantID, object) })
}
func (s *Store) ListTuples(ctx context.Context, tenantID string, filter metadatastore.TupleFilter) ([]model.Tuple, error) {
	var out []model.Tuple
	err := s.db.View(func(b *bbolt.Tx) error {
		var err error
		out, err = (&tx{btx: b}).ListTuples(ctx, tenantID, filter)
		return err
	})
	return out, err
}
func (s *Store) PutNamespace(ctx context.Context, ns model.Namespace) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).PutNamespace(ctx, ns) })
}
func (s *Store) GetNamespace(ctx context.Context, objectType string) (model.Namespace, error) {
	var ns model.Namespace
	err := s.db.View(func(b *bbolt.Tx) error {
		var err error
		ns, err = (&tx{btx: b}).GetNamespace(ctx, objectType)
		return err
	})
	return ns, err
}
func (s *Store) CreateAPIKey(ctx context.Context, rec metadatastore.APIKeyRecord) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).CreateAPIKey(ctx, rec) })
}
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (metadatastore.APIKeyRecord, error) {
	var rec metadatastore.APIKeyRecord
	err := s.db.View(func(b *bbolt.Tx) error {
		var err error
		rec, err = (&tx{btx: b}).GetAPIKeyByPrefix(ctx, prefix)
		return err
	})
	return rec, err
}
func (s *Store) AppendAudit(ctx context.Context, entry metadatastore.AuditEntry) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).AppendAudit(ctx, entry) })
}
func (s *Store) ListScheduledTasks(ctx context.Context, tenantID string) ([]metadatastore.ScheduledTask, error) {
	var out []metadatastore.ScheduledTask
	err := s.db.View(func(b *bbolt.Tx) error {
		var err error
		out, err = (&tx{btx: b}).ListScheduledTasks(ctx, tenantID)
		return err
	})
	return out, err
}

func (s *Store) RecordVersion(ctx context.Context, v metadatastore.ContentVersion) error {
	return s.db.Update(func(b *bbolt.Tx) error { return (&tx{btx: b}).RecordVersion(ctx, v) })
}
func (s *Store) ListVersions(ctx context.Context, tenantID, path string) ([]metadatastore.ContentVersion, error) {
	var out []metadatastore.ContentVersion
	err := s.db.View(func(b *bbolt.Tx) error {
		var err error
		out, err = (&tx{btx: b}).ListVersions(ctx, tenantID, path)
		return err
	})
	return out, err
}

var _ metadatastore.Store = (*Store)(nil)
