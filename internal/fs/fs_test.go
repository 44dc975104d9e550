package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/internal/backend"
	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
	"github.com/nexi-lab/nexus/internal/router"
)

// fakeBackend is an in-memory backend.Backend for exercising Core without
// touching disk or S3.
type fakeBackend struct {
	blobs map[string][]byte
	dirs  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{blobs: map[string][]byte{}, dirs: map[string]bool{}}
}

func (b *fakeBackend) WriteContent(ctx context.Context, data []byte) (string, error) {
	hash := backend.Hash(data)
	b.blobs[hash] = append([]byte{}, data...)
	return hash, nil
}

func (b *fakeBackend) ReadContent(ctx context.Context, hash string) ([]byte, error) {
	data, ok := b.blobs[hash]
	if !ok {
		return nil, nexuserrors.ErrContentNotFound
	}
	return data, nil
}

func (b *fakeBackend) DeleteContent(ctx context.Context, hash string) error {
	delete(b.blobs, hash)
	return nil
}

func (b *fakeBackend) ContentExists(ctx context.Context, hash string) (bool, error) {
	_, ok := b.blobs[hash]
	return ok, nil
}

func (b *fakeBackend) GetContentSize(ctx context.Context, hash string) (int64, error) {
	return int64(len(b.blobs[hash])), nil
}

func (b *fakeBackend) GetRefCount(ctx context.Context, hash string) (int64, error) { return 0, nil }

func (b *fakeBackend) BatchReadContent(ctx context.Context, hashes []string) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, h := range hashes {
		if data, ok := b.blobs[h]; ok {
			out[h] = data
		}
	}
	return out, nil
}

func (b *fakeBackend) Mkdir(ctx context.Context, path string) error { b.dirs[path] = true; return nil }
func (b *fakeBackend) Rmdir(ctx context.Context, path string) error { delete(b.dirs, path); return nil }
func (b *fakeBackend) IsDirectory(ctx context.Context, path string) (bool, error) {
	return b.dirs[path], nil
}
func (b *fakeBackend) ListDir(ctx context.Context, path string) ([]string, error) { return nil, nil }

// fakeStore is an in-memory metadatastore.Store. WithTx runs fn directly
// against the same instance — the fake has no isolation concerns the real
// transactional stores need to provide.
type fakeStore struct {
	files      map[string]model.FileRecord
	content    map[string]model.ContentRow
	versions   map[string][]metadatastore.ContentVersion
	tuples     map[string]model.Tuple
	namespaces map[string]model.Namespace
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:      map[string]model.FileRecord{},
		content:    map[string]model.ContentRow{},
		versions:   map[string][]metadatastore.ContentVersion{},
		tuples:     map[string]model.Tuple{},
		namespaces: map[string]model.Namespace{},
	}
}

func fileKey(tenantID, path string) string { return tenantID + "|" + path }
func contentKey(tenantID, hash string) string { return tenantID + "|" + hash }

func (s *fakeStore) WithTx(ctx context.Context, fn func(tx metadatastore.Tx) error) error {
	return fn(s)
}
func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) PutFile(ctx context.Context, rec model.FileRecord) error {
	s.files[fileKey(rec.TenantID, rec.Path)] = rec
	return nil
}

func (s *fakeStore) GetFile(ctx context.Context, tenantID, path string) (model.FileRecord, error) {
	rec, ok := s.files[fileKey(tenantID, path)]
	if !ok {
		return model.FileRecord{}, nexuserrors.New(nexuserrors.NotFound, "no such file: %s", path)
	}
	return rec, nil
}

func (s *fakeStore) DeleteFile(ctx context.Context, tenantID, path string) error {
	delete(s.files, fileKey(tenantID, path))
	return nil
}

func (s *fakeStore) ListByPrefix(ctx context.Context, tenantID, prefix string, recursive bool) ([]model.FileRecord, error) {
	var out []model.FileRecord
	for _, rec := range s.files {
		if rec.TenantID == tenantID && len(rec.Path) >= len(prefix) && rec.Path[:len(prefix)] == prefix {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) GetContentRow(ctx context.Context, tenantID, hash string) (model.ContentRow, error) {
	row, ok := s.content[contentKey(tenantID, hash)]
	if !ok {
		return model.ContentRow{}, nexuserrors.ErrContentNotFound
	}
	return row, nil
}

func (s *fakeStore) IncrRefCount(ctx context.Context, tenantID, hash, locator string, size int64) (int64, error) {
	key := contentKey(tenantID, hash)
	row, ok := s.content[key]
	if !ok {
		row = model.ContentRow{ContentHash: hash, Size: size, BackendLocator: locator}
	}
	row.RefCount++
	s.content[key] = row
	return row.RefCount, nil
}

func (s *fakeStore) DecrRefCount(ctx context.Context, tenantID, hash string) (int64, error) {
	key := contentKey(tenantID, hash)
	row, ok := s.content[key]
	if !ok {
		return 0, nexuserrors.ErrContentNotFound
	}
	row.RefCount--
	if row.RefCount <= 0 {
		delete(s.content, key)
		return 0, nil
	}
	s.content[key] = row
	return row.RefCount, nil
}

func (s *fakeStore) CreateTuple(ctx context.Context, t model.Tuple) error {
	if t.TupleID == "" {
		t.TupleID = tupleKey(t)
	}
	s.tuples[t.TenantID+"|"+t.TupleID] = t
	return nil
}

func (s *fakeStore) DeleteTuple(ctx context.Context, tenantID, tupleID string) error {
	delete(s.tuples, tenantID+"|"+tupleID)
	return nil
}

func (s *fakeStore) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	for k, t := range s.tuples {
		if t.TenantID == tenantID && t.Object == object {
			delete(s.tuples, k)
		}
	}
	return nil
}

func (s *fakeStore) ListTuples(ctx context.Context, tenantID string, filter metadatastore.TupleFilter) ([]model.Tuple, error) {
	var out []model.Tuple
	for _, t := range s.tuples {
		if t.TenantID != tenantID {
			continue
		}
		if filter.Relation != "" && t.Relation != filter.Relation {
			continue
		}
		if filter.ObjectType != "" && t.Object.Type != filter.ObjectType {
			continue
		}
		if filter.ObjectID != "" && t.Object.ID != filter.ObjectID {
			continue
		}
		if filter.SubjectType != "" && (t.Subject.Entity == nil || t.Subject.Entity.Type != filter.SubjectType) {
			continue
		}
		if filter.SubjectID != "" && (t.Subject.Entity == nil || t.Subject.Entity.ID != filter.SubjectID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func tupleKey(t model.Tuple) string {
	return t.Subject.String() + "|" + t.Relation + "|" + t.Object.String()
}

func (s *fakeStore) PutNamespace(ctx context.Context, ns model.Namespace) error {
	s.namespaces[ns.ObjectType] = ns
	return nil
}

func (s *fakeStore) GetNamespace(ctx context.Context, objectType string) (model.Namespace, error) {
	ns, ok := s.namespaces[objectType]
	if !ok {
		return model.Namespace{}, nexuserrors.ErrInvalidNamespace
	}
	return ns, nil
}
func (s *fakeStore) CreateAPIKey(ctx context.Context, rec metadatastore.APIKeyRecord) error { return nil }
func (s *fakeStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (metadatastore.APIKeyRecord, error) {
	return metadatastore.APIKeyRecord{}, nil
}
func (s *fakeStore) AppendAudit(ctx context.Context, entry metadatastore.AuditEntry) error { return nil }
func (s *fakeStore) ListScheduledTasks(ctx context.Context, tenantID string) ([]metadatastore.ScheduledTask, error) {
	return nil, nil
}

func (s *fakeStore) RecordVersion(ctx context.Context, v metadatastore.ContentVersion) error {
	key := fileKey(v.TenantID, v.Path)
	s.versions[key] = append(s.versions[key], v)
	return nil
}

func (s *fakeStore) ListVersions(ctx context.Context, tenantID, path string) ([]metadatastore.ContentVersion, error) {
	return s.versions[fileKey(tenantID, path)], nil
}

// fakeChecker is a configurable fs.Checker stand-in for rebac.Engine.
type fakeChecker struct {
	denyObjects map[string]bool
}

func newFakeChecker() *fakeChecker { return &fakeChecker{denyObjects: map[string]bool{}} }

func (c *fakeChecker) Check(ctx context.Context, tenantID string, subject model.Subject, permission string, object model.Entity) (bool, error) {
	return !c.denyObjects[object.String()], nil
}

func (c *fakeChecker) CheckBulk(ctx context.Context, tenantID string, subject model.Subject, permission string, objects []model.Entity) (map[model.Entity]bool, error) {
	out := make(map[model.Entity]bool, len(objects))
	for _, o := range objects {
		out[o] = !c.denyObjects[o.String()]
	}
	return out, nil
}

func (c *fakeChecker) EnsureParentTupleTx(ctx context.Context, tx metadatastore.Tx, tenantID string, child, parent model.Entity) error {
	return nil
}

func (c *fakeChecker) InvalidateTenant(tenantID string) {}

func (c *fakeChecker) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	return nil
}

func newTestCore(t *testing.T) (*Core, *fakeStore, *fakeBackend, *fakeChecker) {
	t.Helper()
	r := router.New()
	store := newFakeStore()
	be := newFakeBackend()
	require.NoError(t, r.AddMount("/", &router.Mount{Backend: be, Store: store}))
	checker := newFakeChecker()
	return New(r, checker, true), store, be, checker
}

func testOpCtx() model.OperationContext {
	return model.OperationContext{
		Subject:  model.Identity{SubjectType: "user", SubjectID: "alice", TenantID: "t1"},
		TenantID: "t1",
	}
}

func TestCore_WriteThenRead(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	opCtx := testOpCtx()

	rec, err := core.Write(context.Background(), opCtx, "/docs/hello.txt", []byte("hello"), opCtx.Subject.Entity())
	require.NoError(t, err)
	assert.Equal(t, "docs/hello.txt", rec.Path)
	assert.Equal(t, int64(5), rec.Size)

	data, readRec, err := core.Read(context.Background(), opCtx, "/docs/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.False(t, readRec.IsDirectory)
}

func TestCore_Read_DirectoryFails(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Mkdir(context.Background(), opCtx, "/docs", false)
	require.NoError(t, err)

	_, _, err = core.Read(context.Background(), opCtx, "/docs")
	assert.Error(t, err)
	assert.Equal(t, nexuserrors.InvalidArgument, nexuserrors.KindOf(err))
}

func TestCore_Write_DedupesIdenticalContent(t *testing.T) {
	core, store, be, _ := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Write(context.Background(), opCtx, "/a.txt", []byte("same bytes"), opCtx.Subject.Entity())
	require.NoError(t, err)
	_, err = core.Write(context.Background(), opCtx, "/b.txt", []byte("same bytes"), opCtx.Subject.Entity())
	require.NoError(t, err)

	hash := backend.Hash([]byte("same bytes"))
	row, err := store.GetContentRow(context.Background(), "t1", hash)
	require.NoError(t, err)
	assert.EqualValues(t, 2, row.RefCount)
	assert.Len(t, be.blobs, 1)
}

func TestCore_Write_OverwriteDecrementsOldHash(t *testing.T) {
	core, store, _, _ := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Write(context.Background(), opCtx, "/a.txt", []byte("version one"), opCtx.Subject.Entity())
	require.NoError(t, err)
	_, err = core.Write(context.Background(), opCtx, "/a.txt", []byte("version two"), opCtx.Subject.Entity())
	require.NoError(t, err)

	oldHash := backend.Hash([]byte("version one"))
	_, err = store.GetContentRow(context.Background(), "t1", oldHash)
	assert.Error(t, err)
	assert.Equal(t, nexuserrors.NotFound, nexuserrors.KindOf(err))

	newHash := backend.Hash([]byte("version two"))
	row, err := store.GetContentRow(context.Background(), "t1", newHash)
	require.NoError(t, err)
	assert.EqualValues(t, 1, row.RefCount)
}

func TestCore_Mkdir_ExistOK(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Mkdir(context.Background(), opCtx, "/projects", false)
	require.NoError(t, err)

	_, err = core.Mkdir(context.Background(), opCtx, "/projects", false)
	assert.Error(t, err)
	assert.Equal(t, nexuserrors.AlreadyExists, nexuserrors.KindOf(err))

	_, err = core.Mkdir(context.Background(), opCtx, "/projects", true)
	assert.NoError(t, err)
}

func TestCore_Delete_GarbageCollectsAtZeroRefs(t *testing.T) {
	core, store, be, _ := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Write(context.Background(), opCtx, "/a.txt", []byte("bye"), opCtx.Subject.Entity())
	require.NoError(t, err)
	hash := backend.Hash([]byte("bye"))
	require.Contains(t, be.blobs, hash)

	require.NoError(t, core.Delete(context.Background(), opCtx, "/a.txt"))

	_, err = store.GetFile(context.Background(), "t1", "a.txt")
	assert.Error(t, err)
	assert.NotContains(t, be.blobs, hash)
}

func TestCore_List_FiltersDeniedEntries(t *testing.T) {
	core, _, _, checker := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Write(context.Background(), opCtx, "/docs/a.txt", []byte("a"), opCtx.Subject.Entity())
	require.NoError(t, err)
	_, err = core.Write(context.Background(), opCtx, "/docs/b.txt", []byte("b"), opCtx.Subject.Entity())
	require.NoError(t, err)

	checker.denyObjects["file:/docs/b.txt"] = true

	entries, err := core.List(context.Background(), opCtx, "/docs", true)
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "/docs/a.txt")
	assert.NotContains(t, paths, "/docs/b.txt")
}

func TestCore_Glob_MatchesPattern(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	opCtx := testOpCtx()

	require.NoError(t, writeMany(core, opCtx, []string{"/src/main.go", "/src/util.go", "/src/readme.md"}))

	entries, err := core.Glob(context.Background(), opCtx, "/src/*.go")
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{"/src/main.go", "/src/util.go"}, paths)
}

func TestCore_Grep_FindsMatchingFiles(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Write(context.Background(), opCtx, "/notes/a.txt", []byte("contains TODO here"), opCtx.Subject.Entity())
	require.NoError(t, err)
	_, err = core.Write(context.Background(), opCtx, "/notes/b.txt", []byte("nothing interesting"), opCtx.Subject.Entity())
	require.NoError(t, err)

	matches, err := core.Grep(context.Background(), opCtx, "TODO", []string{"/notes/a.txt", "/notes/b.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/notes/a.txt"}, matches)
}

func TestCore_Write_DeniedOnParentPermission(t *testing.T) {
	core, _, _, checker := newTestCore(t)
	opCtx := testOpCtx()
	checker.denyObjects["file:/locked"] = true

	_, err := core.Write(context.Background(), opCtx, "/locked/new.txt", []byte("x"), opCtx.Subject.Entity())
	assert.Error(t, err)
	assert.Equal(t, nexuserrors.PermissionDenied, nexuserrors.KindOf(err))
}

func TestCore_DiffVersions_ReportsContentChange(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Write(context.Background(), opCtx, "/a.txt", []byte("version one"), opCtx.Subject.Entity())
	require.NoError(t, err)
	_, err = core.Write(context.Background(), opCtx, "/a.txt", []byte("version two"), opCtx.Subject.Entity())
	require.NoError(t, err)

	versions, err := core.Versions(context.Background(), opCtx, "/a.txt")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	diff, err := core.DiffVersions(context.Background(), opCtx, "/a.txt", 0, 1)
	require.NoError(t, err)
	assert.True(t, diff.ContentChanged)
}

func TestCore_DiffVersions_NoChangeWhenContentIdentical(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	opCtx := testOpCtx()

	_, err := core.Write(context.Background(), opCtx, "/a.txt", []byte("same"), opCtx.Subject.Entity())
	require.NoError(t, err)
	_, err = core.Write(context.Background(), opCtx, "/a.txt", []byte("same"), opCtx.Subject.Entity())
	require.NoError(t, err)

	diff, err := core.DiffVersions(context.Background(), opCtx, "/a.txt", 0, 1)
	require.NoError(t, err)
	assert.False(t, diff.ContentChanged)
	assert.False(t, diff.SizeChanged)
}

func TestCanonicalize_RejectsTraversal(t *testing.T) {
	_, err := canonicalize("/a/../../etc/passwd")
	assert.Error(t, err)
}

func TestCanonicalize_NormalizesCleanPaths(t *testing.T) {
	clean, err := canonicalize("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", clean)
}

func writeMany(core *Core, opCtx model.OperationContext, paths []string) error {
	for _, p := range paths {
		if _, err := core.Write(context.Background(), opCtx, p, []byte("x"), opCtx.Subject.Entity()); err != nil {
			return err
		}
	}
	return nil
}
