package rpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
)

// fakeKeyStore implements just enough of metadatastore.Store to exercise
// API-key verification; every other method panics if ever called, so a
// test that accidentally depends on them fails loudly instead of silently
// returning a zero value.
type fakeKeyStore struct {
	keys map[string]metadatastore.APIKeyRecord
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]metadatastore.APIKeyRecord{}}
}

func (s *fakeKeyStore) CreateAPIKey(ctx context.Context, rec metadatastore.APIKeyRecord) error {
	s.keys[rec.Prefix] = rec
	return nil
}

func (s *fakeKeyStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (metadatastore.APIKeyRecord, error) {
	rec, ok := s.keys[prefix]
	if !ok {
		return metadatastore.APIKeyRecord{}, assertError("api key not found")
	}
	return rec, nil
}

func (s *fakeKeyStore) PutFile(ctx context.Context, rec model.FileRecord) error { panic("unused") }
func (s *fakeKeyStore) GetFile(ctx context.Context, tenantID, path string) (model.FileRecord, error) {
	panic("unused")
}
func (s *fakeKeyStore) DeleteFile(ctx context.Context, tenantID, path string) error { panic("unused") }
func (s *fakeKeyStore) ListByPrefix(ctx context.Context, tenantID, prefix string, recursive bool) ([]model.FileRecord, error) {
	panic("unused")
}
func (s *fakeKeyStore) GetContentRow(ctx context.Context, tenantID, hash string) (model.ContentRow, error) {
	panic("unused")
}
func (s *fakeKeyStore) IncrRefCount(ctx context.Context, tenantID, hash, locator string, size int64) (int64, error) {
	panic("unused")
}
func (s *fakeKeyStore) DecrRefCount(ctx context.Context, tenantID, hash string) (int64, error) {
	panic("unused")
}
func (s *fakeKeyStore) CreateTuple(ctx context.Context, t model.Tuple) error { panic("unused") }
func (s *fakeKeyStore) DeleteTuple(ctx context.Context, tenantID, tupleID string) error {
	panic("unused")
}
func (s *fakeKeyStore) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	panic("unused")
}
func (s *fakeKeyStore) ListTuples(ctx context.Context, tenantID string, filter metadatastore.TupleFilter) ([]model.Tuple, error) {
	panic("unused")
}
func (s *fakeKeyStore) PutNamespace(ctx context.Context, ns model.Namespace) error { panic("unused") }
func (s *fakeKeyStore) GetNamespace(ctx context.Context, objectType string) (model.Namespace, error) {
	panic("unused")
}
func (s *fakeKeyStore) AppendAudit(ctx context.Context, entry metadatastore.AuditEntry) error {
	panic("unused")
}
func (s *fakeKeyStore) ListScheduledTasks(ctx context.Context, tenantID string) ([]metadatastore.ScheduledTask, error) {
	panic("unused")
}
func (s *fakeKeyStore) RecordVersion(ctx context.Context, v metadatastore.ContentVersion) error {
	panic("unused")
}
func (s *fakeKeyStore) ListVersions(ctx context.Context, tenantID, path string) ([]metadatastore.ContentVersion, error) {
	panic("unused")
}
func (s *fakeKeyStore) WithTx(ctx context.Context, fn func(tx metadatastore.Tx) error) error {
	panic("unused")
}
func (s *fakeKeyStore) Close() error { return nil }

func TestGenerateAndVerifyAPIKey(t *testing.T) {
	secret := []byte("test-secret")
	store := newFakeKeyStore()

	key, rec, err := generateAPIKey(secret, "tenant-a", "user-1", true, []string{"rpc:admin"})
	require.NoError(t, err)
	require.NoError(t, store.CreateAPIKey(context.Background(), rec))

	identity, err := verifyAPIKey(context.Background(), store, secret, key)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", identity.TenantID)
	assert.Equal(t, "user-1", identity.SubjectID)
	assert.True(t, identity.IsAdmin)
	assert.Equal(t, []string{"rpc:admin"}, identity.Scopes)
}

func TestVerifyAPIKeyRejectsTamperedSignature(t *testing.T) {
	secret := []byte("test-secret")
	store := newFakeKeyStore()

	key, rec, err := generateAPIKey(secret, "tenant-a", "user-1", false, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateAPIKey(context.Background(), rec))

	tampered := key[:len(key)-4] + "beef"
	_, err = verifyAPIKey(context.Background(), store, secret, tampered)
	assert.Error(t, err)
}

func TestVerifyAPIKeyRejectsRevoked(t *testing.T) {
	secret := []byte("test-secret")
	store := newFakeKeyStore()

	key, rec, err := generateAPIKey(secret, "tenant-a", "user-1", false, nil)
	require.NoError(t, err)
	revokedAt := time.Now()
	rec.RevokedAt = &revokedAt
	require.NoError(t, store.CreateAPIKey(context.Background(), rec))

	_, err = verifyAPIKey(context.Background(), store, secret, key)
	assert.Error(t, err)
}

func TestVerifyAPIKeyRejectsMalformedKey(t *testing.T) {
	store := newFakeKeyStore()
	_, err := verifyAPIKey(context.Background(), store, []byte("secret"), "sk-not-enough-parts")
	assert.Error(t, err)
}

func TestJWTServiceIssueAndVerify(t *testing.T) {
	svc := newJWTService("jwt-secret", time.Hour)
	identity := model.Identity{
		TenantID:    "tenant-a",
		SubjectType: "user",
		SubjectID:   "user-1",
		IsAdmin:     false,
		Scopes:      []string{"rpc:read"},
	}

	token, err := svc.issue(identity)
	require.NoError(t, err)

	got, err := svc.verify(token)
	require.NoError(t, err)
	assert.Equal(t, identity, got)
}

func TestJWTServiceRejectsWrongSecret(t *testing.T) {
	issuer := newJWTService("secret-one", time.Hour)
	verifier := newJWTService("secret-two", time.Hour)

	token, err := issuer.issue(model.Identity{TenantID: "t", SubjectID: "s"})
	require.NoError(t, err)

	_, err = verifier.verify(token)
	assert.Error(t, err)
}
