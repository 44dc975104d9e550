package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
	"github.com/nexi-lab/nexus/internal/rebac"
	"github.com/nexi-lab/nexus/internal/router"
)

// TestEnforcementParity asserts that internal/fs.Core's authorization
// decisions and a direct rebac.Engine.Check call against the same store
// always agree. Core is wired with the one *rebac.Engine instance under
// test, never a second evaluator, so any mismatch here would mean Core
// bypassed that engine somewhere rather than two engines disagreeing.
func TestEnforcementParity(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.PutNamespace(context.Background(), model.Namespace{
		ObjectType: "file",
		Relations:  []model.Relation{{Name: "owner"}},
		Permissions: []model.Permission{
			{Name: "read", Relations: []string{"owner"}},
			{Name: "write", Relations: []string{"owner"}},
		},
	}))

	engine := rebac.New(store, rebac.Config{})

	r := router.New()
	require.NoError(t, r.AddMount("/", &router.Mount{Backend: newFakeBackend(), Store: store}))
	core := New(r, engine, true)

	alice := model.Identity{SubjectType: "user", SubjectID: "alice", TenantID: "t1"}
	bob := model.Identity{SubjectType: "user", SubjectID: "bob", TenantID: "t1"}
	opCtxAlice := model.OperationContext{Subject: alice, TenantID: "t1"}
	opCtxBob := model.OperationContext{Subject: bob, TenantID: "t1"}

	object := model.Entity{Type: "file", ID: "/owned.txt"}
	require.NoError(t, engine.CreateTuple(context.Background(), model.Tuple{
		TenantID: "t1",
		Subject:  model.Subject{Entity: ptrEntity(alice.Entity())},
		Relation: "owner",
		Object:   object,
	}))
	contentHash := "deadbeef"
	require.NoError(t, store.PutFile(context.Background(), model.FileRecord{
		Path: "owned.txt", TenantID: "t1", ContentHash: &contentHash, Size: 0,
	}))

	cases := []struct {
		name   string
		opCtx  model.OperationContext
		entity model.Entity
	}{
		{"owner reads own file", opCtxAlice, object},
		{"non-owner reads owned file", opCtxBob, object},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			direct, err := engine.Check(context.Background(), tc.opCtx.TenantID,
				model.Subject{Entity: ptrEntity(tc.opCtx.Subject.Entity())}, "read", tc.entity)
			require.NoError(t, err)

			_, _, coreErr := core.Read(context.Background(), tc.opCtx, tc.entity.ID)
			coreAllowed := coreErr == nil || !nexuserrors.Is(coreErr, nexuserrors.PermissionDenied)

			assert.Equal(t, direct, coreAllowed, "engine.Check and Core.Read disagree on authorization")
		})
	}
}
