package rebac

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	metaembedded "github.com/nexi-lab/nexus/internal/metadatastore/embedded"
	"github.com/nexi-lab/nexus/internal/model"
)

func newTestStore(t *testing.T) *metaembedded.Store {
	t.Helper()
	store, err := metaembedded.Open(filepath.Join(t.TempDir(), "rebac.db"), metadatastore.RoleSingleWriter)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func entityTuple(tenantID string, subject model.Entity, relation string, object model.Entity) model.Tuple {
	return model.Tuple{TenantID: tenantID, Subject: model.Subject{Entity: &subject}, Relation: relation, Object: object}
}

// TestCheckHierarchicalPropagation exercises DefaultFileNamespace's real
// shape — computed-userset unions layered over tuple-to-userset parent
// follows — against the actual engine, not a fake checker. Granting
// direct_owner on a directory must imply write on a descendant reached
// only through "parent" tuples, per the namespace's owner/editor rewrite.
func TestCheckHierarchicalPropagation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PutNamespace(ctx, DefaultFileNamespace()))

	engine := New(store, Config{})

	dir := model.Entity{Type: "file", ID: "/d"}
	child := model.Entity{Type: "file", ID: "/d/child"}
	grandchild := model.Entity{Type: "file", ID: "/d/child/grandchild"}
	alice := model.Entity{Type: "user", ID: "alice"}

	require.NoError(t, engine.CreateTuple(ctx, entityTuple("t1", child, "parent", dir)))
	require.NoError(t, engine.CreateTuple(ctx, entityTuple("t1", grandchild, "parent", child)))
	require.NoError(t, engine.CreateTuple(ctx, entityTuple("t1", alice, "direct_owner", dir)))

	ok, err := engine.Check(ctx, "t1", model.Subject{Entity: &alice}, "write", child)
	require.NoError(t, err)
	require.True(t, ok, "direct_owner on a directory must grant write on a direct child via parent_owner")

	ok, err = engine.Check(ctx, "t1", model.Subject{Entity: &alice}, "write", grandchild)
	require.NoError(t, err)
	require.True(t, ok, "propagation must follow the parent chain transitively")

	stranger := model.Entity{Type: "user", ID: "mallory"}
	ok, err = engine.Check(ctx, "t1", model.Subject{Entity: &stranger}, "write", child)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestCheckEditorInheritsOwner exercises the union child that references a
// sibling relation (owner) rather than a direct tuple or a tuple-to-userset
// follow, the exact gap the namespace's editor relation closes.
func TestCheckEditorInheritsOwner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PutNamespace(ctx, DefaultFileNamespace()))

	engine := New(store, Config{})
	object := model.Entity{Type: "file", ID: "/owned.txt"}
	alice := model.Entity{Type: "user", ID: "alice"}
	require.NoError(t, engine.CreateTuple(ctx, entityTuple("t1", alice, "direct_owner", object)))

	ok, err := engine.checkRelation(ctx, "t1", model.Subject{Entity: &alice}, "editor", object, 0, map[string]bool{})
	require.NoError(t, err)
	require.True(t, ok, "editor must be granted through owner's computed_userset child, not just direct_editor")
}

// TestCheckCyclicRewriteNeverHangs builds a namespace whose two relations
// each reference the other through a computed_userset rewrite, with no
// primitive leaf to ever grant. checkRelation must return false once the
// per-query visited set repeats a (subject, relation, object) key, never
// recurse unboundedly and never surface an error for the cycle itself.
func TestCheckCyclicRewriteNeverHangs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ns := model.Namespace{
		ObjectType: "cyclic",
		Relations: []model.Relation{
			{Name: "a", Rewrite: &model.Rewrite{Kind: model.RewriteComputedUserset, ComputedRelation: "b"}},
			{Name: "b", Rewrite: &model.Rewrite{Kind: model.RewriteComputedUserset, ComputedRelation: "a"}},
		},
		Permissions: []model.Permission{{Name: "use", Relations: []string{"a"}}},
	}
	require.NoError(t, store.PutNamespace(ctx, ns))

	engine := New(store, Config{})
	subject := model.Entity{Type: "user", ID: "alice"}
	object := model.Entity{Type: "cyclic", ID: "x"}

	ok, err := engine.Check(ctx, "t1", model.Subject{Entity: &subject}, "use", object)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestCheckDepthCapBreachReturnsFalse builds a deep but acyclic chain of
// computed_userset relations, one per depth level, well past
// maxRewriteDepth, with a grant only on the relation at the very bottom.
// The cap must stop the walk and return false rather than ever reaching
// that grant.
func TestCheckDepthCapBreachReturnsFalse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	depth := maxRewriteDepth + 10
	relations := make([]model.Relation, 0, depth+1)
	for i := 0; i < depth; i++ {
		relations = append(relations, model.Relation{
			Name:    relationName(i),
			Rewrite: &model.Rewrite{Kind: model.RewriteComputedUserset, ComputedRelation: relationName(i + 1)},
		})
	}
	relations = append(relations, model.Relation{Name: relationName(depth)})
	ns := model.Namespace{
		ObjectType:  "chain",
		Relations:   relations,
		Permissions: []model.Permission{{Name: "use", Relations: []string{relationName(0)}}},
	}
	require.NoError(t, store.PutNamespace(ctx, ns))

	engine := New(store, Config{})
	subject := model.Entity{Type: "user", ID: "alice"}
	object := model.Entity{Type: "chain", ID: "x"}
	require.NoError(t, engine.CreateTuple(ctx, entityTuple("t1", subject, relationName(depth), object)))

	ok, err := engine.Check(ctx, "t1", model.Subject{Entity: &subject}, "use", object)
	require.NoError(t, err)
	require.False(t, ok, "a chain deeper than maxRewriteDepth must be cut off before reaching the grant")
}

func relationName(i int) string {
	return "r" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
