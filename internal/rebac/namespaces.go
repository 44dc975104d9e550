package rebac

import "github.com/nexi-lab/nexus/internal/model"

func computed(relation string) model.Rewrite {
	return model.Rewrite{Kind: model.RewriteComputedUserset, ComputedRelation: relation}
}

func ttu(follow, subrelation string) model.Rewrite {
	return model.Rewrite{Kind: model.RewriteTupleToUserset, TTUFollow: follow, TTUSubrelation: subrelation}
}

func union(children ...model.Rewrite) *model.Rewrite {
	return &model.Rewrite{Kind: model.RewriteUnion, Children: children}
}

// DefaultFileNamespace is the namespace nexusd seeds for object type
// "file" so that fs.Core's authorize calls, which only ever check "read"
// and "write" against file entities, have a schema to resolve against.
// direct_owner/direct_editor/direct_viewer hold the tuples an operator or
// rebac_create grants directly; parent_owner/parent_editor/parent_viewer
// follow the "parent" tuples fs.Core maintains on every write/mkdir to
// propagate a grant down a directory's descendants; owner/editor/viewer
// fold both forms together so a permission only ever has to name one
// relation.
func DefaultFileNamespace() model.Namespace {
	return model.Namespace{
		ObjectType: "file",
		Relations: []model.Relation{
			{Name: "direct_owner"},
			{Name: "direct_editor"},
			{Name: "direct_viewer"},
			{Name: "parent_owner", Rewrite: ptr(ttu("parent", "owner"))},
			{Name: "parent_editor", Rewrite: ptr(ttu("parent", "editor"))},
			{Name: "parent_viewer", Rewrite: ptr(ttu("parent", "viewer"))},
			{Name: "owner", Rewrite: union(computed("direct_owner"), computed("parent_owner"))},
			{Name: "editor", Rewrite: union(computed("direct_editor"), computed("parent_editor"), computed("owner"))},
			{Name: "viewer", Rewrite: union(computed("direct_viewer"), computed("parent_viewer"), computed("editor"))},
		},
		Permissions: []model.Permission{
			{Name: "write", Relations: []string{"owner", "editor"}},
			{Name: "read", Relations: []string{"owner", "editor", "viewer"}},
		},
	}
}

// DefaultWorkspaceNamespace backs register_workspace's owner tuple. It
// carries no hierarchy relations of its own; a workspace's actual content
// lives under "file" objects, whose ownership is granted separately.
func DefaultWorkspaceNamespace() model.Namespace {
	return model.Namespace{
		ObjectType: "workspace",
		Relations: []model.Relation{
			{Name: "owner"},
		},
		Permissions: []model.Permission{
			{Name: "manage", Relations: []string{"owner"}},
		},
	}
}

func ptr(r model.Rewrite) *model.Rewrite { return &r }
