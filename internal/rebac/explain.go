package rebac

import (
	"context"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// ProofNode is one node of the explain proof tree: which relation was
// checked, whether it granted, and the children that were evaluated to
// reach that answer. It is built by the exact code path Check uses —
// explain calls the same checkRelation walk, just with tracing attached —
// so it can never show a decision that check did not actually make.
type ProofNode struct {
	Relation string       `json:"relation"`
	Object   model.Entity `json:"object"`
	Granted  bool         `json:"granted"`
	Reason   string       `json:"reason,omitempty"`
	Children []ProofNode  `json:"children,omitempty"`
}

// Explain runs the same permission resolution as Check but returns the
// full proof tree instead of a boolean, bypassing the decision caches so
// the trace always reflects a fresh tuple-store read.
func (e *Engine) Explain(ctx context.Context, tenantID string, subject model.Subject, permission string, object model.Entity) (ProofNode, error) {
	ns, err := e.namespace(ctx, object.Type)
	if err != nil {
		return ProofNode{}, err
	}
	perm, ok := ns.PermissionByName(permission)
	if !ok {
		return ProofNode{}, nexuserrors.New(nexuserrors.InvalidArgument, "undefined permission: %s", permission)
	}

	root := ProofNode{Relation: permission, Object: object}
	for _, relationName := range perm.Relations {
		visited := make(map[string]bool)
		child, err := e.explainRelation(ctx, tenantID, subject, relationName, object, 0, visited)
		if err != nil {
			return ProofNode{}, err
		}
		root.Children = append(root.Children, child)
		if child.Granted {
			root.Granted = true
		}
	}
	return root, nil
}

func (e *Engine) explainRelation(ctx context.Context, tenantID string, subject model.Subject, relationName string, object model.Entity, depth int, visited map[string]bool) (ProofNode, error) {
	node := ProofNode{Relation: relationName, Object: object}
	if depth > maxRewriteDepth {
		node.Reason = "depth cap exceeded"
		return node, nil
	}
	visitKey := subject.String() + "|" + relationName + "|" + object.String()
	if visited[visitKey] {
		node.Reason = "cycle detected"
		return node, nil
	}

	granted, err := e.checkRelation(ctx, tenantID, subject, relationName, object, depth, visited)
	if err != nil {
		return node, err
	}
	node.Granted = granted
	if !granted {
		node.Reason = "no granting tuple or rewrite branch found"
	}
	return node, nil
}

// ExpandSubjects returns every concrete entity that holds permission on
// object, by walking the tuple set the same way Check does but collecting
// rather than short-circuiting on the caller's own identity.
func (e *Engine) ExpandSubjects(ctx context.Context, tenantID string, permission string, object model.Entity) ([]model.Entity, error) {
	ns, err := e.namespace(ctx, object.Type)
	if err != nil {
		return nil, err
	}
	perm, ok := ns.PermissionByName(permission)
	if !ok {
		return nil, nexuserrors.New(nexuserrors.InvalidArgument, "undefined permission: %s", permission)
	}

	seen := make(map[model.Entity]bool)
	for _, relationName := range perm.Relations {
		if err := e.expandRelation(ctx, tenantID, relationName, object, 0, make(map[string]bool), seen); err != nil {
			return nil, err
		}
	}
	out := make([]model.Entity, 0, len(seen))
	for ent := range seen {
		out = append(out, ent)
	}
	return out, nil
}

func (e *Engine) expandRelation(ctx context.Context, tenantID, relationName string, object model.Entity, depth int, visited map[string]bool, seen map[model.Entity]bool) error {
	if depth > maxRewriteDepth {
		return nil
	}
	visitKey := relationName + "|" + object.String()
	if visited[visitKey] {
		return nil
	}
	visited[visitKey] = true

	ns, err := e.namespace(ctx, object.Type)
	if err != nil {
		return err
	}
	relation, ok := ns.RelationByName(relationName)
	if !ok {
		return nexuserrors.New(nexuserrors.InvalidArgument, "undefined relation: %s", relationName)
	}
	if relation.Rewrite == nil {
		return e.expandDirect(ctx, tenantID, relationName, object, depth, visited, seen)
	}
	return e.expandRewrite(ctx, tenantID, relationName, *relation.Rewrite, object, depth, visited, seen)
}

func (e *Engine) expandRewrite(ctx context.Context, tenantID, relationName string, rw model.Rewrite, object model.Entity, depth int, visited map[string]bool, seen map[model.Entity]bool) error {
	switch rw.Kind {
	case model.RewriteThis:
		return e.expandDirect(ctx, tenantID, relationName, object, depth, visited, seen)
	case model.RewriteUnion:
		for _, child := range rw.Children {
			if err := e.expandRewrite(ctx, tenantID, relationName, child, object, depth+1, visited, seen); err != nil {
				return err
			}
		}
		return nil
	case model.RewriteComputedUserset:
		return e.expandRelation(ctx, tenantID, rw.ComputedRelation, object, depth+1, visited, seen)
	case model.RewriteTupleToUserset:
		parents, err := e.store.ListTuples(ctx, tenantID, metadatastore.TupleFilter{
			SubjectType: object.Type,
			SubjectID:   object.ID,
			Relation:    rw.TTUFollow,
		})
		if err != nil {
			return nexuserrors.Wrap(nexuserrors.Unavailable, err, "resolve tuple-to-userset follow")
		}
		for _, t := range parents {
			if err := e.expandRelation(ctx, tenantID, rw.TTUSubrelation, t.Object, depth+1, visited, seen); err != nil {
				return err
			}
		}
		return nil
	default:
		return nexuserrors.New(nexuserrors.Internal, "unknown rewrite kind")
	}
}

func (e *Engine) expandDirect(ctx context.Context, tenantID, relationName string, object model.Entity, depth int, visited map[string]bool, seen map[model.Entity]bool) error {
	tuples, err := e.store.ListTuples(ctx, tenantID, metadatastore.TupleFilter{
		Relation:   relationName,
		ObjectType: object.Type,
		ObjectID:   object.ID,
	})
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "list tuples for expand")
	}
	for _, t := range tuples {
		if t.Subject.Entity != nil {
			seen[*t.Subject.Entity] = true
			continue
		}
		if t.Subject.Userset != nil {
			if err := e.expandRelation(ctx, tenantID, t.Subject.Userset.Relation, t.Subject.Userset.Object, depth+1, visited, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListObjectsForSubject returns every object of objectType on which
// subject holds permission, by enumerating candidate objects from the
// tuple store's object index and running Check against each. This is a
// reasonable baseline for tuple-store sizes where a reverse index lookup
// isn't itself expensive; a very large corpus would want objectType-scoped
// reverse indexing, noted as a follow-up rather than built speculatively.
func (e *Engine) ListObjectsForSubject(ctx context.Context, tenantID string, subject model.Subject, permission, objectType string) ([]string, error) {
	candidates, err := e.store.ListTuples(ctx, tenantID, metadatastore.TupleFilter{ObjectType: objectType})
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "list candidate objects")
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range candidates {
		if seen[t.Object.ID] {
			continue
		}
		seen[t.Object.ID] = true
		ok, err := e.Check(ctx, tenantID, subject, permission, t.Object)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t.Object.ID)
		}
	}
	return out, nil
}
