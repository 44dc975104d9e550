package rebac

import (
	"context"
	"time"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// checkRelation resolves one relation of object for subject, descending
// into its rewrite graph. depth enforces the hard cap; visited is a
// per-query set of "subject|relation|object" strings, the same
// recursion-stack idiom the teacher's cycle detector uses, so a cyclic
// rewrite (or cyclic tuple-to-userset chain) returns false on the repeat
// branch instead of recursing forever.
func (e *Engine) checkRelation(ctx context.Context, tenantID string, subject model.Subject, relationName string, object model.Entity, depth int, visited map[string]bool) (bool, error) {
	if depth > maxRewriteDepth {
		return false, nil // depth-cap breach: false, never a crash
	}
	visitKey := subject.String() + "|" + relationName + "|" + object.String()
	if visited[visitKey] {
		return false, nil
	}
	visited[visitKey] = true

	ns, err := e.namespace(ctx, object.Type)
	if err != nil {
		return false, err
	}
	relation, ok := ns.RelationByName(relationName)
	if !ok {
		return false, nexuserrors.New(nexuserrors.InvalidArgument, "undefined relation: %s", relationName)
	}
	if relation.Rewrite == nil {
		return e.checkDirect(ctx, tenantID, subject, relationName, object, depth, visited)
	}
	return e.evalRewrite(ctx, tenantID, subject, relationName, *relation.Rewrite, object, depth, visited)
}

// evalRewrite descends one rewrite node. relationName is the relation
// whose rewrite expression this is, needed so a "this" leaf knows which
// relation's direct tuples to check.
func (e *Engine) evalRewrite(ctx context.Context, tenantID string, subject model.Subject, relationName string, rw model.Rewrite, object model.Entity, depth int, visited map[string]bool) (bool, error) {
	switch rw.Kind {
	case model.RewriteThis:
		return e.checkDirect(ctx, tenantID, subject, relationName, object, depth, visited)

	case model.RewriteUnion:
		for _, child := range rw.Children {
			ok, err := e.evalRewrite(ctx, tenantID, subject, relationName, child, object, depth+1, visited)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil // order-insensitive union: first grant short-circuits
			}
		}
		return false, nil

	case model.RewriteComputedUserset:
		return e.checkRelation(ctx, tenantID, subject, rw.ComputedRelation, object, depth+1, visited)

	case model.RewriteTupleToUserset:
		// Follow TTUFollow from object-as-subject (the hierarchy-tuple
		// convention: a child's "parent" tuple stores the child as
		// Subject and the parent as Object) to find the related entity,
		// then check TTUSubrelation there.
		parents, err := e.store.ListTuples(ctx, tenantID, metadatastore.TupleFilter{
			SubjectType: object.Type,
			SubjectID:   object.ID,
			Relation:    rw.TTUFollow,
		})
		if err != nil {
			return false, nexuserrors.Wrap(nexuserrors.Unavailable, err, "resolve tuple-to-userset follow")
		}
		for _, t := range parents {
			ok, err := e.checkRelation(ctx, tenantID, subject, rw.TTUSubrelation, t.Object, depth+1, visited)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, nexuserrors.New(nexuserrors.Internal, "unknown rewrite kind")
	}
}

// checkDirect answers "does subject hold relationName directly on object",
// following userset indirection when a matching tuple's subject is itself
// a userset rather than a concrete entity.
func (e *Engine) checkDirect(ctx context.Context, tenantID string, subject model.Subject, relationName string, object model.Entity, depth int, visited map[string]bool) (bool, error) {
	tuples, err := e.store.ListTuples(ctx, tenantID, metadatastore.TupleFilter{
		Relation:   relationName,
		ObjectType: object.Type,
		ObjectID:   object.ID,
	})
	if err != nil {
		return false, nexuserrors.Wrap(nexuserrors.Unavailable, err, "list tuples for direct check")
	}
	callerEntity := subject.Entity
	for _, t := range tuples {
		if t.Expired(time.Now()) {
			continue
		}
		if t.Subject.Entity != nil {
			if callerEntity != nil && *t.Subject.Entity == *callerEntity {
				return true, nil
			}
			continue
		}
		if t.Subject.Userset != nil {
			ok, err := e.checkRelation(ctx, tenantID, subject, t.Subject.Userset.Relation, t.Subject.Userset.Object, depth+1, visited)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}
