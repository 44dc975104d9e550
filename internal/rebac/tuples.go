package rebac

import (
	"context"
	"time"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// CreateTuple persists t and bumps tenantID's L1 generation counter so
// every previously cached decision for this tenant is invalidated on its
// next read.
func (e *Engine) CreateTuple(ctx context.Context, t model.Tuple) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if err := e.store.CreateTuple(ctx, t); err != nil {
		return err
	}
	e.l1.bump(t.TenantID)
	return nil
}

func (e *Engine) DeleteTuple(ctx context.Context, tenantID, tupleID string) error {
	if err := e.store.DeleteTuple(ctx, tenantID, tupleID); err != nil {
		return err
	}
	e.l1.bump(tenantID)
	return nil
}

func (e *Engine) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	if err := e.store.DeleteObjectTuples(ctx, tenantID, object); err != nil {
		return err
	}
	e.l1.bump(tenantID)
	return nil
}

func (e *Engine) ListTuples(ctx context.Context, tenantID string, filter metadatastore.TupleFilter) ([]model.Tuple, error) {
	return e.store.ListTuples(ctx, tenantID, filter)
}

// PutNamespace persists ns and evicts any cached copy so the next lookup
// re-reads the updated definition.
func (e *Engine) PutNamespace(ctx context.Context, ns model.Namespace) error {
	if err := e.store.PutNamespace(ctx, ns); err != nil {
		return err
	}
	e.invalidateNamespace(ns.ObjectType)
	return nil
}

// EnsureParentTuplesBatch dedupes ancestorOf pairs and issues one
// transactional upsert so a bulk write under a directory tree creates at
// most one "parent" tuple per distinct (child, parent) pair, per
// spec.md §4.4's batching requirement.
func (e *Engine) EnsureParentTuplesBatch(ctx context.Context, tenantID string, pairs []ParentPair) error {
	seen := make(map[string]bool, len(pairs))
	dedup := make([]ParentPair, 0, len(pairs))
	for _, p := range pairs {
		key := p.Child.String() + "->" + p.Parent.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		dedup = append(dedup, p)
	}
	if len(dedup) == 0 {
		return nil
	}

	err := e.store.WithTx(ctx, func(tx metadatastore.Tx) error {
		for _, p := range dedup {
			existing, err := tx.ListTuples(ctx, tenantID, metadatastore.TupleFilter{
				SubjectType: p.Child.Type,
				SubjectID:   p.Child.ID,
				Relation:    "parent",
				ObjectType:  p.Parent.Type,
				ObjectID:    p.Parent.ID,
			})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				continue
			}
			if err := tx.CreateTuple(ctx, model.Tuple{
				TenantID:  tenantID,
				Subject:   model.Subject{Entity: &model.Entity{Type: p.Child.Type, ID: p.Child.ID}},
				Relation:  "parent",
				Object:    p.Parent,
				CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "ensure parent tuples")
	}
	e.l1.bump(tenantID)
	return nil
}

// ParentPair names one hierarchy edge to ensure a "parent" tuple for.
type ParentPair struct {
	Child  model.Entity
	Parent model.Entity
}

// EnsureParentTupleTx upserts a single "parent" tuple using tx directly
// instead of opening its own transaction. Callers that already hold a
// metadata-store transaction for the row the tuple protects use this so
// the row and its tuple commit atomically — the ordering fix spec.md
// §4.5 and §9 require. The caller must call InvalidateTenant once its
// outer transaction commits; this method does not touch the L1 cache,
// since bumping before commit would let a reader see the invalidation
// but still read the pre-commit (stale) tuple set.
func (e *Engine) EnsureParentTupleTx(ctx context.Context, tx metadatastore.Tx, tenantID string, child, parent model.Entity) error {
	existing, err := tx.ListTuples(ctx, tenantID, metadatastore.TupleFilter{
		SubjectType: child.Type,
		SubjectID:   child.ID,
		Relation:    "parent",
		ObjectType:  parent.Type,
		ObjectID:    parent.ID,
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return tx.CreateTuple(ctx, model.Tuple{
		TenantID:  tenantID,
		Subject:   model.Subject{Entity: &model.Entity{Type: child.Type, ID: child.ID}},
		Relation:  "parent",
		Object:    parent,
		CreatedAt: time.Now(),
	})
}

// InvalidateTenant bumps tenantID's L1 generation counter. Call after any
// transaction that wrote tuples through EnsureParentTupleTx commits.
func (e *Engine) InvalidateTenant(tenantID string) {
	e.l1.bump(tenantID)
}
