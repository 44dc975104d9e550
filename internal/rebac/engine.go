// Package rebac implements the permission engine (C4): namespace schema,
// rewrite evaluation (union, tuple-to-userset), tuple persistence, and the
// L1/L2/namespace caches. Cycle-safe depth-bounded traversal follows the
// visited-set/recursion-stack DFS idiom from the teacher's graph.dag
// cycle detector, adapted from dependency graphs to permission rewrites.
package rebac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// maxRewriteDepth bounds rewrite-graph traversal so a cyclic or
// adversarial namespace config can never hang a check.
const maxRewriteDepth = 50

// bulkParallelThreshold is the object count at or above which CheckBulk
// evaluates branches concurrently instead of sequentially.
const bulkParallelThreshold = 8

// Config tunes the engine's cache sizes and optional L2 tier.
type Config struct {
	L1MaxEntries int
	L2Client     *redis.Client
	L2TTL        time.Duration
	NSMaxEntries int
}

// Engine is the single ReBAC evaluator. Both the filesystem core's
// per-operation authorization and any diagnostic rebac_check/rebac_explain
// RPC go through this one instance — spec.md §4.4's enforcement-parity
// invariant is structural here, not a convention callers must remember.
type Engine struct {
	store metadatastore.Store
	l1    *decisionCache
	l2    *l2Cache
	ns    *namespaceCache
}

// New constructs an Engine backed by store.
func New(store metadatastore.Store, cfg Config) *Engine {
	return &Engine{
		store: store,
		l1:    newDecisionCache(cfg.L1MaxEntries),
		l2:    newL2Cache(cfg.L2Client, cfg.L2TTL),
		ns:    newNamespaceCache(cfg.NSMaxEntries),
	}
}

// Check decides whether subject holds permission on object within tenant.
func (e *Engine) Check(ctx context.Context, tenantID string, subject model.Subject, permission string, object model.Entity) (bool, error) {
	key := decisionKey(tenantID, subject, permission, object)

	if v, ok := e.l1.get(tenantID, key); ok {
		return v, nil
	}
	if v, ok := e.l2.get(ctx, key); ok {
		e.l1.put(tenantID, key, v)
		return v, nil
	}

	ns, err := e.namespace(ctx, object.Type)
	if err != nil {
		return false, err
	}
	perm, ok := ns.PermissionByName(permission)
	if !ok {
		return false, nexuserrors.New(nexuserrors.InvalidArgument, "undefined permission: %s", permission)
	}

	result := false
	for _, relationName := range perm.Relations {
		visited := make(map[string]bool)
		ok, err := e.checkRelation(ctx, tenantID, subject, relationName, object, 0, visited)
		if err != nil {
			return false, err
		}
		if ok {
			result = true
			break // union tie-break: first granting branch short-circuits
		}
	}

	e.l1.put(tenantID, key, result)
	e.l2.put(ctx, key, result)
	return result, nil
}

// CheckBulk evaluates permission over every object in objects. At or above
// bulkParallelThreshold it fans out with an errgroup; below it, it stays
// sequential, per spec.md §4.4's "single checks stay sequential" rule.
// Results are deterministic regardless of which branch finishes first
// because each goroutine only ever writes to its own slice slot.
func (e *Engine) CheckBulk(ctx context.Context, tenantID string, subject model.Subject, permission string, objects []model.Entity) (map[model.Entity]bool, error) {
	out := make(map[model.Entity]bool, len(objects))
	if len(objects) < bulkParallelThreshold {
		for _, obj := range objects {
			ok, err := e.Check(ctx, tenantID, subject, permission, obj)
			if err != nil {
				return nil, err
			}
			out[obj] = ok
		}
		return out, nil
	}

	type result struct {
		obj model.Entity
		ok  bool
	}
	results := make([]result, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	for i, obj := range objects {
		i, obj := i, obj
		g.Go(func() error {
			ok, err := e.Check(gctx, tenantID, subject, permission, obj)
			if err != nil {
				return err
			}
			results[i] = result{obj: obj, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, r := range results {
		out[r.obj] = r.ok
	}
	return out, nil
}

// namespace resolves a namespace definition through the bounded LRU,
// falling through to the store on a miss.
func (e *Engine) namespace(ctx context.Context, objectType string) (model.Namespace, error) {
	if cached, ok := e.ns.get(objectType); ok {
		return cached.(model.Namespace), nil
	}
	ns, err := e.store.GetNamespace(ctx, objectType)
	if err != nil {
		return model.Namespace{}, err
	}
	e.ns.put(objectType, ns)
	return ns, nil
}

// invalidateNamespace drops the cached copy after a PutNamespace so the
// next lookup re-reads the new definition instead of serving a stale hit
// keyed by the same object type.
func (e *Engine) invalidateNamespace(objectType string) {
	e.ns.mu.Lock()
	defer e.ns.mu.Unlock()
	if el, ok := e.ns.items[objectType]; ok {
		e.ns.ll.Remove(el)
		delete(e.ns.items, objectType)
	}
}

func decisionKey(tenantID string, subject model.Subject, permission string, object model.Entity) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + subject.String() + "|" + permission + "|" + object.String()))
	return hex.EncodeToString(sum[:])
}
