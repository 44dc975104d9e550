// Package router implements the mount table (C3): it maps a virtual path
// prefix to the (Backend, MetadataStore) pair that serves it, grounded on
// the teacher's transport.Manager mutex-guarded, type-keyed registry.
package router

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/nexi-lab/nexus/internal/backend"
	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// Mount is one registered prefix and the storage pair that serves it.
type Mount struct {
	Prefix   string
	Backend  backend.Backend
	Store    metadatastore.Store
	Priority int
	ReadOnly bool
}

// PermissionChecker lets list_mounts filter its output by caller
// permission without this package importing internal/rebac directly —
// the router only needs a yes/no answer, not the engine's internals.
type PermissionChecker interface {
	Check(ctx context.Context, opCtx model.OperationContext, permission string, object model.Entity) (bool, error)
}

// Router is the mutex-guarded mount registry. Registration follows the
// teacher's transport.Manager idiom: a write lock around map mutation, a
// read lock around lookups, and a bulk Close that aggregates errors
// instead of stopping at the first one.
type Router struct {
	mu     sync.RWMutex
	mounts map[string]*Mount
}

// New returns an empty Router. Callers register an admin root mount ("/")
// before serving traffic; resolve fails with ErrNotMounted until then.
func New() *Router {
	return &Router{mounts: make(map[string]*Mount)}
}

// AddMount registers prefix, guarded by the router's write lock so
// concurrent adds never observe partial state. Exact-duplicate prefixes
// are rejected; prefixes differing only in length resolve by longest
// match at Resolve time.
func (r *Router) AddMount(prefix string, m *Mount) error {
	prefix = normalizePrefix(prefix)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mounts[prefix]; exists {
		return nexuserrors.New(nexuserrors.AlreadyExists, "mount already registered: %s", prefix)
	}
	m.Prefix = prefix
	r.mounts[prefix] = m
	return nil
}

// RemoveMount unregisters prefix. Removing an unknown prefix is a no-op,
// matching the teacher's Close() treatment of already-absent transports.
func (r *Router) RemoveMount(prefix string) {
	prefix = normalizePrefix(prefix)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mounts, prefix)
}

// Resolve finds the longest registered prefix that is a path ancestor of
// path and returns it alongside the remainder (path with the prefix
// stripped). It fails with ErrNotMounted if no prefix matches.
func (r *Router) Resolve(path string) (*Mount, string, error) {
	path = normalizePrefix(path)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Mount
	for prefix, m := range r.mounts {
		if !isAncestorPrefix(prefix, path) {
			continue
		}
		if best == nil || len(prefix) > len(best.Prefix) {
			best = m
		}
	}
	if best == nil {
		return nil, "", nexuserrors.ErrNotMounted
	}
	remainder := strings.TrimPrefix(path, best.Prefix)
	remainder = strings.TrimPrefix(remainder, "/")
	return best, remainder, nil
}

// ListMounts returns a snapshot copy of every registered mount whose
// prefix the caller may read, per spec.md §4.1's "filtered by caller
// permissions before return" requirement. checker may be nil to skip
// filtering (used by purely administrative callers that already hold
// is_admin).
func (r *Router) ListMounts(ctx context.Context, opCtx model.OperationContext, checker PermissionChecker) ([]Mount, error) {
	r.mu.RLock()
	snapshot := make([]Mount, 0, len(r.mounts))
	for _, m := range r.mounts {
		snapshot = append(snapshot, *m)
	}
	r.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Prefix < snapshot[j].Prefix })

	if checker == nil {
		return snapshot, nil
	}
	visible := make([]Mount, 0, len(snapshot))
	for _, m := range snapshot {
		ok, err := checker.Check(ctx, opCtx, "read", model.Entity{Type: "mount", ID: m.Prefix})
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// Close closes every registered backend's underlying metadata store,
// aggregating errors the way transport.Manager.Close does rather than
// stopping at the first failure.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for prefix, m := range r.mounts {
		if err := m.Store.Close(); err != nil {
			errs = append(errs, nexuserrors.Wrap(nexuserrors.Unavailable, err, "close mount %s", prefix))
		}
	}
	return errors.Join(errs...)
}

func normalizePrefix(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func isAncestorPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
