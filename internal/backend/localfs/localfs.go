// Package localfs implements backend.Backend over the host filesystem.
// Content blobs are laid out at <root>/<first-2-hex>/<next-2-hex>/<hash>
// per spec.md §6; ref counts live alongside each blob in a sibling
// ".refcount" file since the local backend has no separate metadata store
// of its own to consult.
package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/nexi-lab/nexus/internal/backend"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// Backend stores blobs under Root on the local filesystem.
type Backend struct {
	Root string

	// mu serializes ref-count read-modify-write per process; the metadata
	// store's row lock handles cross-process/tenant serialization, this is
	// belt-and-suspenders for concurrent goroutines against one Backend.
	mu sync.Mutex
}

// New creates a local filesystem backend rooted at root, creating the
// directory if it does not already exist.
func New(root string) (*Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "create backend root")
	}
	return &Backend{Root: root}, nil
}

func (b *Backend) blobPath(hash string) string {
	d1, d2, full := backend.Locator(hash)
	if d2 == "" {
		return filepath.Join(b.Root, d1, full)
	}
	return filepath.Join(b.Root, d1, d2, full)
}

func (b *Backend) refcountPath(hash string) string {
	return b.blobPath(hash) + ".refcount"
}

// safeJoin guards against a caller-supplied hash escaping Root via "..".
// Content hashes are always our own hex digests, but directory paths flow
// from caller-provided virtual paths one layer up, so this check stays
// cheap insurance at the boundary regardless.
func (b *Backend) safeJoin(rel string) (string, error) {
	clean := filepath.Join(b.Root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(clean, filepath.Clean(b.Root)+string(filepath.Separator)) && clean != filepath.Clean(b.Root) {
		return "", nexuserrors.ErrInvalidPath
	}
	return clean, nil
}

func (b *Backend) WriteContent(ctx context.Context, data []byte) (string, error) {
	hash := backend.Hash(data)
	path := b.blobPath(hash)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nexuserrors.Wrap(nexuserrors.Unavailable, err, "create blob directory")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", nexuserrors.Wrap(nexuserrors.Unavailable, err, "write blob")
		}
	} else if err != nil {
		return "", nexuserrors.Wrap(nexuserrors.Unavailable, err, "stat blob")
	}

	if err := b.bumpRefCount(hash, 1); err != nil {
		return "", err
	}
	return hash, nil
}

func (b *Backend) ReadContent(ctx context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(b.blobPath(hash))
	if os.IsNotExist(err) {
		return nil, nexuserrors.ErrContentNotFound
	}
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "read blob")
	}
	return data, nil
}

func (b *Backend) DeleteContent(ctx context.Context, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, err := b.readRefCount(hash)
	if err != nil {
		return err
	}
	if count <= 0 {
		return nexuserrors.ErrContentNotFound
	}
	count--
	if count <= 0 {
		if err := os.Remove(b.blobPath(hash)); err != nil && !os.IsNotExist(err) {
			return nexuserrors.Wrap(nexuserrors.Unavailable, err, "remove blob")
		}
		_ = os.Remove(b.refcountPath(hash))
		return nil
	}
	return b.writeRefCount(hash, count)
}

func (b *Backend) ContentExists(ctx context.Context, hash string) (bool, error) {
	_, err := os.Stat(b.blobPath(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, nexuserrors.Wrap(nexuserrors.Unavailable, err, "stat blob")
	}
	return true, nil
}

func (b *Backend) GetContentSize(ctx context.Context, hash string) (int64, error) {
	info, err := os.Stat(b.blobPath(hash))
	if os.IsNotExist(err) {
		return 0, nexuserrors.ErrContentNotFound
	}
	if err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Unavailable, err, "stat blob")
	}
	return info.Size(), nil
}

func (b *Backend) GetRefCount(ctx context.Context, hash string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readRefCount(hash)
}

func (b *Backend) BatchReadContent(ctx context.Context, hashes []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(hashes))
	for _, h := range hashes {
		data, err := b.ReadContent(ctx, h)
		if nexuserrors.Is(err, nexuserrors.NotFound) {
			out[h] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		out[h] = data
	}
	return out, nil
}

func (b *Backend) Mkdir(ctx context.Context, path string) error {
	full, err := b.safeJoin(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "mkdir")
	}
	return nil
}

func (b *Backend) Rmdir(ctx context.Context, path string) error {
	full, err := b.safeJoin(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "rmdir")
	}
	return nil
}

func (b *Backend) IsDirectory(ctx context.Context, path string) (bool, error) {
	full, err := b.safeJoin(path)
	if err != nil {
		return false, err
	}
	info, statErr := os.Stat(full)
	if os.IsNotExist(statErr) {
		return false, nil
	}
	if statErr != nil {
		return false, nexuserrors.Wrap(nexuserrors.Unavailable, statErr, "stat dir")
	}
	return info.IsDir(), nil
}

func (b *Backend) ListDir(ctx context.Context, path string) ([]string, error) {
	full, err := b.safeJoin(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, nexuserrors.ErrContentNotFound
	}
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "list dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (b *Backend) readRefCount(hash string) (int64, error) {
	data, err := os.ReadFile(b.refcountPath(hash))
	if os.IsNotExist(err) {
		if exists, _ := b.ContentExists(context.Background(), hash); exists {
			return 1, nil
		}
		return 0, nil
	}
	if err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Unavailable, err, "read refcount")
	}
	n, convErr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if convErr != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Internal, convErr, "corrupt refcount file")
	}
	return n, nil
}

func (b *Backend) writeRefCount(hash string, n int64) error {
	if err := os.WriteFile(b.refcountPath(hash), []byte(fmt.Sprintf("%d", n)), 0o644); err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "write refcount")
	}
	return nil
}

func (b *Backend) bumpRefCount(hash string, delta int64) error {
	current, err := b.readRefCount(hash)
	if err != nil {
		return err
	}
	return b.writeRefCount(hash, current+delta)
}
