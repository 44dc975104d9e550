// Package backend defines the durable-storage contract (C1) for opaque
// content blobs plus the primitive directory markers some backends carry,
// and the caching decorator every concrete backend can be wrapped in.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Backend stores immutable content blobs keyed by cryptographic digest.
// Every method is synchronous and suspends only on I/O; transient failures
// must be reported as a *nexuserrors.Error with Kind Unavailable so callers
// know to retry.
type Backend interface {
	// WriteContent is idempotent: writing identical bytes twice returns the
	// same hash and increments RefCount each time.
	WriteContent(ctx context.Context, data []byte) (hash string, err error)
	ReadContent(ctx context.Context, hash string) ([]byte, error)
	DeleteContent(ctx context.Context, hash string) error
	ContentExists(ctx context.Context, hash string) (bool, error)
	GetContentSize(ctx context.Context, hash string) (int64, error)
	GetRefCount(ctx context.Context, hash string) (int64, error)
	BatchReadContent(ctx context.Context, hashes []string) (map[string][]byte, error)

	Mkdir(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	IsDirectory(ctx context.Context, path string) (bool, error)
	ListDir(ctx context.Context, path string) ([]string, error)
}

// Hash computes the content-addressing digest the spec requires
// (collision-resistant cryptographic hash): SHA-256, hex-encoded.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Locator splits a content hash into the two-level hex-prefix directory
// scheme from spec.md §6: <root>/<first-2-hex>/<next-2-hex>/<full-hash>.
func Locator(hash string) (dir1, dir2, rest string) {
	if len(hash) < 4 {
		return hash, "", hash
	}
	return hash[0:2], hash[2:4], hash
}
