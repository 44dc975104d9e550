// Package fs implements the path-addressed file API (C5): read, write,
// mkdir, delete, list, glob, grep. Every mutation ties into the ReBAC
// engine (C4) for authorization and into hierarchy-tuple maintenance so
// parent_owner/parent_editor/parent_viewer rewrites keep resolving.
package fs

import (
	"bufio"
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/nexi-lab/nexus/internal/audit"
	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
	"github.com/nexi-lab/nexus/internal/router"
)

// Checker is the subset of rebac.Engine the filesystem core calls through
// for every permission decision — the same instance the RPC surface's
// diagnostic rebac_check uses, never a second evaluator.
type Checker interface {
	Check(ctx context.Context, tenantID string, subject model.Subject, permission string, object model.Entity) (bool, error)
	CheckBulk(ctx context.Context, tenantID string, subject model.Subject, permission string, objects []model.Entity) (map[model.Entity]bool, error)
	EnsureParentTupleTx(ctx context.Context, tx metadatastore.Tx, tenantID string, child, parent model.Entity) error
	InvalidateTenant(tenantID string)
	DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error
}

// AuditQueue is the subset of internal/audit's Queue that Core needs to
// enqueue background work: an audit row per mutation, and a GC retry when
// an inline blob delete fails. A nil AuditQueue disables both — Core
// stays fully functional without one, same as before this existed.
type AuditQueue interface {
	Enqueue(job audit.Job) bool
}

// Core is the CAS/filesystem engine. It routes every path through the
// mount table before touching a concrete Backend/Store pair.
type Core struct {
	router  *router.Router
	engine  Checker
	enforce bool // permissions.enforce; false only in explicitly configured dev mode
	audit   AuditQueue
}

// New constructs a Core over r, authorizing through engine. enforce
// mirrors spec.md §6's permissions.enforce config key.
func New(r *router.Router, engine Checker, enforce bool) *Core {
	return &Core{router: r, engine: engine, enforce: enforce}
}

// SetAuditQueue wires q as the destination for this Core's background
// audit rows and GC retries. Called once during startup wiring; callers
// that never call it get a Core that simply skips both, same as before
// AuditQueue existed.
func (c *Core) SetAuditQueue(q AuditQueue) {
	c.audit = q
}

func (c *Core) enqueueAudit(opCtx model.OperationContext, action, object string) {
	if c.audit == nil {
		return
	}
	c.audit.Enqueue(audit.AuditEvent(opCtx.TenantID, opCtx.Subject.Entity().String(), action, object, map[string]string{"trace_id": opCtx.TraceID}))
}

func (c *Core) enqueueGC(tenantID, contentHash string) {
	if c.audit == nil {
		return
	}
	c.audit.Enqueue(audit.GCEvent(tenantID, contentHash))
}

func canonicalize(p string) (string, error) {
	if p == "" {
		return "", nexuserrors.ErrInvalidPath
	}
	if rel := path.Clean(strings.TrimLeft(p, "/")); rel == ".." || strings.HasPrefix(rel, "../") {
		return "", nexuserrors.ErrInvalidPath
	}
	clean := path.Clean("/" + p)
	if strings.Contains(clean, "..") {
		return "", nexuserrors.ErrInvalidPath
	}
	return clean, nil
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return "/"
	}
	return dir
}

func fileEntity(path string) model.Entity { return model.Entity{Type: "file", ID: path} }

func (c *Core) authorize(ctx context.Context, opCtx model.OperationContext, permission string, object model.Entity) error {
	if !c.enforce {
		return nil
	}
	// Core has no admin_bypass handling, and no caller applies
	// permissions.admin_bypass before reaching it: when enforce is true,
	// every call is checked, admin identities included.
	ok, err := c.engine.Check(ctx, opCtx.TenantID, model.Subject{Entity: ptrEntity(opCtx.Subject.Entity())}, permission, object)
	if err != nil {
		return err
	}
	if !ok {
		return nexuserrors.Denied(opCtx.Subject.Entity().String(), permission, object.String())
	}
	return nil
}

func ptrEntity(e model.Entity) *model.Entity { return &e }

// Read returns the content bytes and metadata for path.
func (c *Core) Read(ctx context.Context, opCtx model.OperationContext, rawPath string) ([]byte, model.FileRecord, error) {
	p, err := canonicalize(rawPath)
	if err != nil {
		return nil, model.FileRecord{}, err
	}
	if err := c.authorize(ctx, opCtx, "read", fileEntity(p)); err != nil {
		return nil, model.FileRecord{}, err
	}
	mount, remainder, err := c.router.Resolve(p)
	if err != nil {
		return nil, model.FileRecord{}, err
	}
	rec, err := mount.Store.GetFile(ctx, opCtx.TenantID, remainder)
	if err != nil {
		return nil, model.FileRecord{}, err
	}
	if rec.IsDirectory || rec.ContentHash == nil {
		return nil, rec, nexuserrors.New(nexuserrors.InvalidArgument, "path is a directory")
	}
	data, err := mount.Backend.ReadContent(ctx, *rec.ContentHash)
	if err != nil {
		return nil, model.FileRecord{}, err
	}
	return data, rec, nil
}

// Stat returns path's metadata row without reading its content, for
// callers (file_info) that only need size/etag/owner, not the bytes.
func (c *Core) Stat(ctx context.Context, opCtx model.OperationContext, rawPath string) (model.FileRecord, error) {
	p, err := canonicalize(rawPath)
	if err != nil {
		return model.FileRecord{}, err
	}
	if err := c.authorize(ctx, opCtx, "read", fileEntity(p)); err != nil {
		return model.FileRecord{}, err
	}
	mount, remainder, err := c.router.Resolve(p)
	if err != nil {
		return model.FileRecord{}, err
	}
	return mount.Store.GetFile(ctx, opCtx.TenantID, remainder)
}

// Write creates or overwrites path with data, deduplicating content by
// hash. New files authorize against the parent directory's write
// permission; overwrites authorize against the file itself.
func (c *Core) Write(ctx context.Context, opCtx model.OperationContext, rawPath string, data []byte, owner model.Entity) (model.FileRecord, error) {
	p, err := canonicalize(rawPath)
	if err != nil {
		return model.FileRecord{}, err
	}
	mount, remainder, err := c.router.Resolve(p)
	if err != nil {
		return model.FileRecord{}, err
	}
	if mount.ReadOnly {
		return model.FileRecord{}, nexuserrors.New(nexuserrors.FailedPrecondition, "mount is read-only")
	}

	existing, getErr := mount.Store.GetFile(ctx, opCtx.TenantID, remainder)
	isNew := nexuserrors.Is(getErr, nexuserrors.NotFound) || nexuserrors.Is(getErr, nexuserrors.InvalidArgument)
	if isNew {
		if err := c.authorize(ctx, opCtx, "write", fileEntity(parentOf(p))); err != nil {
			return model.FileRecord{}, err
		}
	} else if getErr != nil {
		return model.FileRecord{}, getErr
	} else {
		if err := c.authorize(ctx, opCtx, "write", fileEntity(p)); err != nil {
			return model.FileRecord{}, err
		}
	}

	hash, err := mount.Backend.WriteContent(ctx, data)
	if err != nil {
		return model.FileRecord{}, err
	}

	now := time.Now()
	rec := model.FileRecord{
		Path:      remainder,
		TenantID:  opCtx.TenantID,
		Size:      int64(len(data)),
		ETag:      hash,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.ContentHash = &hash

	// The parent tuple is created inside the same transaction as the file
	// row so a hierarchy-dependent check can never observe the file before
	// its "parent" tuple — the ordering fix for the race spec.md §4.5 and
	// §9 call out: writing content, then the row, then the tuple as three
	// separate commits left a window where a parent_viewer check against a
	// freshly created file would see no parent tuple yet.
	err = mount.Store.WithTx(ctx, func(tx metadatastore.Tx) error {
		if !isNew {
			rec.CreatedAt = existing.CreatedAt
		}
		if err := tx.PutFile(ctx, rec); err != nil {
			return err
		}
		if _, err := tx.IncrRefCount(ctx, opCtx.TenantID, hash, hash, rec.Size); err != nil {
			return err
		}
		if !isNew && existing.ContentHash != nil {
			if _, err := tx.DecrRefCount(ctx, opCtx.TenantID, *existing.ContentHash); err != nil {
				return err
			}
		}
		if isNew {
			if err := c.engine.EnsureParentTupleTx(ctx, tx, opCtx.TenantID, fileEntity(p), fileEntity(parentOf(p))); err != nil {
				return err
			}
		}
		return tx.RecordVersion(ctx, metadatastore.ContentVersion{
			TenantID:    opCtx.TenantID,
			Path:        remainder,
			ContentHash: hash,
			Size:        rec.Size,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return model.FileRecord{}, err
	}
	if isNew {
		c.engine.InvalidateTenant(opCtx.TenantID)
	}
	c.enqueueAudit(opCtx, "write", p)

	return rec, nil
}

// Mkdir creates a directory record at path. existOK suppresses the
// AlreadyExists error when a record is already present at path and
// returns that record instead.
func (c *Core) Mkdir(ctx context.Context, opCtx model.OperationContext, rawPath string, existOK bool) (model.FileRecord, error) {
	p, err := canonicalize(rawPath)
	if err != nil {
		return model.FileRecord{}, err
	}
	if err := c.authorize(ctx, opCtx, "write", fileEntity(parentOf(p))); err != nil {
		return model.FileRecord{}, err
	}
	mount, remainder, err := c.router.Resolve(p)
	if err != nil {
		return model.FileRecord{}, err
	}
	if mount.ReadOnly {
		return model.FileRecord{}, nexuserrors.New(nexuserrors.FailedPrecondition, "mount is read-only")
	}

	if _, err := mount.Store.GetFile(ctx, opCtx.TenantID, remainder); err == nil {
		if existOK {
			return mount.Store.GetFile(ctx, opCtx.TenantID, remainder)
		}
		return model.FileRecord{}, nexuserrors.New(nexuserrors.AlreadyExists, "path already exists: %s", p)
	}

	if err := mount.Backend.Mkdir(ctx, remainder); err != nil {
		return model.FileRecord{}, err
	}

	now := time.Now()
	rec := model.FileRecord{
		Path: remainder, TenantID: opCtx.TenantID, IsDirectory: true,
		Owner: opCtx.Subject.Entity(), CreatedAt: now, UpdatedAt: now,
	}
	err = mount.Store.WithTx(ctx, func(tx metadatastore.Tx) error {
		if err := tx.PutFile(ctx, rec); err != nil {
			return err
		}
		return c.engine.EnsureParentTupleTx(ctx, tx, opCtx.TenantID, fileEntity(p), fileEntity(parentOf(p)))
	})
	if err != nil {
		return model.FileRecord{}, err
	}
	c.engine.InvalidateTenant(opCtx.TenantID)
	c.enqueueAudit(opCtx, "mkdir", p)
	return rec, nil
}

// Delete removes path, decrementing the content's ref count and garbage
// collecting the backend blob once it reaches zero.
func (c *Core) Delete(ctx context.Context, opCtx model.OperationContext, rawPath string) error {
	p, err := canonicalize(rawPath)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, opCtx, "write", fileEntity(p)); err != nil {
		return err
	}
	mount, remainder, err := c.router.Resolve(p)
	if err != nil {
		return err
	}
	rec, err := mount.Store.GetFile(ctx, opCtx.TenantID, remainder)
	if err != nil {
		return err
	}

	remainingRefs := int64(-1)
	err = mount.Store.WithTx(ctx, func(tx metadatastore.Tx) error {
		if err := tx.DeleteFile(ctx, opCtx.TenantID, remainder); err != nil {
			return err
		}
		if rec.ContentHash != nil {
			n, err := tx.DecrRefCount(ctx, opCtx.TenantID, *rec.ContentHash)
			if err != nil {
				return err
			}
			remainingRefs = n
		}
		return nil
	})
	if err != nil {
		return err
	}

	if rec.ContentHash != nil && remainingRefs <= 0 {
		if delErr := mount.Backend.DeleteContent(ctx, *rec.ContentHash); delErr != nil {
			c.enqueueGC(opCtx.TenantID, *rec.ContentHash)
		}
	}

	if err := c.engine.DeleteObjectTuples(ctx, opCtx.TenantID, fileEntity(p)); err != nil {
		return err
	}
	c.enqueueAudit(opCtx, "delete", p)
	return nil
}

// Entry is one listing/glob/grep result, permission-pre-filtered.
type Entry struct {
	Path        string
	IsDirectory bool
	Size        int64
}

// List returns entries under prefix, bulk-filtered by read permission
// before return so a denied entry's existence is never revealed.
func (c *Core) List(ctx context.Context, opCtx model.OperationContext, rawPrefix string, recursive bool) ([]Entry, error) {
	p, err := canonicalize(rawPrefix)
	if err != nil {
		return nil, err
	}
	mount, remainder, err := c.router.Resolve(p)
	if err != nil {
		return nil, err
	}
	recs, err := mount.Store.ListByPrefix(ctx, opCtx.TenantID, remainder, recursive)
	if err != nil {
		return nil, err
	}
	return c.filterByRead(ctx, opCtx, mount.Prefix, recs)
}

// Glob matches pattern (path.Match syntax) against every entry under the
// pattern's static directory prefix, filtered the same way List is.
func (c *Core) Glob(ctx context.Context, opCtx model.OperationContext, pattern string) ([]Entry, error) {
	clean, err := canonicalize(pattern)
	if err != nil {
		return nil, err
	}
	staticPrefix := "/"
	if idx := strings.IndexAny(clean, "*?["); idx >= 0 {
		staticPrefix = clean[:idx]
	} else {
		staticPrefix = parentOf(clean)
	}
	if staticPrefix == "" {
		staticPrefix = "/"
	}
	mount, remainder, err := c.router.Resolve(staticPrefix)
	if err != nil {
		return nil, err
	}
	recs, err := mount.Store.ListByPrefix(ctx, opCtx.TenantID, remainder, true)
	if err != nil {
		return nil, err
	}
	var matched []model.FileRecord
	for _, rec := range recs {
		full := joinMountPath(mount.Prefix, rec.Path)
		if ok, _ := path.Match(clean, full); ok {
			matched = append(matched, rec)
		}
	}
	return c.filterByRead(ctx, opCtx, mount.Prefix, matched)
}

// Grep returns the paths among files that contain pattern, filtered by
// read permission first so a denied file's contents (or even its match
// status) are never evaluated, let alone revealed. Each permitted file is
// read whole and then scanned line by line, with a deadline check between
// lines; the read itself is not cut short by the deadline.
func (c *Core) Grep(ctx context.Context, opCtx model.OperationContext, pattern string, paths []string) ([]string, error) {
	var matches []string
	for _, raw := range paths {
		if !opCtx.Deadline.IsZero() && time.Now().After(opCtx.Deadline) {
			return matches, nexuserrors.New(nexuserrors.Timeout, "grep deadline exceeded")
		}
		p, err := canonicalize(raw)
		if err != nil {
			return nil, err
		}
		if err := c.authorize(ctx, opCtx, "read", fileEntity(p)); err != nil {
			if nexuserrors.Is(err, nexuserrors.PermissionDenied) {
				continue
			}
			return nil, err
		}
		data, _, err := c.Read(ctx, opCtx, p)
		if err != nil {
			continue
		}
		found, err := scanForMatch(ctx, opCtx.Deadline, data, pattern)
		if err != nil {
			return matches, err
		}
		if found {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

// scanForMatch streams data through a bufio.Scanner one line at a time,
// checking deadline between lines so a match (or its absence) on a large
// file doesn't have to be decided in one unbounded pass.
func scanForMatch(ctx context.Context, deadline time.Time, data []byte, pattern string) (bool, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, nexuserrors.New(nexuserrors.Timeout, "grep deadline exceeded")
		}
		if strings.Contains(scanner.Text(), pattern) {
			return true, nil
		}
	}
	return false, nil
}

// VersionDiff reports whether two recorded versions of the same path carry
// different content, per spec.md §4.5's version detail floor: diff
// metadata and report whether content hashes differ, no more.
type VersionDiff struct {
	ContentChanged bool
	SizeChanged    bool
	From           metadatastore.ContentVersion
	To             metadatastore.ContentVersion
}

// Versions lists path's recorded content versions oldest-first.
func (c *Core) Versions(ctx context.Context, opCtx model.OperationContext, rawPath string) ([]metadatastore.ContentVersion, error) {
	p, err := canonicalize(rawPath)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, opCtx, "read", fileEntity(p)); err != nil {
		return nil, err
	}
	mount, remainder, err := c.router.Resolve(p)
	if err != nil {
		return nil, err
	}
	return mount.Store.ListVersions(ctx, opCtx.TenantID, remainder)
}

// DiffVersions compares the versions of rawPath at indices a and b (as
// returned by Versions, oldest-first) and reports only whether the
// content hash or size differ — no byte-level diff is computed.
func (c *Core) DiffVersions(ctx context.Context, opCtx model.OperationContext, rawPath string, a, b int) (VersionDiff, error) {
	versions, err := c.Versions(ctx, opCtx, rawPath)
	if err != nil {
		return VersionDiff{}, err
	}
	if a < 0 || b < 0 || a >= len(versions) || b >= len(versions) {
		return VersionDiff{}, nexuserrors.New(nexuserrors.InvalidArgument, "version index out of range")
	}
	from, to := versions[a], versions[b]
	return VersionDiff{
		ContentChanged: from.ContentHash != to.ContentHash,
		SizeChanged:    from.Size != to.Size,
		From:           from,
		To:             to,
	}, nil
}

func joinMountPath(mountPrefix, relPath string) string {
	if mountPrefix == "/" {
		return "/" + relPath
	}
	return mountPrefix + "/" + relPath
}

// filterByRead applies spec.md §4.5's bulk listing-confidentiality rule:
// permission filtering runs once over the whole batch via CheckBulk, not
// per item, and a denied entry is silently dropped rather than erroring.
func (c *Core) filterByRead(ctx context.Context, opCtx model.OperationContext, mountPrefix string, recs []model.FileRecord) ([]Entry, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	objects := make([]model.Entity, len(recs))
	for i, rec := range recs {
		objects[i] = fileEntity(joinMountPath(mountPrefix, rec.Path))
	}

	var allowed map[model.Entity]bool
	if c.enforce {
		var err error
		allowed, err = c.engine.CheckBulk(ctx, opCtx.TenantID, model.Subject{Entity: ptrEntity(opCtx.Subject.Entity())}, "read", objects)
		if err != nil {
			return nil, err
		}
	}

	out := make([]Entry, 0, len(recs))
	for i, rec := range recs {
		if allowed != nil && !allowed[objects[i]] {
			continue
		}
		out = append(out, Entry{Path: objects[i].ID, IsDirectory: rec.IsDirectory, Size: rec.Size})
	}
	return out, nil
}
