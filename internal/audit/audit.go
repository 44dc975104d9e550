// Package audit implements the separate audit-log queue and the
// background ref-count GC sweep spec.md §5 calls for: neither runs on a
// request's own goroutine, so a slow audit write or a blob delete retry
// never adds latency to the operation that triggered it.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nexi-lab/nexus/internal/backend"
	"github.com/nexi-lab/nexus/internal/metadatastore"
)

// Job is one unit of background work: either an audit row to persist or a
// content blob to garbage-collect once its ref count has reached zero.
type Job struct {
	Kind Kind

	// Audit fields.
	TenantID string
	Actor    string
	Action   string
	Object   string
	Detail   map[string]string

	// GC fields.
	ContentHash string

	enqueuedAt time.Time
}

// Kind distinguishes the two job shapes a Pool here ever processes.
type Kind string

const (
	KindAudit Kind = "audit"
	KindGC    Kind = "gc"
)

// Queue is the minimal job queue contract a Pool drains, narrowed from
// worker/pool.go's Queue interface (Dequeue/Enqueue/MarkProcessing/
// CompleteJob/FailJob) to what an in-process, non-persistent queue needs:
// enqueue and a blocking-with-timeout dequeue. There is no separate
// durable queue table to mark jobs processing/complete/failed against —
// a job that errors is simply logged and dropped. A dropped audit job
// leaves no row; a dropped GC job leaves its blob in the backend, and
// nothing enqueues that job again.
type Queue interface {
	Enqueue(job Job) bool
	Dequeue(ctx context.Context, timeout time.Duration) (Job, bool)
}

// MemQueue is a bounded in-memory Queue. Enqueue is non-blocking: once the
// channel is full, the caller's own operation must not stall waiting on
// the audit log, so the job is dropped and Enqueue returns false.
type MemQueue struct {
	jobs    chan Job
	dropped chan struct{}
}

// NewMemQueue returns a queue buffering up to capacity jobs.
func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemQueue{jobs: make(chan Job, capacity), dropped: make(chan struct{}, 1)}
}

func (q *MemQueue) Enqueue(job Job) bool {
	job.enqueuedAt = time.Now()
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *MemQueue) Dequeue(ctx context.Context, timeout time.Duration) (Job, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-q.jobs:
		return job, true
	case <-timer.C:
		return Job{}, false
	case <-ctx.Done():
		return Job{}, false
	}
}

// Processor handles one dequeued Job. Grounded on worker/pool.go's
// JobProcessor, narrowed to the one Process method a Job already carries
// enough information to route by Kind — there is no separate
// GetJobID/GetTimeout indirection since jobs here are fire-and-forget.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// Pool runs a fixed number of worker goroutines draining Queue through
// Processor, matching worker/pool.go's Pool/Worker split.
type Pool struct {
	queue     Queue
	processor Processor
	workers   int
	log       *logrus.Logger
	stop      chan struct{}
}

// NewPool constructs a Pool with workers goroutines, each blocking on
// Dequeue with a 5s timeout between idle polls, matching the teacher's
// Worker.processNext cadence.
func NewPool(queue Queue, processor Processor, workers int, log *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{queue: queue, processor: processor, workers: workers, log: log, stop: make(chan struct{})}
}

// Start launches the pool's workers. It returns immediately; call Stop to
// shut them down.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.runWorker(ctx, i)
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, ok := p.queue.Dequeue(ctx, 5*time.Second)
		if !ok {
			continue
		}
		if err := p.processor.Process(ctx, job); err != nil {
			p.log.WithError(err).WithField("worker", id).WithField("kind", job.Kind).Warn("audit/gc job failed")
		}
	}
}

// AuditProcessor drains audit jobs into the metadata store's append-only
// audit_log table.
type AuditProcessor struct {
	store metadatastore.Store
}

func NewAuditProcessor(store metadatastore.Store) *AuditProcessor {
	return &AuditProcessor{store: store}
}

// RefcountGCProcessor drains GC jobs: it re-checks the content row's ref
// count (it may have been incremented again since the job was enqueued)
// and deletes the backend blob only if it is still at zero. This is the
// second-chance sweep for the case fs.Core's own inline delete — which
// already removes a blob the instant its ref count hits zero — fails
// transiently and swallows the error.
type RefcountGCProcessor struct {
	store   metadatastore.Store
	backend backend.Backend
}

func NewRefcountGCProcessor(store metadatastore.Store, be backend.Backend) *RefcountGCProcessor {
	return &RefcountGCProcessor{store: store, backend: be}
}

// dispatchProcessor dispatches a Job to the right concrete processor by Kind,
// letting a single Pool drain one Queue carrying both job shapes.
type dispatchProcessor struct {
	audit *AuditProcessor
	gc    *RefcountGCProcessor
}

// NewDispatchProcessor returns a Processor that routes KindAudit jobs to
// audit and KindGC jobs to gc, so one Pool/Queue pair can serve both
// background concerns spec.md §5 describes.
func NewDispatchProcessor(audit *AuditProcessor, gc *RefcountGCProcessor) Processor {
	return &dispatchProcessor{audit: audit, gc: gc}
}

func (p *dispatchProcessor) Process(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindAudit:
		return p.audit.Process(ctx, job)
	case KindGC:
		return p.gc.Process(ctx, job)
	default:
		return fmt.Errorf("audit: unknown job kind %q", job.Kind)
	}
}

func (p *AuditProcessor) Process(ctx context.Context, job Job) error {
	return p.store.AppendAudit(ctx, metadatastore.AuditEntry{
		TenantID:   job.TenantID,
		Actor:      job.Actor,
		Action:     job.Action,
		Object:     job.Object,
		OccurredAt: job.enqueuedAt,
		Detail:     job.Detail,
	})
}

func (p *RefcountGCProcessor) Process(ctx context.Context, job Job) error {
	row, err := p.store.GetContentRow(ctx, job.TenantID, job.ContentHash)
	if err != nil {
		// Already gone (or never existed under this tenant) — nothing to
		// collect.
		return nil
	}
	if row.RefCount > 0 {
		return nil
	}
	return p.backend.DeleteContent(ctx, job.ContentHash)
}

// AuditEvent builds an audit Job from a completed operation. actor is the
// subject's Entity string (e.g. "user:alice"), grounded on spec.md §7's
// "sanitized client message, full detail behind trace_id" rule: the audit
// row carries the unsanitized detail a trace lookup resolves to.
func AuditEvent(tenantID, actor, action, object string, detail map[string]string) Job {
	return Job{Kind: KindAudit, TenantID: tenantID, Actor: actor, Action: action, Object: object, Detail: detail}
}

// GCEvent builds a GC retry Job for a content hash whose ref count
// reached zero but whose inline blob delete failed.
func GCEvent(tenantID, contentHash string) Job {
	return Job{Kind: KindGC, TenantID: tenantID, ContentHash: contentHash}
}
