package rpcserver

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// jobStatus mirrors statemanager's Status, narrowed to the states a
// long-running admin operation (sync_mount) can reach.
type jobStatus string

const (
	jobRunning   jobStatus = "running"
	jobCompleted jobStatus = "completed"
	jobFailed    jobStatus = "failed"
)

// jobState is one tracked background operation, grounded on
// statemanager/operation.go's OperationState.
type jobState struct {
	ID          string
	Operation   string
	Status      jobStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// jobManager tracks in-process job status and fans out updates to any SSE
// subscriber, grounded on statemanager/manager.go's bounded operations map
// plus pkg/statemanager/middleware.go's per-request trace-ID tagging.
type jobManager struct {
	mu            sync.RWMutex
	operations    map[string]*jobState
	subscribers   map[string][]chan jobState
	maxOperations int
}

func newJobManager(maxOperations int) *jobManager {
	if maxOperations == 0 {
		maxOperations = 1000
	}
	return &jobManager{
		operations:    make(map[string]*jobState),
		subscribers:   make(map[string][]chan jobState),
		maxOperations: maxOperations,
	}
}

// Start records a new running job, evicting the oldest tracked job first
// if the manager is at capacity, matching evictOldest's policy.
func (m *jobManager) Start(id, operation string) *jobState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.operations) >= m.maxOperations {
		m.evictOldest()
	}
	job := &jobState{ID: id, Operation: operation, Status: jobRunning, StartedAt: time.Now()}
	m.operations[id] = job
	return job
}

// Complete marks id as completed or failed and notifies every subscriber
// with the final state before closing nothing — subscribers close their
// own channel once they observe a terminal status.
func (m *jobManager) Complete(id string, err error) {
	m.mu.Lock()
	job, exists := m.operations[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	job.CompletedAt = &now
	if err != nil {
		job.Status = jobFailed
		job.Error = err.Error()
	} else {
		job.Status = jobCompleted
	}
	snapshot := *job
	subs := m.subscribers[id]
	m.mu.Unlock()

	for _, ch := range subs {
		ch <- snapshot
	}
}

func (m *jobManager) Get(id string) (jobState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.operations[id]
	if !ok {
		return jobState{}, false
	}
	return *job, true
}

// subscribe returns a channel fed every update to id's job (including an
// immediate snapshot of its current state) and an unsubscribe func the
// caller must call when done.
func (m *jobManager) subscribe(id string) (<-chan jobState, func(), error) {
	m.mu.Lock()
	job, ok := m.operations[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("job %s not found", id)
	}
	ch := make(chan jobState, 4)
	m.subscribers[id] = append(m.subscribers[id], ch)
	snapshot := *job
	m.mu.Unlock()

	ch <- snapshot

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[id]
		for i, c := range subs {
			if c == ch {
				m.subscribers[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe, nil
}

func (m *jobManager) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, op := range m.operations {
		if oldestID == "" || op.StartedAt.Before(oldestTime) {
			oldestID, oldestTime = id, op.StartedAt
		}
	}
	if oldestID != "" {
		delete(m.operations, oldestID)
	}
}

const traceIDContextKey = "nexus_trace_id"

// traceMiddleware tags every request with a trace ID, adapted from
// pkg/statemanager/middleware.go's Middleware, which does the analogous
// job for its operation-tracking concern. The ID becomes the
// OperationContext.TraceID handlers build; async admin calls such as
// sync_mount key their job-status subscription by a separate job ID.
func (m *jobManager) traceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		traceID := uuid.NewString()
		c.Set(traceIDContextKey, traceID)
		c.Response().Header().Set("X-Nexus-Trace-Id", traceID)
		return next(c)
	}
}

func traceIDFromContext(c echo.Context) string {
	if id, ok := c.Get(traceIDContextKey).(string); ok {
		return id
	}
	return ""
}

// heartbeatInterval and inactivityTimeout bound the SSE connection per
// spec.md §4.6: heartbeats keep intermediate proxies from closing an idle
// connection, and the timeout caps how long a stream can sit open without
// a real update before the server drops it.
const (
	heartbeatInterval = 15 * time.Second
	inactivityTimeout = 5 * time.Minute
)

// handleJobStream serves Server-Sent Events for one job's status. The
// request is authenticated once by authMiddleware at connection open,
// same as any other route; there is no per-event re-authentication.
func (s *Server) handleJobStream(c echo.Context) error {
	id := c.Param("id")
	updates, unsubscribe, err := s.jobs.subscribe(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(inactivityTimeout)
	defer idle.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-idle.C:
			fmt.Fprintf(w, "event: timeout\ndata: {}\n\n")
			w.Flush()
			return nil
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			w.Flush()
		case job, ok := <-updates:
			if !ok {
				return nil
			}
			idle.Reset(inactivityTimeout)
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", jobEventJSON(job))
			w.Flush()
			if job.Status != jobRunning {
				return nil
			}
		}
	}
}

func jobEventJSON(job jobState) string {
	completed := ""
	if job.CompletedAt != nil {
		completed = job.CompletedAt.Format(time.RFC3339)
	}
	return fmt.Sprintf(
		`{"id":%q,"operation":%q,"status":%q,"started_at":%q,"completed_at":%q,"error":%q}`,
		job.ID, job.Operation, job.Status, job.StartedAt.Format(time.RFC3339), completed, job.Error,
	)
}
