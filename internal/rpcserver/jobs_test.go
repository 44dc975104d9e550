package rpcserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobManagerStartAndGet(t *testing.T) {
	m := newJobManager(10)
	m.Start("job-1", "sync_mount")

	job, ok := m.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, jobRunning, job.Status)
	assert.Equal(t, "sync_mount", job.Operation)
}

func TestJobManagerSubscribeReceivesCompletion(t *testing.T) {
	m := newJobManager(10)
	m.Start("job-1", "sync_mount")

	updates, unsubscribe, err := m.subscribe("job-1")
	require.NoError(t, err)
	defer unsubscribe()

	initial := <-updates
	assert.Equal(t, jobRunning, initial.Status)

	m.Complete("job-1", nil)

	select {
	case final := <-updates:
		assert.Equal(t, jobCompleted, final.Status)
		assert.Empty(t, final.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion update")
	}
}

func TestJobManagerCompleteWithErrorMarksFailed(t *testing.T) {
	m := newJobManager(10)
	m.Start("job-1", "sync_mount")
	m.Complete("job-1", assertError("backend unreachable"))

	job, ok := m.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, jobFailed, job.Status)
	assert.Equal(t, "backend unreachable", job.Error)
}

func TestJobManagerSubscribeUnknownJobFails(t *testing.T) {
	m := newJobManager(10)
	_, _, err := m.subscribe("does-not-exist")
	assert.Error(t, err)
}

func TestJobManagerEvictsOldestAtCapacity(t *testing.T) {
	m := newJobManager(2)
	m.Start("job-1", "a")
	time.Sleep(time.Millisecond)
	m.Start("job-2", "b")
	time.Sleep(time.Millisecond)
	m.Start("job-3", "c")

	_, ok := m.Get("job-1")
	assert.False(t, ok, "oldest job should have been evicted")
	_, ok = m.Get("job-3")
	assert.True(t, ok)
}
