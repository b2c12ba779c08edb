package api

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damwatch/server/internal/mapstore"
	"github.com/damwatch/server/internal/observability"
	"github.com/damwatch/server/internal/raster"
)

func newTestJobManager(t *testing.T, cfg JobManagerConfig) (*JobManager, *mapstore.Store) {
	t.Helper()
	store, err := mapstore.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	jm := NewJobManager(cfg, store, observability.NewMetricsForTesting())
	t.Cleanup(jm.Stop)
	return jm, store
}

func waitForStatus(t *testing.T, store *mapstore.Store, id string, want mapstore.JobStatus) *mapstore.RenderJob {
	t.Helper()
	var job *mapstore.RenderJob
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(id)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func completeWith(url string) func(context.Context, *mapstore.Store, string) error {
	return func(_ context.Context, store *mapstore.Store, id string) error {
		return store.CompleteJob(id, url, raster.BBox{West: 1, South: 2, East: 3, North: 4}.LatLng())
	}
}

func TestJobManagerRunsExecutor(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{MaxConcurrent: 2})
	jm.Executor = completeWith("media/p/s/a.png")
	jm.Start()

	job, err := jm.Submit("p", "s", "a.tif", []string{"#000000"}, "")
	require.NoError(t, err)
	assert.Equal(t, mapstore.JobStatusQueued, job.Status)

	done := waitForStatus(t, store, job.ID, mapstore.JobStatusCompleted)
	assert.Equal(t, "media/p/s/a.png", done.PNGURL)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
}

func TestJobManagerExecutorFailure(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{})
	jm.Executor = func(context.Context, *mapstore.Store, string) error {
		return errors.New("raster: decode error")
	}
	jm.Start()

	job, err := jm.Submit("p", "s", "a.tif", nil, "")
	require.NoError(t, err)

	failed := waitForStatus(t, store, job.ID, mapstore.JobStatusFailed)
	assert.Equal(t, "raster: decode error", failed.Error)
}

func TestJobManagerCancelQueued(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{})

	job, err := jm.Submit("p", "s", "a.tif", nil, "")
	require.NoError(t, err)

	assert.True(t, jm.Cancel(job.ID))
	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, mapstore.JobStatusCancelled, got.Status)

	// A cancelled job is skipped once workers start.
	var runs atomic.Int32
	jm.Executor = func(context.Context, *mapstore.Store, string) error {
		runs.Add(1)
		return nil
	}
	jm.Start()
	jm.Stop()
	assert.Zero(t, runs.Load())

	assert.False(t, jm.Cancel("missing"))
}

func TestJobManagerCancelRunning(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{})
	started := make(chan struct{})
	jm.Executor = func(ctx context.Context, _ *mapstore.Store, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	jm.Start()

	job, err := jm.Submit("p", "s", "a.tif", nil, "")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}
	assert.True(t, jm.Cancel(job.ID))
	waitForStatus(t, store, job.ID, mapstore.JobStatusCancelled)
}

func TestJobManagerQueueFull(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{QueueSize: 1})

	_, err := jm.Submit("p", "s", "a.tif", nil, "")
	require.NoError(t, err)

	job, err := jm.Submit("p", "s", "b.tif", nil, "")
	assert.ErrorIs(t, err, ErrQueueFull)
	require.NotNil(t, job)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, mapstore.JobStatusFailed, got.Status)
	assert.Equal(t, ErrQueueFull.Error(), got.Error)
}

func TestJobManagerRecoversOnStart(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{})
	require.NoError(t, store.CreateJob(&mapstore.RenderJob{ID: "was-running", ProjectID: "p", Scenario: "s", FileName: "a.tif", Status: mapstore.JobStatusRunning}))
	require.NoError(t, store.CreateJob(&mapstore.RenderJob{ID: "was-queued", ProjectID: "p", Scenario: "s", FileName: "b.tif"}))

	jm.Executor = completeWith("media/p/s/b.png")
	jm.Start()

	failed := waitForStatus(t, store, "was-running", mapstore.JobStatusFailed)
	assert.Equal(t, "server restarted", failed.Error)
	waitForStatus(t, store, "was-queued", mapstore.JobStatusCompleted)
}

func TestJobManagerSubmitAfterStop(t *testing.T) {
	jm, _ := newTestJobManager(t, JobManagerConfig{})
	jm.Start()
	jm.Stop()

	_, err := jm.Submit("p", "s", "a.tif", nil, "")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestJobManagerDelete(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{})

	job, err := jm.Submit("p", "s", "a.tif", nil, "")
	require.NoError(t, err)
	require.NoError(t, jm.Delete(job.ID))

	_, err = store.GetJob(job.ID)
	assert.ErrorIs(t, err, mapstore.ErrNotFound)
	assert.Nil(t, jm.Get(job.ID))
}

func TestJobManagerStoresRamp(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{})

	job, err := jm.Submit("p", "s", "a.tif", nil, "viridis")
	require.NoError(t, err)
	assert.Equal(t, "viridis", job.Ramp)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "viridis", got.Ramp)
}

func TestJobManagerRecoversExecutorPanic(t *testing.T) {
	jm, store := newTestJobManager(t, JobManagerConfig{MaxConcurrent: 1})
	jm.Executor = func(ctx context.Context, store *mapstore.Store, id string) error {
		job, err := store.GetJob(id)
		if err != nil {
			return err
		}
		if job.FileName == "bad.tif" {
			panic("colorize: nil grid")
		}
		return completeWith("media/p/s/ok.png")(ctx, store, id)
	}
	jm.Start()

	bad, err := jm.Submit("p", "s", "bad.tif", nil, "")
	require.NoError(t, err)
	failed := waitForStatus(t, store, bad.ID, mapstore.JobStatusFailed)
	assert.True(t, strings.HasPrefix(failed.Error, "internal error:"), failed.Error)
	assert.NotNil(t, failed.FinishedAt)

	// The single worker survives and keeps draining the queue.
	good, err := jm.Submit("p", "s", "good.tif", nil, "")
	require.NoError(t, err)
	waitForStatus(t, store, good.ID, mapstore.JobStatusCompleted)
}
