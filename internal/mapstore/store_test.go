package mapstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damwatch/server/internal/raster"
)

var epoch = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "maps.db"), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func floodMap(id, project, scenario, name string) *FloodMap {
	return &FloodMap{
		ID:         id,
		ProjectID:  project,
		Scenario:   scenario,
		FileName:   name,
		FileURL:    "media/" + project + "/" + scenario + "/" + name + ".tif",
		Min:        Round2(0.123),
		Max:        Round2(9.1),
		LegendUnit: "m",
	}
}

func TestFloodMapLifecycle(t *testing.T) {
	s, clock := newStore(t)

	m := floodMap("a", "p1", "pmf", "Depth")
	require.NoError(t, s.CreateFloodMap(m))
	assert.True(t, m.CreatedAt.Equal(epoch))

	got, err := s.GetFloodMap("p1", "a")
	require.NoError(t, err)
	assert.Equal(t, "Depth", got.FileName)
	assert.Equal(t, Fixed2(0.12), got.Min)
	assert.Equal(t, Fixed2(9.1), got.Max)
	assert.True(t, got.CreatedAt.Equal(epoch))

	clock.Advance(time.Minute)
	require.NoError(t, s.CreateFloodMap(floodMap("b", "p1", "sunny-day", "Depth")))
	require.NoError(t, s.CreateFloodMap(floodMap("c", "p2", "pmf", "Depth")))

	all, err := s.ListFloodMaps("p1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)

	pmf, err := s.ListFloodMaps("p1", "pmf")
	require.NoError(t, err)
	require.Len(t, pmf, 1)

	found, err := s.FindFloodMap("p1", "pmf", "DEPTH")
	require.NoError(t, err)
	assert.Equal(t, "a", found.ID)

	require.NoError(t, s.DeleteFloodMap("p1", "a"))
	_, err = s.GetFloodMap("p1", "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteFloodMap("p1", "a"), ErrNotFound)

	none, err := s.ListFloodMaps("nobody", "")
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestFloodMapDuplicateIgnoresCase(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.CreateFloodMap(floodMap("a", "p1", "pmf", "Depth")))
	err := s.CreateFloodMap(floodMap("b", "p1", "pmf", "depth"))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Same name in another scenario is fine.
	require.NoError(t, s.CreateFloodMap(floodMap("c", "p1", "other", "depth")))
}

func TestFloodMapProjectScoping(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.CreateFloodMap(floodMap("a", "p1", "pmf", "Depth")))

	_, err := s.GetFloodMap("p2", "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteFloodMap("p2", "a"), ErrNotFound)
}

func TestFloodMapJSON(t *testing.T) {
	m := floodMap("a", "p1", "pmf", "Depth")
	m.Min = Round2(1)
	m.Max = Round2(2.375)
	m.CreatedAt = epoch

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"min":1.00`)
	assert.Contains(t, string(data), `"max":2.38`)

	var back FloodMap
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Fixed2(1), back.Min)
	assert.Equal(t, Fixed2(2.38), back.Max)
}

func TestRound2(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{9.1, "9.10"},
		{0.004, "0.00"},
		{-1.005, "-1.00"},
		{0.125, "0.13"},
		{-0.125, "-0.13"},
		{-0.5, "-0.50"},
		{12345.6789, "12345.68"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Round2(tt.in).String(), "Round2(%v)", tt.in)
	}

	var f Fixed2
	require.NoError(t, json.Unmarshal([]byte(`"3.5"`), &f))
	assert.Equal(t, Fixed2(3.5), f)
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &f))
}

func TestRenderJobLifecycle(t *testing.T) {
	s, clock := newStore(t)

	job := &RenderJob{ID: "j1", ProjectID: "p1", Scenario: "pmf", FileName: "depth.tif", Colors: []string{"#FF0000", "#0000FF"}, Ramp: "viridis"}
	require.NoError(t, s.CreateJob(job))
	assert.Equal(t, JobStatusQueued, job.Status)

	queued, err := s.ListQueuedJobs()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, []string{"#FF0000", "#0000FF"}, queued[0].Colors)
	assert.Equal(t, "viridis", queued[0].Ramp)

	clock.Advance(time.Second)
	started, err := s.UpdateJobStarted("j1")
	require.NoError(t, err)
	assert.True(t, started)
	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(epoch.Add(time.Second)))
	assert.Nil(t, got.FinishedAt)

	bounds := raster.BBox{West: 10, South: 20, East: 11, North: 21}.LatLng()
	require.NoError(t, s.CompleteJob("j1", "media/p1/pmf/depth.png", bounds))
	got, err = s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, "media/p1/pmf/depth.png", got.PNGURL)
	require.NotNil(t, got.Bounds)
	assert.Equal(t, bounds, *got.Bounds)
	require.NotNil(t, got.FinishedAt)

	require.NoError(t, s.DeleteJob("j1"))
	_, err = s.GetJob("j1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenderJobRecovery(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.CreateJob(&RenderJob{ID: "running", Colors: []string{"#000000"}}))
	started, err := s.UpdateJobStarted("running")
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, s.CreateJob(&RenderJob{ID: "queued", Colors: []string{"#000000"}}))

	require.NoError(t, s.MarkRunningAsFailed("server restarted"))

	got, err := s.GetJob("running")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "server restarted", got.Error)

	queued, err := s.ListQueuedJobs()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "queued", queued[0].ID)
}

func TestUpdateJobStartedOnlyFromQueued(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.CreateJob(&RenderJob{ID: "j1", Colors: []string{"#000000"}}))
	require.NoError(t, s.UpdateJobStatus("j1", JobStatusCancelled, ""))

	started, err := s.UpdateJobStarted("j1")
	require.NoError(t, err)
	assert.False(t, started)

	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)

	require.NoError(t, s.CreateJob(&RenderJob{ID: "j2", Colors: []string{"#000000"}}))
	started, err = s.UpdateJobStarted("j2")
	require.NoError(t, err)
	assert.True(t, started)
	started, err = s.UpdateJobStarted("j2")
	require.NoError(t, err)
	assert.False(t, started, "a running job cannot be started twice")

	started, err = s.UpdateJobStarted("missing")
	require.NoError(t, err)
	assert.False(t, started)
}

func TestMigrateAddsRampColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maps.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`ALTER TABLE render_jobs DROP COLUMN ramp`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateJob(&RenderJob{ID: "j1", Colors: []string{"#000000"}, Ramp: "hazard"}))
	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "hazard", got.Ramp)
}

func TestDeleteExpiredJobs(t *testing.T) {
	s, clock := newStore(t)

	require.NoError(t, s.CreateJob(&RenderJob{ID: "old", Colors: []string{"#000000"}}))
	require.NoError(t, s.UpdateJobStatus("old", JobStatusFailed, "boom"))
	clock.Advance(48 * time.Hour)
	require.NoError(t, s.CreateJob(&RenderJob{ID: "fresh", Colors: []string{"#000000"}}))
	require.NoError(t, s.UpdateJobStatus("fresh", JobStatusCancelled, ""))
	require.NoError(t, s.CreateJob(&RenderJob{ID: "pending", Colors: []string{"#000000"}}))

	n, err := s.DeleteExpiredJobs(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetJob("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob("fresh")
	assert.NoError(t, err)
	_, err = s.GetJob("pending")
	assert.NoError(t, err)
}

func TestInMemoryStore(t *testing.T) {
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateFloodMap(floodMap("a", "p", "s", "n")))
	_, err = s.GetFloodMap("p", "a")
	assert.NoError(t, err)
}

func TestCancelQueuedJob(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.CreateJob(&RenderJob{ID: "queued", Colors: []string{"#000000"}}))
	require.NoError(t, s.CreateJob(&RenderJob{ID: "running", Colors: []string{"#000000"}}))
	_, err := s.UpdateJobStarted("running")
	require.NoError(t, err)

	ok, err := s.CancelQueuedJob("queued", "cancelled before start")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetJob("queued")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.NotNil(t, got.FinishedAt)

	ok, err = s.CancelQueuedJob("running", "cancelled before start")
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = s.GetJob("running")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status)
}
