package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/services/artifacts"
	"scripthost/services/store"
	"scripthost/services/store/storetest"
)

func newArtifact(tenant int64, name string) *store.Artifact {
	return &store.Artifact{
		TenantID:   tenant,
		Username:   "alice",
		StoredName: "1700000000_" + name,
		OrigName:   name,
		Path:       "/data/uploads/" + name,
		Kind:       artifacts.InferKind(name),
	}
}

func TestTouchTenantKeepsJoinDate(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	first, err := s.TouchTenant(ctx, 42, "alice")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	second, err := s.TouchTenant(ctx, 42, "alice_renamed")
	require.NoError(t, err)
	assert.Equal(t, "alice_renamed", second.Username)
	assert.WithinDuration(t, first.JoinedAt, second.JoinedAt, time.Millisecond)
	assert.True(t, second.LastSeen.After(first.LastSeen) || second.LastSeen.Equal(first.LastSeen))
}

func TestArtifactLifecycle(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	a := newArtifact(7, "bot.py")
	require.NoError(t, s.CreateArtifact(ctx, a))
	require.NotZero(t, a.ID)
	assert.Equal(t, store.StatusStopped, a.Status)

	b := newArtifact(7, "site.zip")
	require.NoError(t, s.CreateArtifact(ctx, b))
	require.NoError(t, s.CreateArtifact(ctx, newArtifact(8, "other.js")))

	n, err := s.CountArtifacts(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	list, err := s.ListArtifacts(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "newest first")

	pid := 4242
	require.NoError(t, s.SetArtifactState(ctx, a.ID, store.StatusRunning, &pid))
	got, err := s.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, pid, *got.PID)

	running, err := s.RunningArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Tenants: 2, Artifacts: 3, Running: 1}, stats)

	require.NoError(t, s.SetArtifactState(ctx, a.ID, store.StatusStopped, nil))
	got, err = s.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PID)
}

func TestGetArtifactNotFound(t *testing.T) {
	s := storetest.New(t)
	_, err := s.GetArtifact(context.Background(), 999)
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.SetArtifactState(context.Background(), 999, store.StatusStopped, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunsCloseExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	a := newArtifact(1, "main.py")
	require.NoError(t, s.CreateArtifact(ctx, a))

	older := &store.Run{ArtifactID: a.ID, PID: 10, LogPath: "/logs/a.log", StartedAt: time.Now().Add(-time.Minute)}
	require.NoError(t, s.CreateRun(ctx, older))
	require.NoError(t, s.CloseRun(ctx, older.ID, 0, time.Now()))

	latest := &store.Run{ArtifactID: a.ID, PID: 11, LogPath: "/logs/b.log", Meta: map[string]any{"entry": "main.py"}}
	require.NoError(t, s.CreateRun(ctx, latest))

	open, err := s.OpenRuns(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, latest.ID, open[0].ID)

	got, err := s.LatestRun(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)
	assert.True(t, got.Open())
	assert.Equal(t, "main.py", got.Meta["entry"])

	require.NoError(t, s.CloseRun(ctx, latest.ID, 137, time.Now()))
	require.ErrorIs(t, s.CloseRun(ctx, latest.ID, 0, time.Now()), store.ErrRunNotOpen)

	got, err = s.GetRun(ctx, latest.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 137, *got.ExitCode)
	assert.False(t, got.Open())

	require.NoError(t, s.SetRunArchive(ctx, latest.ID, "logs/1/1/2.log"))
	runs, err := s.ListRuns(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.NotNil(t, runs[0].ArchiveKey)
	assert.Equal(t, "logs/1/1/2.log", *runs[0].ArchiveKey)
}

func TestDeleteArtifactCascadesRuns(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)

	a := newArtifact(1, "main.py")
	require.NoError(t, s.CreateArtifact(ctx, a))
	run := &store.Run{ArtifactID: a.ID, PID: 1, LogPath: "/logs/x.log"}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.DeleteArtifact(ctx, a.ID))

	_, err := s.GetArtifact(ctx, a.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRun(ctx, run.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.DeleteArtifact(ctx, a.ID), store.ErrNotFound)
}
