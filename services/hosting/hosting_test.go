package hosting_test

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/services/admission"
	"scripthost/services/artifacts"
	"scripthost/services/hosting"
	"scripthost/services/store"
	"scripthost/services/store/storetest"
	"scripthost/services/supervisor"
)

type env struct {
	svc   *hosting.Service
	sup   *supervisor.Supervisor
	store *store.Store
	root  string
	now   time.Time
}

func newEnv(t *testing.T, maxFiles int, opts ...hosting.Option) *env {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	st := storetest.New(t)
	sup, err := supervisor.New(supervisor.Config{
		LogsDir:      filepath.Join(root, "logs"),
		Thresholds:   admission.DefaultThresholds(),
		Interpreters: supervisor.Interpreters{artifacts.KindPython: {"sh"}, artifacts.KindJavaScript: {"sh"}},
		StopGrace:    2 * time.Second,
	}, st, supervisor.WithSampler(admission.SamplerFunc(func(context.Context) (admission.Sample, error) {
		return admission.Sample{CPUPercent: 12.5, MemoryPercent: 40}, nil
	})))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	e := &env{sup: sup, store: st, root: root, now: time.Unix(1_700_000_000, 0)}
	opts = append([]hosting.Option{hosting.WithClock(func() time.Time { return e.now })}, opts...)
	svc, err := hosting.New(hosting.Config{
		UploadsDir:        filepath.Join(root, "uploads"),
		TempDir:           filepath.Join(root, "temp"),
		MaxFilesPerTenant: maxFiles,
		ArchiveBucket:     "logs",
	}, st, sup, opts...)
	require.NoError(t, err)
	e.svc = svc
	return e
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (e *env) upload(t *testing.T, tenant int64, name string, body []byte) (hosting.UploadResult, error) {
	t.Helper()
	return e.svc.Upload(context.Background(), hosting.UploadRequest{
		TenantID: tenant,
		Username: "alice",
		Name:     name,
		Body:     bytes.NewReader(body),
	})
}

func (e *env) waitStopped(t *testing.T, id int64) {
	t.Helper()
	require.Eventually(t, func() bool { return !e.sup.IsRunning(id) }, 10*time.Second, 20*time.Millisecond)
}

func TestUploadSingleFileAutoStarts(t *testing.T) {
	e := newEnv(t, 3)
	res, err := e.upload(t, 7, "bot.py", []byte("echo hello\n"))
	require.NoError(t, err)

	assert.True(t, res.AutoStarted)
	require.NotNil(t, res.Start)
	assert.Empty(t, res.StartError)
	assert.Equal(t, "1700000000_bot.py", res.Artifact.StoredName)
	assert.Equal(t, filepath.Join(e.root, "uploads", "7", "1700000000_bot.py"), res.Artifact.Path)
	assert.Equal(t, artifacts.KindPython, res.Artifact.Kind)

	e.waitStopped(t, res.Artifact.ID)
	logs, err := e.svc.Logs(context.Background(), 7, res.Artifact.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", logs)
}

func TestUploadSameNameTwiceInOneSecond(t *testing.T) {
	e := newEnv(t, 3)
	first, err := e.upload(t, 7, "notes.txt", []byte("a"))
	require.NoError(t, err)
	second, err := e.upload(t, 7, "notes.txt", []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Artifact.Path, second.Artifact.Path)
	assert.False(t, first.AutoStarted, "unknown kinds are stored, not run")
}

func TestUploadQuota(t *testing.T) {
	e := newEnv(t, 1)
	_, err := e.upload(t, 7, "a.txt", []byte("a"))
	require.NoError(t, err)

	_, err = e.upload(t, 7, "b.txt", []byte("b"))
	require.ErrorIs(t, err, hosting.ErrQuotaExceeded)
	var quota *hosting.QuotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 1, quota.Max)

	_, err = e.upload(t, 8, "b.txt", []byte("b"))
	require.NoError(t, err, "quota is per tenant")
}

func TestUploadArchiveIsNotStarted(t *testing.T) {
	e := newEnv(t, 3)
	body := zipBytes(t, map[string]string{
		"project/README.md": "docs",
		"project/bot.py":    "echo from archive\n",
	})

	res, err := e.upload(t, 7, "project.zip", body)
	require.NoError(t, err)

	assert.False(t, res.AutoStarted)
	assert.Nil(t, res.Start)
	assert.Equal(t, artifacts.KindPython, res.Artifact.Kind)
	assert.Equal(t, "bot.py", res.Artifact.MainFile)
	assert.Equal(t, filepath.Join(e.root, "temp", "extracted_7_1700000000"), res.Artifact.Path)
	assert.False(t, e.sup.IsRunning(res.Artifact.ID))

	_, err = e.svc.Start(context.Background(), 7, res.Artifact.ID)
	require.NoError(t, err)
	e.waitStopped(t, res.Artifact.ID)
	logs, err := e.svc.Logs(context.Background(), 7, res.Artifact.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "from archive\n", logs)
}

func TestUploadArchiveFailuresCleanUp(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		body   func(t *testing.T) []byte
		assert func(t *testing.T, err error)
	}{
		{
			name: "no entry point",
			file: "docs.zip",
			body: func(t *testing.T) []byte { return zipBytes(t, map[string]string{"README.md": "x"}) },
			assert: func(t *testing.T, err error) {
				require.ErrorIs(t, err, artifacts.ErrEntryPointNotFound)
			},
		},
		{
			name: "corrupt archive",
			file: "broken.zip",
			body: func(*testing.T) []byte { return []byte("not a zip") },
			assert: func(t *testing.T, err error) {
				var extractErr *artifacts.ExtractionError
				require.ErrorAs(t, err, &extractErr)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 3)
			_, err := e.upload(t, 7, tt.file, tt.body(t))
			tt.assert(t, err)

			uploads, _ := os.ReadDir(filepath.Join(e.root, "uploads", "7"))
			assert.Empty(t, uploads)
			temp, _ := os.ReadDir(filepath.Join(e.root, "temp"))
			assert.Empty(t, temp)

			n, err := e.store.CountArtifacts(context.Background(), 7)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestUploadRejectsEmptyName(t *testing.T) {
	e := newEnv(t, 3)
	_, err := e.upload(t, 7, "  ", []byte("x"))
	require.ErrorIs(t, err, hosting.ErrInvalidName)
}

func TestOwnershipIsEnforced(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	res, err := e.upload(t, 7, "notes.txt", []byte("x"))
	require.NoError(t, err)
	id := res.Artifact.ID

	_, err = e.svc.Get(ctx, 8, id)
	require.ErrorIs(t, err, hosting.ErrAccessDenied)
	_, err = e.svc.Start(ctx, 8, id)
	require.ErrorIs(t, err, hosting.ErrAccessDenied)
	_, err = e.svc.Stop(ctx, 8, id)
	require.ErrorIs(t, err, hosting.ErrAccessDenied)
	require.ErrorIs(t, e.svc.Delete(ctx, 8, id), hosting.ErrAccessDenied)
	_, err = e.svc.Logs(ctx, 8, id, 10)
	require.ErrorIs(t, err, hosting.ErrAccessDenied)

	_, err = e.svc.Get(ctx, 7, 9999)
	require.ErrorIs(t, err, store.ErrNotFound)

	view, err := e.svc.Get(ctx, 7, id)
	require.NoError(t, err)
	assert.False(t, view.Running)
}

func TestListNewestFirst(t *testing.T) {
	e := newEnv(t, 3)
	_, err := e.upload(t, 7, "a.txt", []byte("a"))
	require.NoError(t, err)
	e.now = e.now.Add(time.Second)
	second, err := e.upload(t, 7, "b.txt", []byte("b"))
	require.NoError(t, err)

	list, err := e.svc.List(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.Artifact.ID, list[0].ID)
}

func TestDeleteRemovesFilesLogsAndRecords(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	res, err := e.upload(t, 7, "bot.py", []byte("echo hi\nsleep 30\n"))
	require.NoError(t, err)
	require.True(t, e.sup.IsRunning(res.Artifact.ID))
	logPath := res.Start.LogPath

	require.NoError(t, e.svc.Delete(ctx, 7, res.Artifact.ID))

	assert.False(t, e.sup.IsRunning(res.Artifact.ID))
	assert.NoFileExists(t, res.Artifact.Path)
	assert.NoFileExists(t, logPath)
	_, err = e.store.GetArtifact(ctx, res.Artifact.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.store.GetRun(ctx, res.Start.RunID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteArchiveRemovesUploadAndExtraction(t *testing.T) {
	e := newEnv(t, 3)
	res, err := e.upload(t, 7, "site.zip", zipBytes(t, map[string]string{"main.py": "exit 0\n"}))
	require.NoError(t, err)

	require.NoError(t, e.svc.Delete(context.Background(), 7, res.Artifact.ID))
	assert.NoDirExists(t, res.Artifact.Path)
	assert.NoFileExists(t, res.Artifact.UploadPath)
}

func TestLogsAreTruncated(t *testing.T) {
	e := newEnv(t, 3)
	script := "i=0\nwhile [ $i -lt 300 ]; do echo \"line-$i-padding-padding-padding\"; i=$((i+1)); done\n"
	res, err := e.upload(t, 7, "bot.py", []byte(script))
	require.NoError(t, err)
	e.waitStopped(t, res.Artifact.ID)

	logs, err := e.svc.Logs(context.Background(), 7, res.Artifact.ID, 300)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(logs, "... (truncated) ...\n"))
	assert.Len(t, logs, hosting.MaxLogChars+len("... (truncated) ...\n"))
	assert.True(t, strings.HasSuffix(logs, "line-299-padding-padding-padding\n"))
}

type fakePresigner struct {
	bucket, key string
	ttl         time.Duration
}

func (f *fakePresigner) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	f.bucket, f.key, f.ttl = bucket, key, ttl
	return "https://s3.example/" + bucket + "/" + key, nil
}

func TestRunArchiveURL(t *testing.T) {
	presigner := &fakePresigner{}
	e := newEnv(t, 3, hosting.WithPresigner(presigner))
	ctx := context.Background()
	res, err := e.upload(t, 7, "bot.py", []byte("exit 0\n"))
	require.NoError(t, err)
	e.waitStopped(t, res.Artifact.ID)
	runID := res.Start.RunID

	_, err = e.svc.RunArchiveURL(ctx, 7, res.Artifact.ID, runID)
	require.ErrorIs(t, err, hosting.ErrArchiveUnavailable)

	require.NoError(t, e.store.SetRunArchive(ctx, runID, "logs/7/1/1.log"))
	url, err := e.svc.RunArchiveURL(ctx, 7, res.Artifact.ID, runID)
	require.NoError(t, err)
	assert.Equal(t, "https://s3.example/logs/logs/7/1/1.log", url)
	assert.Equal(t, hosting.DefaultArchiveURLTTL, presigner.ttl)

	runs, err := e.svc.Runs(ctx, 7, res.Artifact.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = e.svc.RunArchiveURL(ctx, 7, res.Artifact.ID, runID+100)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSystemViews(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	_, err := e.upload(t, 7, "bot.py", []byte("sleep 30\n"))
	require.NoError(t, err)
	_, err = e.upload(t, 8, "notes.txt", []byte("x"))
	require.NoError(t, err)

	e.now = e.now.Add(26*time.Hour + 5*time.Minute)
	status := e.svc.SystemStatus(ctx)
	assert.Equal(t, hosting.SystemStatus{CPUPercent: 12.5, MemoryPercent: 40, LiveJobs: 1, MaxJobs: 10, Uptime: "1d 2h 5m"}, status)

	stats, err := e.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Tenants: 2, Artifacts: 2, Running: 1}, stats.Stats)
	assert.InDelta(t, 12.5, stats.CPUPercent, 0)

	view, err := e.svc.Touch(ctx, 7, "alice2")
	require.NoError(t, err)
	assert.Equal(t, "alice2", view.Username)
	assert.EqualValues(t, 1, view.Files)
	assert.Equal(t, 3, view.MaxFiles)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0d 0h 0m"},
		{59 * time.Second, "0d 0h 0m"},
		{90 * time.Minute, "0d 1h 30m"},
		{49*time.Hour + 2*time.Minute, "2d 1h 2m"},
		{-time.Minute, "0d 0h 0m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hosting.FormatUptime(tt.in), tt.in.String())
	}
}
