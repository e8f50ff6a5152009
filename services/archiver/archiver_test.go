package archiver_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/services/archiver"
	"scripthost/services/events"
)

type upload struct {
	bucket, key, sha string
	body             string
	size             int64
}

type fakeUploader struct {
	uploads []upload
	err     error
}

func (f *fakeUploader) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sha string) error {
	if f.err != nil {
		return f.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.uploads = append(f.uploads, upload{bucket: bucket, key: key, sha: sha, body: string(body), size: size})
	return nil
}

type fakeStore struct {
	keys map[int64]string
}

func (f *fakeStore) SetRunArchive(_ context.Context, runID int64, key string) error {
	if f.keys == nil {
		f.keys = map[int64]string{}
	}
	f.keys[runID] = key
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fakeSubscriber struct {
	subject, durable string
}

func (f *fakeSubscriber) Subscribe(_ context.Context, subj, durable string, _ func(context.Context, []byte) error) (io.Closer, error) {
	f.subject, f.durable = subj, durable
	return nopCloser{}, nil
}

func newArchiver(t *testing.T, up *fakeUploader, st *fakeStore) (*archiver.Archiver, *fakeSubscriber) {
	t.Helper()
	sub := &fakeSubscriber{}
	a, err := archiver.New(sub, up, st, "scripthost-logs", zerolog.Nop())
	require.NoError(t, err)
	return a, sub
}

func finished(t *testing.T, logPath string) []byte {
	t.Helper()
	code := 0
	data, err := json.Marshal(events.Event{
		Type: events.TypeFinished, TenantID: 7, ArtifactID: 3, RunID: 11, ExitCode: &code, LogPath: logPath,
	})
	require.NoError(t, err)
	return data
}

func TestHandleUploadsLog(t *testing.T) {
	up, st := &fakeUploader{}, &fakeStore{}
	a, _ := newArchiver(t, up, st)

	logPath := filepath.Join(t.TempDir(), "file_3_1700000000.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hello\nworld\n"), 0o644))

	require.NoError(t, a.Handle(context.Background(), finished(t, logPath)))

	sum := sha256.Sum256([]byte("hello\nworld\n"))
	require.Len(t, up.uploads, 1)
	assert.Equal(t, upload{
		bucket: "scripthost-logs",
		key:    "logs/7/3/11.log",
		sha:    hex.EncodeToString(sum[:]),
		body:   "hello\nworld\n",
		size:   12,
	}, up.uploads[0])
	assert.Equal(t, "logs/7/3/11.log", st.keys[11])
}

func TestHandleSkipsMissingLog(t *testing.T) {
	up, st := &fakeUploader{}, &fakeStore{}
	a, _ := newArchiver(t, up, st)

	require.NoError(t, a.Handle(context.Background(), finished(t, filepath.Join(t.TempDir(), "gone.log"))))
	assert.Empty(t, up.uploads)
	assert.Empty(t, st.keys)
}

func TestHandleFailuresAreRetried(t *testing.T) {
	up, st := &fakeUploader{err: errors.New("s3 down")}, &fakeStore{}
	a, _ := newArchiver(t, up, st)

	logPath := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(logPath, []byte("x"), 0o644))

	require.Error(t, a.Handle(context.Background(), finished(t, logPath)))
	assert.Empty(t, st.keys)

	require.Error(t, a.Handle(context.Background(), []byte("{not json")))
}

func TestStartBindsDurableConsumer(t *testing.T) {
	a, sub := newArchiver(t, &fakeUploader{}, &fakeStore{})
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, events.SubjectFinished, sub.subject)
	assert.Equal(t, archiver.Durable, sub.durable)
	require.NoError(t, a.Close())
}
