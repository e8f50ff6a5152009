// Package archiver copies finished run logs to object storage.
package archiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"scripthost/services/events"
)

// Durable is the JetStream consumer name shared by archiver replicas.
const Durable = "scripthost-archiver"

// Subscriber is the consuming half of pkg/bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Uploader stores one object.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// RunStore records where a run log was archived.
type RunStore interface {
	SetRunArchive(ctx context.Context, runID int64, key string) error
}

// Archiver uploads the log of every finished run and records its object key.
type Archiver struct {
	sub      Subscriber
	uploader Uploader
	store    RunStore
	bucket   string
	logger   zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// New creates an archiver writing to bucket.
func New(sub Subscriber, uploader Uploader, st RunStore, bucket string, logger zerolog.Logger) (*Archiver, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Archiver{sub: sub, uploader: uploader, store: st, bucket: bucket, logger: logger}, nil
}

// Start binds the durable consumer and begins archiving.
func (a *Archiver) Start(ctx context.Context) error {
	if a == nil {
		return errors.New("nil archiver")
	}
	closer, err := a.sub.Subscribe(ctx, events.SubjectFinished, Durable, a.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.SubjectFinished, err)
	}
	a.subsMu.Lock()
	a.subs = append(a.subs, closer)
	a.subsMu.Unlock()
	return nil
}

// Close tears down active subscriptions.
func (a *Archiver) Close() error {
	if a == nil {
		return nil
	}

	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	var firstErr error
	for _, sub := range a.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.subs = nil
	return firstErr
}

// ObjectKey is the key a run log is archived under.
func ObjectKey(tenantID, artifactID, runID int64) string {
	return fmt.Sprintf("logs/%d/%d/%d.log", tenantID, artifactID, runID)
}

// Handle archives the log named by one finished-run event. Events without a
// run or whose log file is gone are skipped so the message is acked.
func (a *Archiver) Handle(ctx context.Context, data []byte) error {
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if evt.RunID == 0 || evt.LogPath == "" {
		return nil
	}
	log := a.logger.With().Int64("run_id", evt.RunID).Str("log", evt.LogPath).Logger()

	f, err := os.Open(evt.LogPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Msg("run log missing; skipping archive")
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("hash log: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	digest := hex.EncodeToString(h.Sum(nil))

	key := ObjectKey(evt.TenantID, evt.ArtifactID, evt.RunID)
	if err := a.uploader.PutObject(ctx, a.bucket, key, io.LimitReader(f, size), size, digest); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := a.store.SetRunArchive(ctx, evt.RunID, key); err != nil {
		return fmt.Errorf("record archive: %w", err)
	}

	log.Info().Str("key", key).Int64("bytes", size).Msg("archived run log")
	return nil
}
