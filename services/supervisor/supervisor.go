// Package supervisor owns the OS processes spawned for artifacts: admission,
// spawn, exit monitoring, termination, and log retrieval.
//
// A single mutex guards the job table and every durable read-modify-write of
// an artifact's lifecycle state. Stop never holds it while waiting; the
// monitor goroutine of each job owns the job's closure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"scripthost/pkg/metrics"
	"scripthost/services/admission"
	"scripthost/services/artifacts"
	"scripthost/services/deps"
	"scripthost/services/store"
)

const (
	DefaultStopGrace    = 5 * time.Second
	DefaultKillWait     = 5 * time.Second
	DefaultRestartDelay = 2 * time.Second
)

// Store is the slice of the durable store the supervisor needs.
type Store interface {
	GetArtifact(ctx context.Context, id int64) (store.Artifact, error)
	SetArtifactState(ctx context.Context, id int64, status store.Status, pid *int) error
	CreateRun(ctx context.Context, r *store.Run) error
	CloseRun(ctx context.Context, runID int64, exitCode int, finishedAt time.Time) error
	LatestRun(ctx context.Context, artifactID int64) (store.Run, error)
	RunningArtifacts(ctx context.Context) ([]store.Artifact, error)
	OpenRuns(ctx context.Context) ([]store.Run, error)
}

// Installer satisfies an entry point's dependencies before spawn.
type Installer interface {
	Run(ctx context.Context, entryPoint string) []deps.Report
}

// Config holds the supervisor's fixed parameters.
type Config struct {
	LogsDir      string
	Thresholds   admission.Thresholds
	Interpreters Interpreters
	StopGrace    time.Duration
	KillWait     time.Duration
	RestartDelay time.Duration
}

// StartResult describes a successful start.
type StartResult struct {
	ArtifactID int64          `json:"artifact_id"`
	RunID      int64          `json:"run_id"`
	PID        int            `json:"pid"`
	EntryPoint string         `json:"entry_point"`
	Kind       artifacts.Kind `json:"kind"`
	LogPath    string         `json:"log_path"`
	Installs   []deps.Report  `json:"installs,omitempty"`
}

// StopResult describes the outcome of Stop. Stopped is false when there was
// no live job.
type StopResult struct {
	Stopped  bool `json:"stopped"`
	Forced   bool `json:"forced"`
	ExitCode int  `json:"exit_code"`
}

type job struct {
	artifactID int64
	tenantID   int64
	name       string
	kind       artifacts.Kind
	runID      int64
	pid        int
	logPath    string
	cmd        *exec.Cmd

	stopRequested atomic.Bool
	done          chan struct{}
	exitCode      int
}

// Supervisor runs artifacts as OS processes.
type Supervisor struct {
	cfg       Config
	store     Store
	logger    zerolog.Logger
	sampler   admission.Sampler
	installer Installer
	notifier  Notifier
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu      sync.Mutex
	jobs    map[int64]*job
	pending map[int64]struct{}
	wg      sync.WaitGroup
}

// Option customises a Supervisor.
type Option func(*Supervisor)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func WithSampler(sampler admission.Sampler) Option {
	return func(s *Supervisor) { s.sampler = sampler }
}

func WithInstaller(installer Installer) Option {
	return func(s *Supervisor) { s.installer = installer }
}

func WithNotifier(n Notifier) Option {
	return func(s *Supervisor) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New builds a Supervisor. Zero durations in cfg take the package defaults.
func New(cfg Config, st Store, opts ...Option) (*Supervisor, error) {
	if st == nil {
		return nil, errors.New("supervisor: store is required")
	}
	if cfg.LogsDir == "" {
		return nil, errors.New("supervisor: logs dir is required")
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters("", "")
	}
	if cfg.Thresholds == (admission.Thresholds{}) {
		cfg.Thresholds = admission.DefaultThresholds()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = DefaultKillWait
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}

	s := &Supervisor{
		cfg:      cfg,
		store:    st,
		logger:   zerolog.Nop(),
		sampler:  admission.NewHostSampler(),
		notifier: nopNotifier{},
		tracer:   otel.Tracer("scripthost/services/supervisor"),
		jobs:     make(map[int64]*job),
		pending:  make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create logs dir: %w", err)
	}
	return s, nil
}

// Thresholds returns the admission ceilings in force.
func (s *Supervisor) Thresholds() admission.Thresholds { return s.cfg.Thresholds }

// Sample reads the host load through the configured sampler.
func (s *Supervisor) Sample(ctx context.Context) (admission.Sample, error) {
	return s.sampler.Sample(ctx)
}

// LiveCount returns the number of live jobs.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// IsRunning reports whether id has a live job.
func (s *Supervisor) IsRunning(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Start admits, prepares, and spawns artifact id.
func (s *Supervisor) Start(ctx context.Context, id int64) (res StartResult, err error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.Start", trace.WithAttributes(attribute.Int64("artifact.id", id)))
	defer func() { endSpan(span, err) }()

	sample, serr := s.sampler.Sample(ctx)
	if serr != nil {
		s.logger.Warn().Err(serr).Msg("sample host load")
		sample = admission.Sample{}
	}

	s.mu.Lock()
	if _, live := s.jobs[id]; live {
		s.mu.Unlock()
		return StartResult{}, ErrAlreadyRunning
	}
	if _, busy := s.pending[id]; busy {
		s.mu.Unlock()
		return StartResult{}, ErrAlreadyRunning
	}
	decision := admission.Evaluate(s.cfg.Thresholds, sample, len(s.jobs)+len(s.pending))
	if !decision.Admit {
		s.mu.Unlock()
		s.metrics.AdmissionRejected(string(decision.Check))
		s.logger.Warn().Int64("artifact_id", id).Str("check", string(decision.Check)).Msg(decision.Reason)
		return StartResult{}, &AdmissionError{Err: &admission.Error{Check: decision.Check, Reason: decision.Reason}}
	}
	s.pending[id] = struct{}{}
	s.mu.Unlock()

	registered := false
	defer func() {
		if registered {
			return
		}
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	art, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return StartResult{}, err
	}

	entry, err := artifacts.Resolve(art.Path)
	if err != nil {
		return StartResult{}, err
	}
	kind := artifacts.InferKind(entry)
	span.SetAttributes(attribute.String("artifact.kind", string(kind)))

	res = StartResult{ArtifactID: id, EntryPoint: entry, Kind: kind}
	if kind == artifacts.KindPython && s.installer != nil {
		// Each package install is bounded by the installer, not the caller.
		res.Installs = s.installer.Run(context.WithoutCancel(ctx), entry)
	}

	argv, err := s.cfg.Interpreters.Command(kind, entry)
	if err != nil {
		return StartResult{}, err
	}

	startedAt := time.Now()
	res.LogPath = filepath.Join(s.cfg.LogsDir, fmt.Sprintf("file_%d_%d.log", id, startedAt.Unix()))
	logFile, err := os.OpenFile(res.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return StartResult{}, fmt.Errorf("create log file: %w", err)
	}

	cmd, err := spawn(argv, filepath.Dir(entry), logFile)
	// The child holds its own descriptor; the parent's copy is not needed.
	_ = logFile.Close()
	if err != nil {
		s.logger.Error().Err(err).Int64("artifact_id", id).Msg("spawn failed")
		return StartResult{}, err
	}
	res.PID = cmd.Process.Pid

	j := &job{
		artifactID: id,
		tenantID:   art.TenantID,
		name:       art.OrigName,
		kind:       kind,
		pid:        res.PID,
		logPath:    res.LogPath,
		cmd:        cmd,
		done:       make(chan struct{}),
	}

	if err := s.register(context.WithoutCancel(ctx), j, startedAt, res.Installs); err != nil {
		s.logger.Error().Err(err).Int64("artifact_id", id).Int("pid", j.pid).Msg("record run start; killing process")
		_ = signalGroup(j.pid, unix.SIGKILL)
		_ = cmd.Wait()
		return StartResult{}, err
	}
	registered = true
	res.RunID = j.runID

	s.wg.Add(1)
	go s.monitor(j)

	s.metrics.RunStarted(string(kind))
	s.logger.Info().
		Int64("artifact_id", id).
		Int64("run_id", j.runID).
		Int("pid", j.pid).
		Str("entry", entry).
		Str("log", res.LogPath).
		Msg("started")
	s.notifier.RunStarted(ctx, j.info(startedAt))
	return res, nil
}

// register records the run and moves the job from pending to live.
func (s *Supervisor) register(ctx context.Context, j *job, startedAt time.Time, installs []deps.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &store.Run{
		ArtifactID: j.artifactID,
		StartedAt:  startedAt,
		PID:        j.pid,
		LogPath:    j.logPath,
		Meta:       runMeta(j, installs),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	pid := j.pid
	if err := s.store.SetArtifactState(ctx, j.artifactID, store.StatusRunning, &pid); err != nil {
		if cerr := s.store.CloseRun(ctx, run.ID, -1, time.Now()); cerr != nil {
			s.logger.Error().Err(cerr).Int64("run_id", run.ID).Msg("close unregistered run")
		}
		return fmt.Errorf("mark running: %w", err)
	}

	j.runID = run.ID
	s.jobs[j.artifactID] = j
	delete(s.pending, j.artifactID)
	s.metrics.SetLiveJobs(len(s.jobs))
	return nil
}

func runMeta(j *job, installs []deps.Report) map[string]any {
	meta := map[string]any{
		"entry": filepath.Base(j.cmd.Args[len(j.cmd.Args)-1]),
		"argv":  j.cmd.Args,
	}
	if len(installs) > 0 {
		reports := make([]map[string]any, 0, len(installs))
		for _, r := range installs {
			reports = append(reports, map[string]any{
				"strategy":  r.Strategy,
				"skipped":   r.Skipped,
				"installed": r.Installed,
				"failed":    r.Failed,
				"message":   r.Message,
			})
		}
		meta["installs"] = reports
	}
	return meta
}

func (j *job) info(at time.Time) RunInfo {
	return RunInfo{
		ArtifactID:    j.artifactID,
		TenantID:      j.tenantID,
		RunID:         j.runID,
		Name:          j.name,
		Kind:          j.kind,
		PID:           j.pid,
		LogPath:       j.logPath,
		StopRequested: j.stopRequested.Load(),
		At:            at,
	}
}

// monitor waits for the process and performs the closing transition.
func (s *Supervisor) monitor(j *job) {
	defer s.wg.Done()

	waitErr := j.cmd.Wait()
	code := exitCode(j.cmd.ProcessState)
	finishedAt := time.Now()
	if code == -1 && waitErr != nil {
		s.logger.Error().Err(waitErr).Int64("artifact_id", j.artifactID).Msg("wait for process")
	}

	s.release(j, code, finishedAt)

	j.exitCode = code
	close(j.done)

	s.metrics.RunFinished(code)
	s.logger.Info().
		Int64("artifact_id", j.artifactID).
		Int64("run_id", j.runID).
		Int("pid", j.pid).
		Int("exit_code", code).
		Msg("finished")

	info := j.info(finishedAt)
	info.ExitCode = code
	s.notifier.RunFinished(context.Background(), info)
}

// release removes j from the job table and closes its durable records. Store
// failures and panics are logged so the artifact is never left Running.
func (s *Supervisor) release(j *job, code int, finishedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.jobs[j.artifactID]; ok && cur == j {
		delete(s.jobs, j.artifactID)
	}
	s.metrics.SetLiveJobs(len(s.jobs))

	ctx := context.Background()
	s.guard(j, "close run", func() error {
		return s.store.CloseRun(ctx, j.runID, code, finishedAt)
	})
	s.guard(j, "mark stopped", func() error {
		return s.store.SetArtifactState(ctx, j.artifactID, store.StatusStopped, nil)
	})
}

func (s *Supervisor) guard(j *job, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Int64("artifact_id", j.artifactID).Interface("panic", r).Msg(op)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error().Err(err).Int64("artifact_id", j.artifactID).Int64("run_id", j.runID).Msg(op)
	}
}

// Stop terminates the live job of id: SIGTERM to its process group, then
// SIGKILL once the grace period lapses. Stopping an artifact without a live
// job is a no-op that also clears a stale Running status.
func (s *Supervisor) Stop(ctx context.Context, id int64) (res StopResult, err error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.Stop", trace.WithAttributes(attribute.Int64("artifact.id", id)))
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		s.healStale(ctx, id)
		return StopResult{}, nil
	}
	return s.terminate(ctx, j)
}

func (s *Supervisor) terminate(ctx context.Context, j *job) (StopResult, error) {
	begin := time.Now()
	defer func() { s.metrics.ObserveStop(time.Since(begin)) }()

	j.stopRequested.Store(true)
	if err := signalGroup(j.pid, unix.SIGTERM); err != nil {
		s.logger.Warn().Err(err).Int("pid", j.pid).Msg("send SIGTERM")
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-j.done:
		return StopResult{Stopped: true, ExitCode: j.exitCode}, nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn().Int64("artifact_id", j.artifactID).Int("pid", j.pid).Msg("grace period elapsed; sending SIGKILL")
	if err := signalGroup(j.pid, unix.SIGKILL); err != nil {
		s.logger.Error().Err(err).Int("pid", j.pid).Msg("send SIGKILL")
	}

	confirm := time.NewTimer(s.cfg.KillWait)
	defer confirm.Stop()
	select {
	case <-j.done:
		return StopResult{Stopped: true, Forced: true, ExitCode: j.exitCode}, nil
	case <-confirm.C:
		return StopResult{Forced: true}, fmt.Errorf("artifact %d pid %d: %w", j.artifactID, j.pid, ErrStopTimeout)
	}
}

// healStale marks id Stopped when the store still believes it is running but
// no job or reservation exists for it.
func (s *Supervisor) healStale(ctx context.Context, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, live := s.jobs[id]; live {
		return
	}
	if _, busy := s.pending[id]; busy {
		return
	}
	art, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn().Err(err).Int64("artifact_id", id).Msg("load artifact for stop")
		}
		return
	}
	if art.Status != store.StatusRunning && art.PID == nil {
		return
	}
	if err := s.store.SetArtifactState(ctx, id, store.StatusStopped, nil); err != nil {
		s.logger.Warn().Err(err).Int64("artifact_id", id).Msg("clear stale running status")
	}
}

// Restart stops id, waits the restart delay, and starts it again. The two
// halves are not atomic.
func (s *Supervisor) Restart(ctx context.Context, id int64) (StartResult, error) {
	if _, err := s.Stop(ctx, id); err != nil {
		return StartResult{}, err
	}
	if d := s.cfg.RestartDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return StartResult{}, ctx.Err()
		case <-t.C:
		}
	}
	return s.Start(ctx, id)
}

// Logs returns the last maxLines lines of id's current or most recent log.
// It never fails; problems are reported as placeholder text.
func (s *Supervisor) Logs(ctx context.Context, id int64, maxLines int) string {
	if maxLines <= 0 {
		maxLines = DefaultLogLines
	}

	s.mu.Lock()
	j, live := s.jobs[id]
	s.mu.Unlock()

	if live {
		if out, ok := readLog(j.logPath, maxLines, msgNoLogsYet); ok {
			return out
		}
	}

	run, err := s.store.LatestRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return msgNoLogFile
		}
		return msgReadError + err.Error()
	}
	if out, ok := readLog(run.LogPath, maxLines, msgNoLogsFound); ok {
		return out
	}
	return msgNoLogFile
}

// readLog reports ok=false only when the file does not exist.
func readLog(path string, maxLines int, empty string) (string, bool) {
	if path == "" {
		return "", false
	}
	out, err := tailLines(path, maxLines)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", false
	case err != nil:
		return msgReadError + err.Error(), true
	case out == "":
		return empty, true
	}
	return out, true
}

// Shutdown stops every live job and waits for their monitors.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		live = append(live, j)
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, j := range live {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			if _, err := s.terminate(ctx, j); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(j)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
