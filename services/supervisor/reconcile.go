package supervisor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"scripthost/services/store"
)

// orphanStartSkew is how far a process's creation time may sit from its
// run's recorded start and still be taken for that run.
const orphanStartSkew = 5 * time.Second

// ReconcileReport summarises a boot-time reconciliation.
type ReconcileReport struct {
	Killed     int `json:"killed"`
	Spared     int `json:"spared"`
	Stopped    int `json:"stopped"`
	ClosedRuns int `json:"closed_runs"`
}

// Reconcile repairs durable state left behind by a previous process. Every
// artifact still marked Running without a live job is marked Stopped, and its
// recorded process group is killed only when the group leader is provably
// the process that run spawned. Every open run without a live job is closed
// with exit code -1. It is meant to run once, before serving.
func (s *Supervisor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	open, err := s.store.OpenRuns(ctx)
	if err != nil {
		return report, err
	}
	openByArtifact := make(map[int64]store.Run, len(open))
	for _, run := range open {
		if prev, ok := openByArtifact[run.ArtifactID]; !ok || run.StartedAt.After(prev.StartedAt) {
			openByArtifact[run.ArtifactID] = run
		}
	}

	running, err := s.store.RunningArtifacts(ctx)
	if err != nil {
		return report, err
	}
	for _, art := range running {
		if s.IsRunning(art.ID) {
			continue
		}
		if art.PID != nil && *art.PID > 0 {
			run, ok := openByArtifact[art.ID]
			switch {
			case !ok || run.PID != *art.PID:
				report.Spared++
			case !isOrphanOf(ctx, art, run):
				s.logger.Info().Int64("artifact_id", art.ID).Int("pid", run.PID).Msg("recorded pid belongs to another process; not killing")
				report.Spared++
			default:
				if err := unix.Kill(-run.PID, unix.SIGKILL); err == nil {
					report.Killed++
				} else if !errors.Is(err, unix.ESRCH) {
					s.logger.Warn().Err(err).Int64("artifact_id", art.ID).Int("pid", run.PID).Msg("kill orphaned process group")
				}
			}
		}
		if err := s.store.SetArtifactState(ctx, art.ID, store.StatusStopped, nil); err != nil {
			return report, err
		}
		report.Stopped++
	}

	now := time.Now()
	for _, run := range open {
		if s.ownsRun(run) {
			continue
		}
		err := s.store.CloseRun(ctx, run.ID, -1, now)
		if errors.Is(err, store.ErrRunNotOpen) {
			continue
		}
		if err != nil {
			return report, err
		}
		report.ClosedRuns++
	}

	s.logger.Info().
		Int("killed", report.Killed).
		Int("spared", report.Spared).
		Int("stopped", report.Stopped).
		Int("closed_runs", report.ClosedRuns).
		Msg("reconciled")
	return report, nil
}

// isOrphanOf reports whether run.PID still names the group leader spawned for
// run: it leads its own process group, was created within orphanStartSkew of
// the run's start, and has the artifact's path on its command line.
func isOrphanOf(ctx context.Context, art store.Artifact, run store.Run) bool {
	if pgid, err := unix.Getpgid(run.PID); err != nil || pgid != run.PID {
		return false
	}
	proc, err := process.NewProcessWithContext(ctx, int32(run.PID))
	if err != nil {
		return false
	}
	createdMillis, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return false
	}
	skew := time.UnixMilli(createdMillis).Sub(run.StartedAt)
	if skew < -orphanStartSkew || skew > orphanStartSkew {
		return false
	}
	cmdline, err := proc.CmdlineSliceWithContext(ctx)
	if err != nil {
		return false
	}
	return art.Path != "" && strings.Contains(strings.Join(cmdline, " "), art.Path)
}

func (s *Supervisor) ownsRun(run store.Run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[run.ArtifactID]
	return ok && j.runID == run.ID
}
