package supervisor

import (
	"context"
	"time"

	"scripthost/services/artifacts"
)

// RunInfo describes one run transition.
type RunInfo struct {
	ArtifactID int64
	TenantID   int64
	RunID      int64
	Name       string
	Kind       artifacts.Kind
	PID        int
	LogPath    string
	ExitCode   int
	// StopRequested is set when the exit followed a Stop call.
	StopRequested bool
	At            time.Time
}

// Notifier is told about run starts and finishes. Implementations must not
// block for long; they are called from request and monitor goroutines.
type Notifier interface {
	RunStarted(ctx context.Context, info RunInfo)
	RunFinished(ctx context.Context, info RunInfo)
}

type nopNotifier struct{}

func (nopNotifier) RunStarted(context.Context, RunInfo)  {}
func (nopNotifier) RunFinished(context.Context, RunInfo) {}
