// Package events defines the run lifecycle events scripthost publishes on the
// bus and a supervisor notifier that emits them.
package events

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scripthost/pkg/render"
	"scripthost/services/supervisor"
)

// Stream is the JetStream stream holding every scripthost subject.
const Stream = "SCRIPTHOST"

const (
	SubjectAll          = "scripthost.>"
	SubjectStarted      = "scripthost.runs.started"
	SubjectFinished     = "scripthost.runs.finished"
	SubjectAbnormalExit = "scripthost.runs.abnormal_exit"
)

// Type names an event.
type Type string

const (
	TypeStarted      Type = "run.started"
	TypeFinished     Type = "run.finished"
	TypeAbnormalExit Type = "run.abnormal_exit"
)

// Event is the envelope published for every run transition.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	ArtifactID    int64     `json:"artifact_id"`
	TenantID      int64     `json:"tenant_id"`
	RunID         int64     `json:"run_id"`
	Name          string    `json:"name"`
	PID           int       `json:"pid"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	StopRequested bool      `json:"stop_requested,omitempty"`
	LogPath       string    `json:"log_path"`
	At            time.Time `json:"at"`
	Message       string    `json:"message"`
}

// Bus is the publishing half of pkg/bus.
type Bus interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Publisher turns supervisor notifications into bus events. Publish failures
// are logged and dropped.
type Publisher struct {
	bus      Bus
	renderer *render.Engine
	logger   zerolog.Logger
}

var _ supervisor.Notifier = (*Publisher)(nil)

// NewPublisher returns a Publisher writing to b. renderer may be nil, in which
// case messages fall back to plain defaults.
func NewPublisher(b Bus, renderer *render.Engine, logger zerolog.Logger) *Publisher {
	return &Publisher{bus: b, renderer: renderer, logger: logger}
}

// RunStarted implements supervisor.Notifier.
func (p *Publisher) RunStarted(ctx context.Context, info supervisor.RunInfo) {
	ev := newEvent(TypeStarted, info)
	ev.Message = p.renderer.Message("started", map[string]any{
		"Name":    info.Name,
		"PID":     info.PID,
		"LogFile": filepath.Base(info.LogPath),
	}, info.Name+" started")
	p.publish(ctx, SubjectStarted, ev)
}

// RunFinished implements supervisor.Notifier. A non-zero exit additionally
// emits an abnormal_exit event.
func (p *Publisher) RunFinished(ctx context.Context, info supervisor.RunInfo) {
	code := info.ExitCode
	data := map[string]any{"Name": info.Name, "ExitCode": code}

	ev := newEvent(TypeFinished, info)
	ev.ExitCode = &code
	ev.Message = p.renderer.Message("finished", data, info.Name+" finished")
	p.publish(ctx, SubjectFinished, ev)

	if code == 0 {
		return
	}
	abnormal := newEvent(TypeAbnormalExit, info)
	abnormal.ExitCode = &code
	abnormal.Message = p.renderer.Message("abnormal_exit", data, info.Name+" stopped")
	p.publish(ctx, SubjectAbnormalExit, abnormal)
}

func (p *Publisher) publish(ctx context.Context, subj string, ev Event) {
	if p == nil || p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, subj, ev); err != nil {
		p.logger.Warn().Err(err).Str("subject", subj).Int64("artifact_id", ev.ArtifactID).Msg("publish event")
	}
}

func newEvent(t Type, info supervisor.RunInfo) Event {
	at := info.At
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		ArtifactID:    info.ArtifactID,
		TenantID:      info.TenantID,
		RunID:         info.RunID,
		Name:          info.Name,
		PID:           info.PID,
		StopRequested: info.StopRequested,
		LogPath:       info.LogPath,
		At:            at.UTC(),
	}
}
