package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/pkg/render"
	"scripthost/services/artifacts"
	"scripthost/services/supervisor"
)

type published struct {
	subject string
	event   Event
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeBus) Publish(_ context.Context, subj string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subj, event: v.(Event)})
	return nil
}

var info = supervisor.RunInfo{
	ArtifactID: 5,
	TenantID:   42,
	RunID:      9,
	Name:       "bot.py",
	Kind:       artifacts.KindPython,
	PID:        1234,
	LogPath:    "/data/logs/file_5_1700000000.log",
	At:         time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
}

func newPublisher(t *testing.T, b Bus) *Publisher {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	return NewPublisher(b, engine, zerolog.Nop())
}

func TestRunStarted(t *testing.T) {
	b := &fakeBus{}
	newPublisher(t, b).RunStarted(context.Background(), info)

	require.Len(t, b.msgs, 1)
	msg := b.msgs[0]
	assert.Equal(t, SubjectStarted, msg.subject)
	assert.Equal(t, TypeStarted, msg.event.Type)
	assert.NotEmpty(t, msg.event.ID)
	assert.Equal(t, int64(42), msg.event.TenantID)
	assert.Nil(t, msg.event.ExitCode)
	assert.Equal(t, "bot.py started (PID 1234, log file_5_1700000000.log)", msg.event.Message)
}

func TestRunFinished(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		subjects []string
	}{
		{name: "clean exit", exitCode: 0, subjects: []string{SubjectFinished}},
		{name: "failure", exitCode: 1, subjects: []string{SubjectFinished, SubjectAbnormalExit}},
		{name: "killed", exitCode: 137, subjects: []string{SubjectFinished, SubjectAbnormalExit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBus{}
			run := info
			run.ExitCode = tt.exitCode
			newPublisher(t, b).RunFinished(context.Background(), run)

			require.Len(t, b.msgs, len(tt.subjects))
			for i, subj := range tt.subjects {
				assert.Equal(t, subj, b.msgs[i].subject)
				require.NotNil(t, b.msgs[i].event.ExitCode)
				assert.Equal(t, tt.exitCode, *b.msgs[i].event.ExitCode)
			}
			if len(b.msgs) == 2 {
				assert.NotEqual(t, b.msgs[0].event.ID, b.msgs[1].event.ID)
				assert.Equal(t, TypeAbnormalExit, b.msgs[1].event.Type)
			}
			if tt.exitCode == 137 {
				assert.Equal(t, "bot.py stopped unexpectedly, exit code 137", b.msgs[1].event.Message)
			}
		})
	}
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	b := &fakeBus{err: errors.New("nats: no responders")}
	p := newPublisher(t, b)
	assert.NotPanics(t, func() {
		p.RunStarted(context.Background(), info)
		p.RunFinished(context.Background(), info)
	})
}

func TestNilRendererFallsBack(t *testing.T) {
	b := &fakeBus{}
	NewPublisher(b, nil, zerolog.Nop()).RunStarted(context.Background(), info)
	require.Len(t, b.msgs, 1)
	assert.Equal(t, "bot.py started", b.msgs[0].event.Message)
}
