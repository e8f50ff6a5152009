package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	tests := []struct {
		name string
		tmpl string
		data any
		want string
	}{
		{
			name: "started",
			tmpl: "started",
			data: map[string]any{"Name": "bot.py", "PID": 42, "LogFile": "file_1_1700000000.log"},
			want: "bot.py started (PID 42, log file_1_1700000000.log)",
		},
		{
			name: "forced stop",
			tmpl: "stopped",
			data: map[string]any{"Name": "bot.py", "Forced": true, "HasExitCode": true, "ExitCode": 137},
			want: "bot.py stopped (killed after grace period), exit code 137",
		},
		{
			name: "rejected",
			tmpl: "rejected",
			data: map[string]any{"Reason": "High CPU load (95.0%)"},
			want: "Cannot start: High CPU load (95.0%)",
		},
		{
			name: "status",
			tmpl: "status",
			data: map[string]any{"CPUPercent": 12.34, "MemoryPercent": 50.0, "LiveJobs": 2, "MaxJobs": 10, "Uptime": "1d 2h 3m"},
			want: "System Status\nCPU Usage: 12.3%\nMemory Usage: 50.0%\nRunning Processes: 2\nMax Processes: 10\nUptime: 1d 2h 3m",
		},
		{
			name: "artifact",
			tmpl: "artifact",
			data: map[string]any{
				"OrigName":   "bot.py",
				"Kind":       "python",
				"Running":    true,
				"PID":        7,
				"UploadedAt": time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
			},
			want: "File: bot.py\nType: python\nStatus: Running\nPID: 7\nUploaded: 2024-05-01 09:30",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(tt.tmpl, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessageFallback(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	assert.Equal(t, "fallback", e.Message("missing", nil, "fallback"))

	var nilEngine *Engine
	assert.Equal(t, "fallback", nilEngine.Message("started", nil, "fallback"))
}
