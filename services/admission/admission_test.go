package admission_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/services/admission"
)

func TestEvaluate(t *testing.T) {
	limits := admission.Thresholds{MaxJobs: 3, MaxCPUPercent: 90, MaxMemoryPercent: 80}

	tests := []struct {
		name       string
		sample     admission.Sample
		live       int
		wantAdmit  bool
		wantCheck  admission.Check
		wantReason string
	}{
		{
			name:      "idle host",
			sample:    admission.Sample{CPUPercent: 10, MemoryPercent: 20},
			live:      0,
			wantAdmit: true,
		},
		{
			name:       "job ceiling reached",
			sample:     admission.Sample{CPUPercent: 10, MemoryPercent: 20},
			live:       3,
			wantCheck:  admission.CheckJobs,
			wantReason: "Too many running processes (3/3)",
		},
		{
			name:       "job check wins over cpu and memory",
			sample:     admission.Sample{CPUPercent: 99, MemoryPercent: 99},
			live:       5,
			wantCheck:  admission.CheckJobs,
			wantReason: "Too many running processes (5/3)",
		},
		{
			name:       "cpu at threshold",
			sample:     admission.Sample{CPUPercent: 90, MemoryPercent: 95},
			live:       1,
			wantCheck:  admission.CheckCPU,
			wantReason: "High CPU load (90.0%)",
		},
		{
			name:       "memory at threshold",
			sample:     admission.Sample{CPUPercent: 89.9, MemoryPercent: 80},
			live:       2,
			wantCheck:  admission.CheckMemory,
			wantReason: "High memory usage (80.0%)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := admission.Evaluate(limits, tt.sample, tt.live)
			assert.Equal(t, tt.wantAdmit, d.Admit)
			assert.Equal(t, tt.wantCheck, d.Check)
			assert.Equal(t, tt.wantReason, d.Reason)
			if tt.wantAdmit {
				assert.NoError(t, d.Err())
				return
			}
			var admErr *admission.Error
			require.ErrorAs(t, d.Err(), &admErr)
			assert.Equal(t, tt.wantCheck, admErr.Check)
		})
	}
}

func TestHostSampler(t *testing.T) {
	s, err := admission.NewHostSampler().Sample(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, s.CPUPercent, 0.0)
	assert.LessOrEqual(t, s.MemoryPercent, 100.0)
}
