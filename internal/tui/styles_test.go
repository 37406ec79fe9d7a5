package tui

import (
	"strings"
	"testing"

	"github.com/randomizedcoder/go-autodetect/internal/supervisor"
)

// =============================================================================
// Tests: GetPipelineStatus
// =============================================================================

func TestGetPipelineStatus(t *testing.T) {
	tests := []struct {
		name     string
		dropRate float64
		want     PipelineStatus
	}{
		{"no drops", 0, PipelineStatusOK},
		{"tiny drops", 0.001, PipelineStatusDegraded},
		{"10% drops", 0.10, PipelineStatusDegraded},
		{"11% drops", 0.11, PipelineStatusSeverelyDegraded},
		{"50% drops", 0.50, PipelineStatusSeverelyDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetPipelineStatus(tt.dropRate); got != tt.want {
				t.Errorf("GetPipelineStatus(%v) = %v, want %v", tt.dropRate, got, tt.want)
			}
		})
	}
}

func TestGetPipelineLabel(t *testing.T) {
	tests := []struct {
		name       string
		dropRate   float64
		wantSubstr string
	}{
		{"ok", 0, "Input"},
		{"degraded", 0.05, "degraded"},
		{"severely degraded", 0.15, "severely degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetPipelineLabel(tt.dropRate)
			if !strings.Contains(got, tt.wantSubstr) {
				t.Errorf("GetPipelineLabel(%v) = %q, want to contain %q", tt.dropRate, got, tt.wantSubstr)
			}
		})
	}
}

// =============================================================================
// Tests: job state
// =============================================================================

func TestGetStateLabel(t *testing.T) {
	for _, s := range []supervisor.JobState{
		supervisor.StateOpening,
		supervisor.StateOpened,
		supervisor.StateBackoff,
		supervisor.StateClosing,
		supervisor.StateClosed,
		supervisor.StateFailed,
	} {
		t.Run(s.String(), func(t *testing.T) {
			if got := GetStateLabel(s); !strings.Contains(got, s.String()) {
				t.Errorf("GetStateLabel(%v) = %q", s, got)
			}
		})
	}
}

func TestGetStateStyle_Distinguishes(t *testing.T) {
	ok := GetStateStyle(supervisor.StateOpened).GetForeground()
	failed := GetStateStyle(supervisor.StateFailed).GetForeground()
	if ok == failed {
		t.Error("opened and failed jobs should not share a color")
	}
}

func TestGetErrorRateStyle(t *testing.T) {
	if GetErrorRateStyle(0).GetForeground() != colorSuccess {
		t.Error("zero rate should render as success")
	}
	if GetErrorRateStyle(0.005).GetForeground() != colorWarning {
		t.Error("small rate should render as warning")
	}
	if GetErrorRateStyle(0.05).GetForeground() != colorError {
		t.Error("high rate should render as error")
	}
}

// =============================================================================
// Tests: render helpers
// =============================================================================

func TestRenderKeyValue(t *testing.T) {
	result := RenderKeyValue("Label", "Value")

	if !strings.Contains(result, "Label") {
		t.Error("result should contain label")
	}
	if !strings.Contains(result, "Value") {
		t.Error("result should contain value")
	}
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name     string
		progress float64
		width    int
	}{
		{"0%", 0, 20},
		{"50%", 0.5, 20},
		{"100%", 1.0, 20},
		{"narrow", 0.5, 5},
		{"over 100%", 1.5, 20},
		{"negative", -0.1, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RenderProgressBar(tt.progress, tt.width)
			if !strings.Contains(result, "%") {
				t.Errorf("result should contain percentage: %q", result)
			}
		})
	}
}

func TestRepeatChar(t *testing.T) {
	tests := []struct {
		char  rune
		count int
		want  string
	}{
		{'x', 0, ""},
		{'x', 1, "x"},
		{'x', 5, "xxxxx"},
		{'█', 3, "███"},
		{'x', -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := repeatChar(tt.char, tt.count); got != tt.want {
				t.Errorf("repeatChar(%q, %d) = %q, want %q", tt.char, tt.count, got, tt.want)
			}
		})
	}
}
