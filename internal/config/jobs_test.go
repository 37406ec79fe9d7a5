package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/process"
)

const farequoteYAML = `
defaults:
  engine: /opt/engine/bin/autodetect
  bucket_span: 5m
jobs:
  - id: farequote
    latency: 30s
    data_description:
      format: csv
      time_field: timestamp
      time_format: "2006-01-02 15:04:05"
      field_delimiter: ";"
    analysis:
      detectors:
        - function: mean
          field_name: responsetime
          by_field_name: airline
          rules:
            - actions: [skip_result]
              conditions:
                - {applies_to: actual, operator: lt, value: 10}
      influencers: [airline, host]
    model_plot:
      enabled: true
    memory_limit_mb: 512
  - id: counts
    engine: /usr/local/bin/sim
    bucket_span: 1m
    analysis:
      detectors:
        - function: count
`

// =============================================================================
// ParseJobs
// =============================================================================

func TestParseJobs_Valid(t *testing.T) {
	f, err := ParseJobs([]byte(farequoteYAML))
	require.NoError(t, err)
	require.Len(t, f.Jobs, 2)

	assert.Equal(t, 5*time.Minute, f.Defaults.BucketSpan)
	fq := f.Jobs[0]
	assert.Equal(t, "farequote", fq.ID)
	assert.Equal(t, 30*time.Second, fq.Latency)
	assert.Equal(t, []string{"airline", "host"}, fq.Analysis.Influencers)
	require.Len(t, fq.Analysis.Detectors[0].Rules, 1)
	assert.Equal(t, true, fq.ModelPlot["enabled"])

	_, ok := f.Job("counts")
	assert.True(t, ok)
	_, ok = f.Job("missing")
	assert.False(t, ok)
}

func TestParseJobs_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no jobs", "jobs: []\n", "at least one job"},
		{"no id", "jobs:\n  - bucket_span: 1m\n    analysis: {detectors: [{function: count}]}\n", "jobs[0].id"},
		{
			"duplicate id",
			"jobs:\n  - {id: a, bucket_span: 1m, analysis: {detectors: [{function: count}]}}\n  - {id: a, bucket_span: 1m, analysis: {detectors: [{function: count}]}}\n",
			"duplicate job id",
		},
		{"no bucket span", "jobs:\n  - {id: a, analysis: {detectors: [{function: count}]}}\n", "bucket_span"},
		{"fractional span", "jobs:\n  - {id: a, bucket_span: 1500ms, analysis: {detectors: [{function: count}]}}\n", "whole seconds"},
		{"no detectors", "jobs:\n  - {id: a, bucket_span: 1m}\n", "detector"},
		{"empty function", "jobs:\n  - {id: a, bucket_span: 1m, analysis: {detectors: [{field_name: x}]}}\n", "function"},
		{"bad format", "jobs:\n  - {id: a, bucket_span: 1m, data_description: {format: xml}, analysis: {detectors: [{function: count}]}}\n", "unsupported data format"},
		{"bad delimiter", "jobs:\n  - {id: a, bucket_span: 1m, data_description: {field_delimiter: ab}, analysis: {detectors: [{function: count}]}}\n", "single character"},
		{"unknown key", "jobs:\n  - {id: a, bucket_spam: 1m, analysis: {detectors: [{function: count}]}}\n", "bucket_spam"},
		{"not yaml", "jobs: [\n", "parse_jobs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobs([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, errkind.ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadJobs_MissingFile(t *testing.T) {
	_, err := LoadJobs(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrConfig)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// =============================================================================
// Spec conversion
// =============================================================================

func TestJobDef_Spec(t *testing.T) {
	f, err := ParseJobs([]byte(farequoteYAML))
	require.NoError(t, err)

	specs, err := f.Specs("autodetect", "/var/lib/ad/engine")
	require.NoError(t, err)
	require.Len(t, specs, 2)

	fq := specs[0]
	wantEngine := process.EngineConfig{
		BinaryPath:  "/opt/engine/bin/autodetect",
		HomeDir:     "/var/lib/ad/engine/farequote",
		BucketSpan:  5 * time.Minute,
		Latency:     30 * time.Second,
		TimeField:   "timestamp",
		Detectors:   []process.Detector{{Function: "mean", FieldName: "responsetime", ByFieldName: "airline"}},
		Influencers: []string{"airline", "host"},
		// model plot is re-encoded as JSON
		ModelPlotConfig: `{"enabled":true}`,
		MemoryLimitMB:   512,
	}
	if diff := cmp.Diff(wantEngine, fq.Engine); diff != "" {
		t.Errorf("engine config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, communicator.DataDescription{
		Format:         communicator.FormatCSV,
		TimeField:      "timestamp",
		TimeFormat:     "2006-01-02 15:04:05",
		FieldDelimiter: ';',
	}, fq.DataDescription)
	assert.Equal(t, []string{"responsetime", "airline", "host"}, fq.AnalysisFields)

	counts := specs[1]
	assert.Equal(t, "/usr/local/bin/sim", counts.Engine.BinaryPath)
	assert.Equal(t, time.Minute, counts.Engine.BucketSpan)
	assert.Equal(t, process.DefaultTimeField, counts.DataDescription.TimeField)
	assert.Empty(t, counts.AnalysisFields)
}

func TestJobDef_ExplicitAnalysisFields(t *testing.T) {
	j := JobDef{
		ID:             "x",
		BucketSpan:     time.Minute,
		AnalysisFields: []string{"b", "a"},
		Analysis:       AnalysisDef{Detectors: []DetectorDef{{Function: "max", FieldName: "a"}}},
	}
	spec, err := j.Spec(JobDefaults{}, "engine", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, spec.AnalysisFields)
	assert.Empty(t, spec.Engine.HomeDir)
}

func TestJobDef_RuleUpdates(t *testing.T) {
	f, err := ParseJobs([]byte(farequoteYAML))
	require.NoError(t, err)

	rules, err := f.Jobs[0].RuleUpdates()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 0, rules[0].DetectorIndex)
	assert.JSONEq(t,
		`[{"actions":["skip_result"],"conditions":[{"applies_to":"actual","operator":"lt","value":10}]}]`,
		string(rules[0].Rules))

	none, err := f.Jobs[1].RuleUpdates()
	require.NoError(t, err)
	assert.Empty(t, none)
}
