package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-autodetect/internal/communicator"
	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/process"
	"github.com/randomizedcoder/go-autodetect/internal/supervisor"
)

// JobsFile is the YAML job definition document.
//
//	defaults:
//	  engine: /opt/engine/bin/autodetect
//	jobs:
//	  - id: farequote
//	    bucket_span: 5m
//	    data_description: {format: csv, time_field: time}
//	    analysis:
//	      detectors:
//	        - {function: mean, field_name: responsetime, by_field_name: airline}
//	      influencers: [airline]
type JobsFile struct {
	Defaults JobDefaults `yaml:"defaults"`
	Jobs     []JobDef    `yaml:"jobs"`
}

// JobDefaults apply to every job that leaves the field unset.
type JobDefaults struct {
	Engine     string        `yaml:"engine"`
	Home       string        `yaml:"home"`
	BucketSpan time.Duration `yaml:"bucket_span"`
	Latency    time.Duration `yaml:"latency"`
}

// JobDef is one job.
type JobDef struct {
	ID                string          `yaml:"id"`
	Engine            string          `yaml:"engine"`
	Home              string          `yaml:"home"`
	BucketSpan        time.Duration   `yaml:"bucket_span"`
	Latency           time.Duration   `yaml:"latency"`
	Period            time.Duration   `yaml:"period"`
	SummaryCountField string          `yaml:"summary_count_field"`
	DataDescription   DataDescription `yaml:"data_description"`
	Analysis          AnalysisDef     `yaml:"analysis"`
	AnalysisFields    []string        `yaml:"analysis_fields"`
	ModelPlot         map[string]any  `yaml:"model_plot"`
	PersistInterval   time.Duration   `yaml:"persist_interval"`
	RestoreSnapshotID string          `yaml:"restore_snapshot_id"`
	MemoryLimitMB     int             `yaml:"memory_limit_mb"`
	MaxAnomalyRecords int             `yaml:"max_anomaly_records"`
	IgnoreDowntime    bool            `yaml:"ignore_downtime"`
}

// DataDescription describes a job's input.
type DataDescription struct {
	Format         string `yaml:"format"`
	TimeField      string `yaml:"time_field"`
	TimeFormat     string `yaml:"time_format"`
	FieldDelimiter string `yaml:"field_delimiter"`
}

// AnalysisDef holds detectors and influencers.
type AnalysisDef struct {
	Detectors           []DetectorDef `yaml:"detectors"`
	Influencers         []string      `yaml:"influencers"`
	CategorizationField string        `yaml:"categorization_field"`
}

// DetectorDef is one detector. Rules are passed to the engine as JSON.
type DetectorDef struct {
	Function           string           `yaml:"function"`
	FieldName          string           `yaml:"field_name"`
	ByFieldName        string           `yaml:"by_field_name"`
	OverFieldName      string           `yaml:"over_field_name"`
	PartitionFieldName string           `yaml:"partition_field_name"`
	ExcludeFrequent    string           `yaml:"exclude_frequent"`
	UseNull            bool             `yaml:"use_null"`
	Rules              []map[string]any `yaml:"rules"`
}

// LoadJobs reads and validates a job file.
func LoadJobs(path string) (*JobsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Config("load_jobs", err)
	}
	return ParseJobs(data)
}

// ParseJobs decodes and validates a job document. Unknown keys are
// rejected so typos do not silently drop settings.
func ParseJobs(data []byte) (*JobsFile, error) {
	var f JobsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errkind.Config("parse_jobs", err)
	}
	if err := f.Validate(); err != nil {
		return nil, errkind.Config("validate_jobs", err)
	}
	return &f, nil
}

// Validate checks every job. All problems are joined.
func (f *JobsFile) Validate() error {
	var errs []error
	if len(f.Jobs) == 0 {
		errs = append(errs, ValidationError{Field: "jobs", Message: "at least one job is required"})
	}
	seen := make(map[string]bool, len(f.Jobs))
	for i, j := range f.Jobs {
		field := func(name string) string { return fmt.Sprintf("jobs[%d].%s", i, name) }
		if j.ID == "" {
			errs = append(errs, ValidationError{Field: field("id"), Message: "is required"})
		} else if seen[j.ID] {
			errs = append(errs, ValidationError{Field: field("id"), Message: fmt.Sprintf("duplicate job id %q", j.ID)})
		}
		seen[j.ID] = true

		if j.BucketSpan == 0 && f.Defaults.BucketSpan == 0 {
			errs = append(errs, ValidationError{Field: field("bucket_span"), Message: "is required"})
		}
		if j.BucketSpan < 0 || j.Latency < 0 {
			errs = append(errs, ValidationError{Field: field("bucket_span"), Message: "durations must not be negative"})
		}
		if j.BucketSpan%time.Second != 0 {
			errs = append(errs, ValidationError{Field: field("bucket_span"), Message: "must be whole seconds"})
		}
		if len(j.Analysis.Detectors) == 0 {
			errs = append(errs, ValidationError{Field: field("analysis.detectors"), Message: "at least one detector is required"})
		}
		for k, d := range j.Analysis.Detectors {
			if d.Function == "" {
				errs = append(errs, ValidationError{Field: field(fmt.Sprintf("analysis.detectors[%d].function", k)), Message: "is required"})
			}
		}
		if d := j.DataDescription.FieldDelimiter; d != "" && utf8.RuneCountInString(d) != 1 {
			errs = append(errs, ValidationError{Field: field("data_description.field_delimiter"), Message: "must be a single character"})
		}
		if err := j.dataDescription().Validate(); err != nil {
			errs = append(errs, ValidationError{Field: field("data_description"), Message: err.Error()})
		}
	}
	return errors.Join(errs...)
}

// Job returns the definition with the given id.
func (f *JobsFile) Job(id string) (JobDef, bool) {
	for _, j := range f.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return JobDef{}, false
}

// Specs converts every job to a supervisor spec. fallbackEngine and
// fallbackHome fill what neither the job nor the file defaults set; each
// job gets its own home under fallbackHome.
func (f *JobsFile) Specs(fallbackEngine, fallbackHome string) ([]supervisor.JobSpec, error) {
	specs := make([]supervisor.JobSpec, 0, len(f.Jobs))
	for _, j := range f.Jobs {
		spec, err := j.Spec(f.Defaults, fallbackEngine, fallbackHome)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Spec converts the job to a supervisor spec.
func (j JobDef) Spec(defaults JobDefaults, fallbackEngine, fallbackHome string) (supervisor.JobSpec, error) {
	modelPlot, err := j.modelPlotJSON()
	if err != nil {
		return supervisor.JobSpec{}, errkind.Config("job_spec", fmt.Errorf("job %s: model_plot: %w", j.ID, err))
	}

	engine := firstNonEmpty(j.Engine, defaults.Engine, fallbackEngine)
	home := firstNonEmpty(j.Home, defaults.Home)
	if home == "" && fallbackHome != "" {
		home = filepath.Join(fallbackHome, j.ID)
	}

	span := j.BucketSpan
	if span == 0 {
		span = defaults.BucketSpan
	}
	latency := j.Latency
	if latency == 0 {
		latency = defaults.Latency
	}

	detectors := make([]process.Detector, len(j.Analysis.Detectors))
	for i, d := range j.Analysis.Detectors {
		detectors[i] = process.Detector{
			Function:           d.Function,
			FieldName:          d.FieldName,
			ByFieldName:        d.ByFieldName,
			OverFieldName:      d.OverFieldName,
			PartitionFieldName: d.PartitionFieldName,
			ExcludeFrequent:    d.ExcludeFrequent,
			UseNull:            d.UseNull,
		}
	}

	desc := j.dataDescription()
	fields := j.AnalysisFields
	if len(fields) == 0 {
		fields = j.analysisFields()
	}

	return supervisor.JobSpec{
		ID: j.ID,
		Engine: process.EngineConfig{
			BinaryPath:          engine,
			HomeDir:             home,
			BucketSpan:          span,
			Latency:             latency,
			Period:              j.Period,
			TimeField:           desc.TimeField,
			SummaryCountField:   j.SummaryCountField,
			Detectors:           detectors,
			Influencers:         j.Analysis.Influencers,
			CategorizationField: j.Analysis.CategorizationField,
			PersistInterval:     j.PersistInterval,
			RestoreSnapshotID:   j.RestoreSnapshotID,
			ModelPlotConfig:     string(modelPlot),
			MemoryLimitMB:       j.MemoryLimitMB,
			MaxAnomalyRecords:   j.MaxAnomalyRecords,
			IgnoreDowntime:      j.IgnoreDowntime,
		},
		DataDescription: desc,
		AnalysisFields:  fields,
	}, nil
}

// RuleUpdates returns the detector rule documents as JSON, one entry per
// detector that has rules.
func (j JobDef) RuleUpdates() ([]communicator.DetectorRules, error) {
	var out []communicator.DetectorRules
	for i, d := range j.Analysis.Detectors {
		if len(d.Rules) == 0 {
			continue
		}
		raw, err := json.Marshal(d.Rules)
		if err != nil {
			return nil, fmt.Errorf("detector %d rules: %w", i, err)
		}
		out = append(out, communicator.DetectorRules{DetectorIndex: i, Rules: raw})
	}
	return out, nil
}

func (j JobDef) modelPlotJSON() (json.RawMessage, error) {
	if j.ModelPlot == nil {
		return nil, nil
	}
	return json.Marshal(j.ModelPlot)
}

func (j JobDef) dataDescription() communicator.DataDescription {
	d := communicator.DataDescription{
		Format:     communicator.DataFormat(firstNonEmpty(j.DataDescription.Format, string(communicator.FormatCSV))),
		TimeField:  firstNonEmpty(j.DataDescription.TimeField, process.DefaultTimeField),
		TimeFormat: j.DataDescription.TimeFormat,
	}
	if r, _ := utf8.DecodeRuneInString(j.DataDescription.FieldDelimiter); r != utf8.RuneError {
		d.FieldDelimiter = r
	}
	return d
}

// analysisFields lists every field the detectors and influencers
// reference, in first-seen order.
func (j JobDef) analysisFields() []string {
	var fields []string
	seen := make(map[string]bool)
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	for _, d := range j.Analysis.Detectors {
		add(d.FieldName)
		add(d.ByFieldName)
		add(d.OverFieldName)
		add(d.PartitionFieldName)
	}
	for _, f := range j.Analysis.Influencers {
		add(f)
	}
	add(j.Analysis.CategorizationField)
	add(j.SummaryCountField)
	return fields
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
