package communicator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
	"github.com/randomizedcoder/go-autodetect/internal/wire"
)

// FlushParams controls what the engine does before acknowledging a flush.
type FlushParams struct {
	// CalcInterim requests interim results for the open bucket. Start and
	// End optionally restrict it; only Start means one bucket span.
	CalcInterim bool
	Start       time.Time
	End         time.Time

	// AdvanceTime finalizes buckets ending before it.
	AdvanceTime time.Time

	// SkipTime moves the clock without producing results for the gap.
	SkipTime time.Time
}

// interimRange validates the params and returns the calc-interim range in
// epoch seconds.
func (p FlushParams) interimRange(bucketSpan time.Duration) (wire.TimeRange, error) {
	var errs []error
	if !p.CalcInterim && (!p.Start.IsZero() || !p.End.IsZero()) {
		errs = append(errs, errors.New("start and end require calc_interim"))
	}
	if p.Start.IsZero() && !p.End.IsZero() {
		errs = append(errs, errors.New("end requires start"))
	}
	if !p.AdvanceTime.IsZero() && !p.SkipTime.IsZero() {
		errs = append(errs, errors.New("advance_time and skip_time are mutually exclusive"))
	}
	if err := errors.Join(errs...); err != nil {
		return wire.TimeRange{}, errkind.Config("flush_params", err)
	}

	if !p.CalcInterim || p.Start.IsZero() {
		return wire.TimeRange{}, nil
	}
	end := p.End
	if end.IsZero() {
		end = p.Start.Add(bucketSpan)
	}
	r := wire.TimeRange{Start: p.Start.Unix(), End: end.Unix()}
	if r.End <= r.Start {
		return wire.TimeRange{}, errkind.Newf(errkind.KindConfig, "flush_params", "end %d must be after start %d", r.End, r.Start)
	}
	return r, r.Validate()
}

// DataLoadParams applies to one WriteData call.
type DataLoadParams struct {
	// ResetStart and ResetEnd, when set, discard the engine's buckets in
	// [ResetStart, ResetEnd) before the data is written.
	ResetStart time.Time
	ResetEnd   time.Time
}

func (p DataLoadParams) resetRange() (wire.TimeRange, bool, error) {
	if p.ResetStart.IsZero() && p.ResetEnd.IsZero() {
		return wire.TimeRange{}, false, nil
	}
	if p.ResetStart.IsZero() || p.ResetEnd.IsZero() {
		return wire.TimeRange{}, false, errkind.Newf(errkind.KindConfig, "data_load_params", "reset needs both start and end")
	}
	r := wire.TimeRange{Start: p.ResetStart.Unix(), End: p.ResetEnd.Unix()}
	if r.End <= r.Start {
		return wire.TimeRange{}, false, errkind.Newf(errkind.KindConfig, "data_load_params", "reset end %d must be after start %d", r.End, r.Start)
	}
	return r, true, nil
}

// DetectorRules replaces the rules of one detector.
type DetectorRules struct {
	DetectorIndex int
	Rules         json.RawMessage
}

// UpdateParams carries configuration changes for a running engine.
type UpdateParams struct {
	// ModelPlotConfig is a JSON object; nil leaves it unchanged.
	ModelPlotConfig json.RawMessage
	DetectorRules   []DetectorRules
}

func (p UpdateParams) validate(detectors int) error {
	var errs []error
	if p.ModelPlotConfig != nil {
		var obj map[string]any
		if err := json.Unmarshal(p.ModelPlotConfig, &obj); err != nil {
			errs = append(errs, fmt.Errorf("model plot config must be a JSON object: %w", err))
		}
	}
	for _, r := range p.DetectorRules {
		if r.DetectorIndex < 0 || (detectors > 0 && r.DetectorIndex >= detectors) {
			errs = append(errs, fmt.Errorf("detector index %d out of range", r.DetectorIndex))
		}
		var rules []json.RawMessage
		if err := json.Unmarshal(r.Rules, &rules); err != nil {
			errs = append(errs, fmt.Errorf("detector %d rules must be a JSON array: %w", r.DetectorIndex, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return errkind.Config("update_params", err)
	}
	return nil
}

// IsEmpty reports whether the update changes nothing.
func (p UpdateParams) IsEmpty() bool {
	return p.ModelPlotConfig == nil && len(p.DetectorRules) == 0
}
