package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
)

// ControlKind is the one-byte code opening a control message payload.
type ControlKind byte

const (
	ControlFlush        ControlKind = 'f'
	ControlCalcInterim  ControlKind = 'i'
	ControlResetBuckets ControlKind = 'r'
	ControlUpdate       ControlKind = 'u'
	ControlAdvanceTime  ControlKind = 't'
	ControlSkipTime     ControlKind = 's'
)

// String returns a readable name for the control kind.
func (k ControlKind) String() string {
	switch k {
	case ControlFlush:
		return "flush"
	case ControlCalcInterim:
		return "calc_interim"
	case ControlResetBuckets:
		return "reset_buckets"
	case ControlUpdate:
		return "update"
	case ControlAdvanceTime:
		return "advance_time"
	case ControlSkipTime:
		return "skip_time"
	default:
		return fmt.Sprintf("unknown(%q)", byte(k))
	}
}

// FlushPaddingLength is the size of the blank control message written
// after a flush so the engine's input buffer is pushed through.
const FlushPaddingLength = 8192

// Update section headers understood by the engine.
const (
	updateModelPlotConfig = "[modelPlotConfig]"
	updateDetectorRules   = "[detectorRules]"
)

// TimeRange is an optional [Start, End) range in epoch seconds.
// The zero value means "no range".
type TimeRange struct {
	Start int64
	End   int64
}

// IsZero reports whether the range is unset.
func (r TimeRange) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

// Validate checks that a set range is ordered.
func (r TimeRange) Validate() error {
	if r.IsZero() {
		return nil
	}
	if r.Start < 0 || r.End < 0 {
		return errkind.Newf(errkind.KindConfig, "time_range", "negative bound in [%d, %d)", r.Start, r.End)
	}
	if r.End < r.Start {
		return errkind.Newf(errkind.KindConfig, "time_range", "end %d before start %d", r.End, r.Start)
	}
	return nil
}

func (r TimeRange) payload() string {
	if r.IsZero() {
		return ""
	}
	return strconv.FormatInt(r.Start, 10) + " " + strconv.FormatInt(r.End, 10)
}

// ControlMessage is a decoded control record.
type ControlMessage struct {
	Kind    ControlKind
	Payload string
}

// ControlWriter writes control records through an Encoder.
type ControlWriter struct {
	enc      *Encoder
	newToken func() string
}

// NewControlWriter returns a ControlWriter sharing enc with the data path.
func NewControlWriter(enc *Encoder) *ControlWriter {
	return &ControlWriter{enc: enc, newToken: uuid.NewString}
}

// WriteControlMessage appends one control record.
func (c *ControlWriter) WriteControlMessage(kind ControlKind, payload string) error {
	return c.enc.WriteRecord([]string{ControlField, string(kind) + payload})
}

// WriteFlush appends a flush request and returns its token. The engine
// echoes the token in a flush acknowledgement once everything written
// before the flush has been processed.
func (c *ControlWriter) WriteFlush() (string, error) {
	token := c.newToken()
	if err := c.WriteControlMessage(ControlFlush, token); err != nil {
		return "", err
	}
	if err := c.enc.WriteRecord([]string{ControlField, strings.Repeat(" ", FlushPaddingLength)}); err != nil {
		return "", err
	}
	return token, nil
}

// WriteCalcInterim asks the engine to compute interim results, optionally
// restricted to r.
func (c *ControlWriter) WriteCalcInterim(r TimeRange) error {
	return c.WriteControlMessage(ControlCalcInterim, r.payload())
}

// WriteResetBuckets discards the engine's view of buckets in r.
func (c *ControlWriter) WriteResetBuckets(r TimeRange) error {
	if r.IsZero() {
		return errkind.Newf(errkind.KindConfig, "reset_buckets", "time range required")
	}
	return c.WriteControlMessage(ControlResetBuckets, r.payload())
}

// WriteAdvanceTime moves the engine's clock forward to t, finalising
// buckets that end before it.
func (c *ControlWriter) WriteAdvanceTime(t time.Time) error {
	return c.WriteControlMessage(ControlAdvanceTime, strconv.FormatInt(t.Unix(), 10))
}

// WriteSkipTime moves the engine's clock to t without producing results for
// the skipped interval.
func (c *ControlWriter) WriteSkipTime(t time.Time) error {
	return c.WriteControlMessage(ControlSkipTime, strconv.FormatInt(t.Unix(), 10))
}

// WriteModelPlotConfig replaces the engine's model plot configuration.
// configJSON must be a JSON object.
func (c *ControlWriter) WriteModelPlotConfig(configJSON []byte) error {
	return c.WriteControlMessage(ControlUpdate, updateModelPlotConfig+"\n"+string(configJSON))
}

// WriteDetectorRules replaces the rules of one detector. rulesJSON must be
// a JSON array.
func (c *ControlWriter) WriteDetectorRules(detectorIndex int, rulesJSON []byte) error {
	var b strings.Builder
	b.WriteString(updateDetectorRules)
	b.WriteString("\ndetectorIndex=")
	b.WriteString(strconv.Itoa(detectorIndex))
	b.WriteString("\nrulesJson=")
	b.Write(rulesJSON)
	b.WriteString("\n")
	return c.WriteControlMessage(ControlUpdate, b.String())
}

// IsControl reports whether a decoded record is a control record.
func IsControl(fields []string) bool {
	return len(fields) > 0 && fields[0] == ControlField
}

// ParseControl decodes a control record. Blank payloads (flush padding)
// return ok=false.
func ParseControl(fields []string) (msg ControlMessage, ok bool, err error) {
	if !IsControl(fields) {
		return ControlMessage{}, false, errkind.Newf(errkind.KindProtocol, "parse_control", "not a control record")
	}
	if len(fields) != 2 {
		return ControlMessage{}, false, errkind.Newf(errkind.KindProtocol, "parse_control", "control record has %d fields, want 2", len(fields))
	}
	body := fields[1]
	if strings.TrimSpace(body) == "" {
		return ControlMessage{}, false, nil
	}
	return ControlMessage{Kind: ControlKind(body[0]), Payload: body[1:]}, true, nil
}

// ParseTimeRange decodes a "<start> <end>" payload. An empty payload yields
// the zero range.
func ParseTimeRange(payload string) (TimeRange, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return TimeRange{}, nil
	}
	parts := strings.Fields(payload)
	if len(parts) != 2 {
		return TimeRange{}, fmt.Errorf("time range %q: want two values", payload)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return TimeRange{}, fmt.Errorf("time range start: %w", err)
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return TimeRange{}, fmt.Errorf("time range end: %w", err)
	}
	return TimeRange{Start: start, End: end}, nil
}

// DetectorRulesUpdate is the decoded form of a detector rules update.
type DetectorRulesUpdate struct {
	DetectorIndex int
	RulesJSON     string
}

// ParseUpdate splits an update payload into its section header and body.
// Recognised sections are "modelPlotConfig" and "detectorRules".
func ParseUpdate(payload string) (section, body string, err error) {
	header, rest, found := strings.Cut(payload, "\n")
	if !found || !strings.HasPrefix(header, "[") || !strings.HasSuffix(header, "]") {
		return "", "", fmt.Errorf("update payload missing section header")
	}
	return strings.Trim(header, "[]"), rest, nil
}

// ParseDetectorRules decodes the body of a detectorRules update.
func ParseDetectorRules(body string) (DetectorRulesUpdate, error) {
	var u DetectorRulesUpdate
	seenIndex := false
	for _, line := range strings.Split(body, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "detectorIndex":
			idx, err := strconv.Atoi(value)
			if err != nil {
				return u, fmt.Errorf("detectorIndex: %w", err)
			}
			u.DetectorIndex = idx
			seenIndex = true
		case "rulesJson":
			u.RulesJSON = value
		}
	}
	if !seenIndex {
		return u, fmt.Errorf("detectorIndex missing")
	}
	return u, nil
}
