package process

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const (
	// DefaultPersistInterval is the base interval between background model
	// state persists.
	DefaultPersistInterval = 3 * time.Hour

	// DefaultMaxQuantileInterval is the base maximum interval between
	// quantile updates.
	DefaultMaxQuantileInterval = 6 * time.Hour

	// DefaultMaxAnomalyRecords caps the records reported per bucket.
	DefaultMaxAnomalyRecords = 500

	// DefaultTimeField is used when a job does not name its time field.
	DefaultTimeField = "time"

	// maxStagger spreads periodic engine work across jobs.
	maxStagger = time.Hour
)

// Detector describes one analysis function passed to the engine.
type Detector struct {
	Function           string
	FieldName          string
	ByFieldName        string
	OverFieldName      string
	PartitionFieldName string
	ExcludeFrequent    string
	UseNull            bool
}

// Args renders the detector as engine positional arguments, for example
// "mean(responsetime)" "by" "airline".
func (d Detector) Args() []string {
	fn := d.Function
	if d.FieldName != "" {
		fn = fmt.Sprintf("%s(%s)", d.Function, d.FieldName)
	}
	args := []string{fn}
	if d.ByFieldName != "" {
		args = append(args, "by", d.ByFieldName)
	}
	if d.OverFieldName != "" {
		args = append(args, "over", d.OverFieldName)
	}
	if d.PartitionFieldName != "" {
		args = append(args, "partitionfield="+d.PartitionFieldName)
	}
	if d.ExcludeFrequent != "" {
		args = append(args, "excludefrequent="+d.ExcludeFrequent)
	}
	if d.UseNull {
		args = append(args, "usenull=true")
	}
	return args
}

// EngineConfig holds configuration for launching the engine for one job.
type EngineConfig struct {
	// BinaryPath is the path to the engine binary.
	BinaryPath string

	// HomeDir is the engine's home directory, passed as HOME and used for
	// temporary state files.
	HomeDir string

	BucketSpan          time.Duration
	Latency             time.Duration
	Period              time.Duration
	TimeField           string
	SummaryCountField   string
	Detectors           []Detector
	Influencers         []string
	CategorizationField string

	// PersistInterval overrides the staggered default when non-zero.
	PersistInterval time.Duration

	// RestoreSnapshotID restores model state from a snapshot.
	RestoreSnapshotID string

	// QuantilesState is a quantiles document written to a temp file the
	// engine deletes after reading.
	QuantilesState []byte

	// ModelPlotConfig is passed inline as JSON when set.
	ModelPlotConfig string

	MemoryLimitMB     int
	MaxAnomalyRecords int
	IgnoreDowntime    bool

	// ExtraArgs are appended before the detector arguments.
	ExtraArgs []string
}

// Validate checks the fields the engine cannot start without.
func (c *EngineConfig) Validate() error {
	var errs []error
	if c.BinaryPath == "" {
		errs = append(errs, errors.New("engine binary path is required"))
	}
	if c.BucketSpan <= 0 {
		errs = append(errs, errors.New("bucket span must be positive"))
	}
	if c.Latency < 0 {
		errs = append(errs, errors.New("latency must not be negative"))
	}
	if len(c.Detectors) == 0 {
		errs = append(errs, errors.New("at least one detector is required"))
	}
	for i, d := range c.Detectors {
		if d.Function == "" {
			errs = append(errs, fmt.Errorf("detector %d: function is required", i))
		}
	}
	if c.TimeField == "." {
		errs = append(errs, errors.New("time field must not be the control field name"))
	}
	return errors.Join(errs...)
}

// EngineRunner implements Runner for the analytics engine.
type EngineRunner struct {
	config *EngineConfig
}

// NewEngineRunner creates a new engine runner with the given configuration.
func NewEngineRunner(cfg *EngineConfig) *EngineRunner {
	return &EngineRunner{config: cfg}
}

// Name returns the engine binary's base name.
func (r *EngineRunner) Name() string {
	return filepath.Base(r.config.BinaryPath)
}

// Config returns the engine configuration.
func (r *EngineRunner) Config() *EngineConfig {
	return r.config
}

// BuildCommand creates an exec.Cmd for the engine. The environment is
// empty apart from HOME.
func (r *EngineRunner) BuildCommand(jobID string) (*exec.Cmd, error) {
	if err := r.config.Validate(); err != nil {
		return nil, err
	}

	args := r.buildArgs(jobID)
	if len(r.config.QuantilesState) > 0 {
		path, err := r.writeQuantilesState(jobID)
		if err != nil {
			return nil, err
		}
		args = append(args, "--quantilesState="+path, "--deleteStateFiles")
	}
	args = append(args, r.config.ExtraArgs...)
	for _, d := range r.config.Detectors {
		args = append(args, d.Args()...)
	}

	cmd := exec.Command(r.config.BinaryPath, args...)
	cmd.Env = []string{"HOME=" + r.config.HomeDir}
	if r.config.HomeDir != "" {
		cmd.Dir = r.config.HomeDir
	}
	return cmd, nil
}

// buildArgs constructs the engine flags that do not need the filesystem.
func (r *EngineRunner) buildArgs(jobID string) []string {
	c := r.config
	stagger := Stagger(jobID)

	args := []string{
		"--jobid=" + jobID,
		"--bucketspan=" + seconds(c.BucketSpan),
		"--lengthEncodedInput",
		"--timefield=" + timeFieldOrDefault(c.TimeField),
		"--persistFd=" + strconv.Itoa(StateFD),
	}
	if c.Latency > 0 {
		args = append(args, "--latency="+seconds(c.Latency))
	}
	if c.Period > 0 {
		args = append(args, "--period="+seconds(c.Period))
	}
	if c.SummaryCountField != "" {
		args = append(args, "--summarycountfield="+c.SummaryCountField)
	}
	if len(c.Influencers) > 0 {
		args = append(args, "--influencers="+strings.Join(c.Influencers, ","))
	}
	if c.CategorizationField != "" {
		args = append(args, "--categorizationfield="+c.CategorizationField)
	}

	maxRecords := c.MaxAnomalyRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxAnomalyRecords
	}
	args = append(args, "--maxAnomalyRecords="+strconv.Itoa(maxRecords))

	if c.RestoreSnapshotID != "" {
		args = append(args, "--restoreSnapshotId="+c.RestoreSnapshotID)
	}

	persist := c.PersistInterval
	if persist <= 0 {
		persist = DefaultPersistInterval + stagger
	}
	args = append(args,
		"--persistInterval="+seconds(persist),
		"--maxQuantileInterval="+seconds(DefaultMaxQuantileInterval+stagger),
	)

	if c.ModelPlotConfig != "" {
		args = append(args, "--modelplotconfig="+c.ModelPlotConfig)
	}
	if c.MemoryLimitMB > 0 {
		args = append(args, "--memoryLimit="+strconv.Itoa(c.MemoryLimitMB))
	}
	if c.IgnoreDowntime {
		args = append(args, "--ignoreDowntime")
	}
	return args
}

// writeQuantilesState atomically writes the quantiles document into the
// engine's temp directory.
func (r *EngineRunner) writeQuantilesState(jobID string) (string, error) {
	dir := filepath.Join(r.config.HomeDir, "tmp")
	if r.config.HomeDir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, jobID+"_quantiles_"+strconv.FormatInt(time.Now().UnixNano(), 10)+".json")
	if err := renameio.WriteFile(path, r.config.QuantilesState, 0o600); err != nil {
		return "", fmt.Errorf("write quantiles state: %w", err)
	}
	return path, nil
}

// CommandString returns the command that would be executed (for debugging).
func (r *EngineRunner) CommandString(jobID string) string {
	args := r.buildArgs(jobID)
	for _, d := range r.config.Detectors {
		args = append(args, d.Args()...)
	}
	return r.config.BinaryPath + " " + strings.Join(args, " ")
}

// Stagger returns a deterministic offset in [0, 1h) derived from the job
// id. Jobs opened together then persist at different times.
func Stagger(jobID string) time.Duration {
	rng := rand.New(rand.NewSource(JobSeed(jobID)))
	return time.Duration(rng.Int63n(int64(maxStagger/time.Second))) * time.Second
}

// JobSeed returns a stable seed for per-job randomness.
func JobSeed(jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64())
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

func timeFieldOrDefault(field string) string {
	if field == "" {
		return DefaultTimeField
	}
	return field
}
