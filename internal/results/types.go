// Package results defines the messages emitted by the analytics engine on
// its output pipe and a streaming decoder for them.
//
// The output is a JSON array (or a bare sequence) of objects, each tagged
// by exactly one known key:
//
//	[{"bucket":{...}},{"records":[...]},{"flushAck":{"id":"..."}}]
//
// Decoded messages implement Message; consumers type-switch on them.
package results

import "time"

// Bucket is the summary result for one bucket span.
type Bucket struct {
	JobID                    string             `json:"jobId"`
	Timestamp                int64              `json:"timestamp"` // epoch seconds, bucket start
	BucketSpan               int64              `json:"bucketSpan"`
	AnomalyScore             float64            `json:"anomalyScore"`
	InitialAnomalyScore      float64            `json:"initialAnomalyScore"`
	MaxNormalizedProbability float64            `json:"maxNormalizedProbability"`
	RecordCount              int                `json:"recordCount"`
	EventCount               int64              `json:"eventCount"`
	IsInterim                bool               `json:"isInterim,omitempty"`
	BucketInfluencers        []BucketInfluencer `json:"bucketInfluencers,omitempty"`
	ProcessingTimeMs         int64              `json:"processingTimeMs,omitempty"`
}

// Time returns the bucket start time.
func (b *Bucket) Time() time.Time { return time.Unix(b.Timestamp, 0).UTC() }

// BucketInfluencer scores one influencer field within a bucket.
type BucketInfluencer struct {
	InfluencerFieldName string  `json:"influencerFieldName"`
	InitialAnomalyScore float64 `json:"initialAnomalyScore"`
	AnomalyScore        float64 `json:"anomalyScore"`
	RawAnomalyScore     float64 `json:"rawAnomalyScore"`
	Probability         float64 `json:"probability"`
}

// AnomalyRecord is one anomalous observation.
type AnomalyRecord struct {
	JobID                 string    `json:"jobId"`
	Timestamp             int64     `json:"timestamp"`
	BucketSpan            int64     `json:"bucketSpan"`
	DetectorIndex         int       `json:"detectorIndex"`
	Probability           float64   `json:"probability"`
	AnomalyScore          float64   `json:"anomalyScore"`
	NormalizedProbability float64   `json:"normalizedProbability"`
	Function              string    `json:"function,omitempty"`
	FieldName             string    `json:"fieldName,omitempty"`
	ByFieldName           string    `json:"byFieldName,omitempty"`
	ByFieldValue          string    `json:"byFieldValue,omitempty"`
	OverFieldName         string    `json:"overFieldName,omitempty"`
	OverFieldValue        string    `json:"overFieldValue,omitempty"`
	PartitionFieldName    string    `json:"partitionFieldName,omitempty"`
	PartitionFieldValue   string    `json:"partitionFieldValue,omitempty"`
	Typical               []float64 `json:"typical,omitempty"`
	Actual                []float64 `json:"actual,omitempty"`
	IsInterim             bool      `json:"isInterim,omitempty"`
}

// Influencer scores one influencer value within a bucket.
type Influencer struct {
	JobID                string  `json:"jobId"`
	Timestamp            int64   `json:"timestamp"`
	InfluencerFieldName  string  `json:"influencerFieldName"`
	InfluencerFieldValue string  `json:"influencerFieldValue"`
	Probability          float64 `json:"probability"`
	InitialAnomalyScore  float64 `json:"initialAnomalyScore"`
	AnomalyScore         float64 `json:"anomalyScore"`
	IsInterim            bool    `json:"isInterim,omitempty"`
}

// CategoryDefinition describes one message category found by
// categorization.
type CategoryDefinition struct {
	JobID             string   `json:"jobId"`
	CategoryID        int64    `json:"categoryId"`
	Terms             string   `json:"terms"`
	Regex             string   `json:"regex"`
	MaxMatchingLength int64    `json:"maxMatchingLength"`
	Examples          []string `json:"examples,omitempty"`
}

// Memory status values reported in ModelSizeStats.
const (
	MemoryStatusOK        = "ok"
	MemoryStatusSoftLimit = "soft_limit"
	MemoryStatusHardLimit = "hard_limit"
)

// ModelSizeStats reports the engine's model memory usage.
type ModelSizeStats struct {
	JobID                         string `json:"jobId"`
	ModelBytes                    int64  `json:"modelBytes"`
	TotalByFieldCount             int64  `json:"totalByFieldCount"`
	TotalOverFieldCount           int64  `json:"totalOverFieldCount"`
	TotalPartitionFieldCount      int64  `json:"totalPartitionFieldCount"`
	BucketAllocationFailuresCount int64  `json:"bucketAllocationFailuresCount"`
	MemoryStatus                  string `json:"memoryStatus"`
	Timestamp                     int64  `json:"timestamp,omitempty"`
	LogTime                       int64  `json:"logTime,omitempty"`
}

// ModelSnapshot identifies a persisted engine state that a later process
// instance can restore from.
type ModelSnapshot struct {
	JobID                 string          `json:"jobId"`
	SnapshotID            string          `json:"snapshotId"`
	Timestamp             int64           `json:"timestamp"`
	Description           string          `json:"description,omitempty"`
	SnapshotDocCount      int             `json:"snapshotDocCount"`
	LatestRecordTimeStamp int64           `json:"latestRecordTimeStamp,omitempty"`
	LatestResultTimeStamp int64           `json:"latestResultTimeStamp,omitempty"`
	ModelSizeStats        *ModelSizeStats `json:"modelSizeStats,omitempty"`
}

// Quantiles is the engine's normalization state.
type Quantiles struct {
	JobID         string `json:"jobId"`
	Timestamp     int64  `json:"timestamp"`
	QuantileState string `json:"quantileState"`
}

// FlushAcknowledgement echoes the token of a completed flush.
type FlushAcknowledgement struct {
	ID                     string `json:"id"`
	LastFinalizedBucketEnd int64  `json:"lastFinalizedBucketEnd,omitempty"`
}

// ModelPlot is one point of model bounds output.
type ModelPlot struct {
	JobID               string  `json:"jobId"`
	Timestamp           int64   `json:"timestamp"`
	DetectorIndex       int     `json:"detectorIndex"`
	ModelFeature        string  `json:"modelFeature,omitempty"`
	PartitionFieldValue string  `json:"partitionFieldValue,omitempty"`
	ByFieldValue        string  `json:"byFieldValue,omitempty"`
	ModelLower          float64 `json:"modelLower"`
	ModelUpper          float64 `json:"modelUpper"`
	ModelMedian         float64 `json:"modelMedian"`
	Actual              float64 `json:"actual"`
}
