package results

// Kind discriminates the variants of Message.
type Kind int

const (
	KindBucket Kind = iota + 1
	KindRecords
	KindInfluencers
	KindCategoryDefinition
	KindModelSizeStats
	KindModelSnapshot
	KindQuantiles
	KindFlushAck
	KindModelPlot
)

// kindTags maps each Kind to the JSON key that tags it on the wire.
var kindTags = map[Kind]string{
	KindBucket:             "bucket",
	KindRecords:            "records",
	KindInfluencers:        "influencers",
	KindCategoryDefinition: "categoryDefinition",
	KindModelSizeStats:     "modelSizeStats",
	KindModelSnapshot:      "modelSnapshot",
	KindQuantiles:          "quantiles",
	KindFlushAck:           "flushAck",
	KindModelPlot:          "modelPlot",
}

var tagKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindTags))
	for k, tag := range kindTags {
		m[tag] = k
	}
	return m
}()

// String returns the wire tag of the kind.
func (k Kind) String() string {
	if tag, ok := kindTags[k]; ok {
		return tag
	}
	return "unknown"
}

// Message is one decoded result. The concrete type is one of *Bucket,
// RecordBatch, InfluencerBatch, *CategoryDefinition, *ModelSizeStats,
// *ModelSnapshot, *Quantiles, *FlushAcknowledgement or *ModelPlot.
type Message interface {
	Kind() Kind
	isMessage()
}

// Scored is implemented by the messages that carry interim/final
// semantics: buckets, record batches and influencer batches.
type Scored interface {
	Message
	Interim() bool
}

// RecordBatch is a group of anomaly records emitted together.
type RecordBatch []AnomalyRecord

// InfluencerBatch is a group of influencers emitted together.
type InfluencerBatch []Influencer

func (*Bucket) Kind() Kind               { return KindBucket }
func (RecordBatch) Kind() Kind           { return KindRecords }
func (InfluencerBatch) Kind() Kind       { return KindInfluencers }
func (*CategoryDefinition) Kind() Kind   { return KindCategoryDefinition }
func (*ModelSizeStats) Kind() Kind       { return KindModelSizeStats }
func (*ModelSnapshot) Kind() Kind        { return KindModelSnapshot }
func (*Quantiles) Kind() Kind            { return KindQuantiles }
func (*FlushAcknowledgement) Kind() Kind { return KindFlushAck }
func (*ModelPlot) Kind() Kind            { return KindModelPlot }

func (*Bucket) isMessage()               {}
func (RecordBatch) isMessage()           {}
func (InfluencerBatch) isMessage()       {}
func (*CategoryDefinition) isMessage()   {}
func (*ModelSizeStats) isMessage()       {}
func (*ModelSnapshot) isMessage()        {}
func (*Quantiles) isMessage()            {}
func (*FlushAcknowledgement) isMessage() {}
func (*ModelPlot) isMessage()            {}

// Interim reports whether the bucket is provisional.
func (b *Bucket) Interim() bool { return b.IsInterim }

// Interim reports whether any record in the batch is provisional. The
// engine never mixes interim and final records in one batch.
func (r RecordBatch) Interim() bool {
	for i := range r {
		if r[i].IsInterim {
			return true
		}
	}
	return false
}

// Interim reports whether any influencer in the batch is provisional.
func (in InfluencerBatch) Interim() bool {
	for i := range in {
		if in[i].IsInterim {
			return true
		}
	}
	return false
}
