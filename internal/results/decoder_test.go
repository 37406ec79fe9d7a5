package results

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-autodetect/internal/errkind"
)

func decodeAll(t *testing.T, input string) ([]Message, error) {
	t.Helper()
	dec := NewDecoder(strings.NewReader(input))
	var out []Message
	for {
		m, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, m)
	}
}

func TestDecodeArrayStream(t *testing.T) {
	input := `[{"bucket":{"jobId":"farequote","timestamp":1359450000,"bucketSpan":3600,"anomalyScore":0.5,"recordCount":1,"eventCount":12,"isInterim":true}}
,{"records":[{"jobId":"farequote","timestamp":1359450000,"detectorIndex":0,"probability":0.01,"function":"mean","isInterim":true}]}
,{"influencers":[{"jobId":"farequote","timestamp":1359450000,"influencerFieldName":"airline","influencerFieldValue":"AAL","probability":0.02}]}
,{"categoryDefinition":{"jobId":"farequote","categoryId":1,"terms":"user logged in","regex":".*?user.+?logged.+?in.*","maxMatchingLength":20,"examples":["user bob logged in"]}}
,{"modelSizeStats":{"jobId":"farequote","modelBytes":1024,"totalByFieldCount":3,"memoryStatus":"ok"}}
,{"modelSnapshot":{"jobId":"farequote","snapshotId":"1359453600","timestamp":1359453600,"snapshotDocCount":2}}
,{"quantiles":{"jobId":"farequote","timestamp":1359453600,"quantileState":"q"}}
,{"modelPlot":{"jobId":"farequote","timestamp":1359450000,"detectorIndex":0,"modelLower":1,"modelUpper":3,"modelMedian":2,"actual":2.5}}
,{"flushAck":{"id":"abc","lastFinalizedBucketEnd":1359453600}}
]`

	msgs, err := decodeAll(t, input)
	require.NoError(t, err)

	want := []Message{
		&Bucket{JobID: "farequote", Timestamp: 1359450000, BucketSpan: 3600, AnomalyScore: 0.5, RecordCount: 1, EventCount: 12, IsInterim: true},
		RecordBatch{{JobID: "farequote", Timestamp: 1359450000, Probability: 0.01, Function: "mean", IsInterim: true}},
		InfluencerBatch{{JobID: "farequote", Timestamp: 1359450000, InfluencerFieldName: "airline", InfluencerFieldValue: "AAL", Probability: 0.02}},
		&CategoryDefinition{JobID: "farequote", CategoryID: 1, Terms: "user logged in", Regex: ".*?user.+?logged.+?in.*", MaxMatchingLength: 20, Examples: []string{"user bob logged in"}},
		&ModelSizeStats{JobID: "farequote", ModelBytes: 1024, TotalByFieldCount: 3, MemoryStatus: MemoryStatusOK},
		&ModelSnapshot{JobID: "farequote", SnapshotID: "1359453600", Timestamp: 1359453600, SnapshotDocCount: 2},
		&Quantiles{JobID: "farequote", Timestamp: 1359453600, QuantileState: "q"},
		&ModelPlot{JobID: "farequote", Timestamp: 1359450000, ModelLower: 1, ModelUpper: 3, ModelMedian: 2, Actual: 2.5},
		&FlushAcknowledgement{ID: "abc", LastFinalizedBucketEnd: 1359453600},
	}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}

	kinds := make([]Kind, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Kind()
	}
	assert.Equal(t, []Kind{KindBucket, KindRecords, KindInfluencers, KindCategoryDefinition,
		KindModelSizeStats, KindModelSnapshot, KindQuantiles, KindModelPlot, KindFlushAck}, kinds)
}

func TestDecodeBareSequence(t *testing.T) {
	input := `{"flushAck":{"id":"1"}} {"flushAck":{"id":"2"}}
{"bucket":{"jobId":"j","timestamp":10}}`

	msgs, err := decodeAll(t, input)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "1", msgs[0].(*FlushAcknowledgement).ID)
	assert.Equal(t, "2", msgs[1].(*FlushAcknowledgement).ID)
	assert.Equal(t, int64(10), msgs[2].(*Bucket).Timestamp)
}

func TestDecodeOrderlyEnd(t *testing.T) {
	tests := []struct {
		name  string
		input string
		count int
	}{
		{"empty stream", "", 0},
		{"whitespace only", "  \n ", 0},
		{"empty array", "[]", 0},
		{"closed array", `[{"flushAck":{"id":"1"}}]`, 1},
		{"array never closed", `[{"flushAck":{"id":"1"}}`, 1},
		{"array never closed after comma", "[{\"flushAck\":{\"id\":\"1\"}},\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := decodeAll(t, tt.input)
			require.NoError(t, err)
			assert.Len(t, msgs, tt.count)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		good  int
	}{
		{"truncated object", `[{"bucket":{"jobId":"j","times`, 0},
		{"syntax error", `[{"flushAck":{"id":"1"}},{"bucket":}]`, 1},
		{"unknown tag", `[{"somethingElse":{}}]`, 0},
		{"two tags", `[{"bucket":{},"quantiles":{}}]`, 0},
		{"wrong payload type", `[{"records":{"not":"an array"}}]`, 0},
		{"non object element", `[42]`, 0},
		{"garbage", `hello`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := decodeAll(t, tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errkind.ErrProtocol), "want protocol error, got %v", err)
			assert.Len(t, msgs, tt.good)
		})
	}
}

func TestDecodeErrorIsSticky(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`[{"nope":1},{"flushAck":{"id":"1"}}]`))
	_, err1 := dec.Next()
	_, err2 := dec.Next()
	require.Error(t, err1)
	assert.Same(t, err1, err2)
}

func TestDecodeIgnoresUnknownSiblingKeys(t *testing.T) {
	msgs, err := decodeAll(t, `[{"flushAck":{"id":"x"},"debug":"ignored"}]`)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindFlushAck, msgs[0].Kind())
}

func TestDecodeReadError(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	w.Close()
	r.Close()

	_, err = NewDecoder(r).Next()
	assert.True(t, errors.Is(err, errkind.ErrIO), "want io error, got %v", err)
}

func TestWriterDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	in := []Message{
		&Bucket{JobID: "j", Timestamp: 3600, BucketSpan: 3600, IsInterim: true},
		RecordBatch{{JobID: "j", Timestamp: 3600, Probability: 0.5}},
		&FlushAcknowledgement{ID: "t1"},
	}
	for _, m := range in {
		require.NoError(t, w.Write(m))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(&FlushAcknowledgement{ID: "late"}), io.ErrClosedPipe)

	out, err := decodeAll(t, buf.String())
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterEmptyClose(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).Close())
	assert.Equal(t, "[]\n", buf.String())
}

func TestInterimFlags(t *testing.T) {
	assert.True(t, (&Bucket{IsInterim: true}).Interim())
	assert.False(t, (&Bucket{}).Interim())
	assert.True(t, RecordBatch{{}, {IsInterim: true}}.Interim())
	assert.False(t, RecordBatch{}.Interim())
	assert.True(t, InfluencerBatch{{IsInterim: true}}.Interim())
	assert.False(t, InfluencerBatch{{}}.Interim())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "flushAck", KindFlushAck.String())
	assert.Equal(t, "categoryDefinition", KindCategoryDefinition.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
