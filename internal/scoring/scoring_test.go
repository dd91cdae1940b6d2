// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/flowsource"
	"grimm.is/warden/internal/model"
)

var testSchema = []string{"bytes_in", "bytes_out", "packets_in", "packets_out", "duration", "src_port", "dst_port", "protocol"}

func testEngine() *Engine {
	return NewEngine(&config.ScoringConfig{
		AnomalyThreshold:  3.0,
		HighRiskThreshold: 6.0,
		Workers:           4,
	})
}

// unitModel scores each feature as its raw deviation from zero.
func unitModel(schema []string) *model.ActiveModel {
	n := len(schema)
	means := make([]float64, n)
	scales := make([]float64, n)
	for i := range scales {
		scales[i] = 1
	}
	return &model.ActiveModel{
		Tier:       model.TierFoundation,
		Model:      &model.Artifact{Version: "v1", FeatureSchema: schema},
		Scaler:     &model.Scaler{ModelVersion: "v1", FeatureSchema: schema, Means: means, Scales: scales},
		Generation: 1,
	}
}

func TestFeatures_SchemaOrder(t *testing.T) {
	rec := flowsource.FlowRecord{
		BytesIn: 1, BytesOut: 2, PacketsIn: 3, PacketsOut: 4,
		Duration: 5, SrcPort: 6, DstPort: 7, Protocol: "udp",
	}

	features, err := Features(rec, testSchema)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 2}, features)

	// Reordered schema reorders the vector.
	features, err = Features(rec, []string{"dst_port", "bytes_in"})
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 1}, features)
}

func TestFeatures_UnknownFeatureIsSchemaMismatch(t *testing.T) {
	_, err := Features(flowsource.FlowRecord{}, []string{"bytes_in", "entropy"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSchemaMismatch))
}

func TestClassify(t *testing.T) {
	e := testEngine()
	assert.Equal(t, ClassNormal, e.Classify(0))
	assert.Equal(t, ClassNormal, e.Classify(2.99))
	assert.Equal(t, ClassAnomalous, e.Classify(3.0))
	assert.Equal(t, ClassAnomalous, e.Classify(5.99))
	assert.Equal(t, ClassHighRisk, e.Classify(6.0))
	assert.Equal(t, ClassHighRisk, e.Classify(42))
}

func TestScoreBatch(t *testing.T) {
	e := testEngine()
	am := unitModel(testSchema)

	records := []flowsource.FlowRecord{
		{SrcAddr: "10.0.0.5", BytesIn: 1, Protocol: "tcp"},     // max deviation 1 -> normal
		{SrcAddr: "10.0.0.6", BytesOut: 4.5, Protocol: "tcp"},  // -> anomalous
		{SrcAddr: "10.0.0.7", PacketsIn: 20, Protocol: "tcp"},  // -> high-risk
	}

	verdicts, err := e.ScoreBatch(context.Background(), am, records)
	require.NoError(t, err)
	require.Len(t, verdicts, 3)

	// Verdict order matches record order regardless of worker scheduling.
	assert.Equal(t, "10.0.0.5", verdicts[0].Address)
	assert.Equal(t, ClassNormal, verdicts[0].Class)
	assert.Equal(t, ClassAnomalous, verdicts[1].Class)
	assert.Equal(t, ClassHighRisk, verdicts[2].Class)

	for _, v := range verdicts {
		assert.Equal(t, model.TierFoundation, v.ModelTier)
		assert.Equal(t, uint64(1), v.Generation)
		assert.False(t, v.LowConfidence)
	}
}

func TestScoreBatch_SchemaMismatchFailsWholeBatch(t *testing.T) {
	e := testEngine()
	am := unitModel([]string{"bytes_in", "no_such_feature"})
	am.Scaler.Means = []float64{0, 0}
	am.Scaler.Scales = []float64{1, 1}

	_, err := e.ScoreBatch(context.Background(), am, []flowsource.FlowRecord{{SrcAddr: "10.0.0.5"}})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSchemaMismatch))
}

func TestScoreBatch_NoActiveModel(t *testing.T) {
	e := testEngine()
	_, err := e.ScoreBatch(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindModelUnavailable))
}

func TestScoreBatch_LowConfidencePropagates(t *testing.T) {
	e := testEngine()
	am := unitModel(testSchema)
	am.Tier = model.TierRandomFallback
	am.LowConfidence = true

	verdicts, err := e.ScoreBatch(context.Background(), am, []flowsource.FlowRecord{{SrcAddr: "10.0.0.5", Protocol: "tcp"}})
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].LowConfidence)
}

func TestExplain_TopKByMagnitude(t *testing.T) {
	am := unitModel(testSchema)
	rec := flowsource.FlowRecord{
		SrcAddr: "10.0.0.5", BytesIn: 2, PacketsIn: 8,
		Duration: 0.5, Protocol: "tcp",
	}

	devs, err := Explain(am, rec, 2)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "packets_in", devs[0].Feature)
	assert.InDelta(t, 8.0, devs[0].Sigma, 1e-9)
	assert.Equal(t, "bytes_in", devs[1].Feature)

	assert.Equal(t, "packets_in (+8.0σ)", devs[0].String())
}

func TestExplain_RandomFallbackHasNoExplanation(t *testing.T) {
	am := unitModel(testSchema)
	am.Tier = model.TierRandomFallback

	_, err := Explain(am, flowsource.FlowRecord{}, 3)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindModelUnavailable))
}
