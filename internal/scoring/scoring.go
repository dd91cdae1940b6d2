// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scoring turns flow records into verdicts using the active model.
// Classification is pure threshold comparison; the thresholds come from
// configuration, never from the model.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/flowsource"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/model"
)

// Class is the verdict classification.
type Class string

const (
	ClassNormal    Class = "normal"
	ClassAnomalous Class = "anomalous"
	ClassHighRisk  Class = "high-risk"
)

// Verdict is one scored flow record.
type Verdict struct {
	Record        flowsource.FlowRecord
	Address       string
	Score         float64
	Class         Class
	ModelTier     model.Tier
	Generation    uint64
	LowConfidence bool
}

// Engine scores batches against whatever model is active at call time. One
// batch is always scored by a single model generation.
type Engine struct {
	cfg    *config.ScoringConfig
	logger *logging.Logger
}

// NewEngine creates a scoring engine.
func NewEngine(cfg *config.ScoringConfig) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logging.WithComponent("scoring"),
	}
}

// Features extracts the feature vector from a flow record in schema order.
// An unknown feature name means the model and the sensor disagree about the
// data shape; that is a schema mismatch, not a scoring result.
func Features(rec flowsource.FlowRecord, schema []string) ([]float64, error) {
	out := make([]float64, len(schema))
	for i, name := range schema {
		switch name {
		case "bytes_in":
			out[i] = rec.BytesIn
		case "bytes_out":
			out[i] = rec.BytesOut
		case "packets_in":
			out[i] = rec.PacketsIn
		case "packets_out":
			out[i] = rec.PacketsOut
		case "duration":
			out[i] = rec.Duration
		case "src_port":
			out[i] = rec.SrcPort
		case "dst_port":
			out[i] = rec.DstPort
		case "protocol":
			out[i] = flowsource.ProtocolCode(rec.Protocol)
		default:
			return nil, errors.Errorf(errors.KindSchemaMismatch, "unknown feature %q in model schema", name)
		}
	}
	return out, nil
}

// CheckSchema verifies up front that every feature the model expects can be
// extracted. A mismatched model must fail the whole batch rather than emit
// garbage verdicts.
func CheckSchema(schema []string) error {
	if len(schema) == 0 {
		return errors.New(errors.KindSchemaMismatch, "model declares an empty feature schema")
	}
	_, err := Features(flowsource.FlowRecord{}, schema)
	return err
}

// Classify maps a score onto a verdict class.
func (e *Engine) Classify(score float64) Class {
	switch {
	case score >= e.cfg.HighRiskThreshold:
		return ClassHighRisk
	case score >= e.cfg.AnomalyThreshold:
		return ClassAnomalous
	default:
		return ClassNormal
	}
}

// ScoreBatch scores every record in the batch against the given model.
// Records are scored concurrently; verdict order matches record order.
func (e *Engine) ScoreBatch(ctx context.Context, am *model.ActiveModel, records []flowsource.FlowRecord) ([]Verdict, error) {
	if am == nil {
		return nil, errors.New(errors.KindModelUnavailable, "no active model")
	}
	schema := am.Model.FeatureSchema
	if err := CheckSchema(schema); err != nil {
		return nil, err
	}

	verdicts := make([]Verdict, len(records))

	g, _ := errgroup.WithContext(ctx)
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, rec := range records {
		g.Go(func() error {
			features, err := Features(rec, schema)
			if err != nil {
				return err
			}
			score := am.Score(features)
			verdicts[i] = Verdict{
				Record:        rec,
				Address:       rec.SrcAddr,
				Score:         score,
				Class:         e.Classify(score),
				ModelTier:     am.Tier,
				Generation:    am.Generation,
				LowConfidence: am.LowConfidence,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return verdicts, nil
}

// Deviation is one feature's contribution to a score, for explanations.
type Deviation struct {
	Feature string  `json:"feature"`
	Sigma   float64 `json:"sigma"`
}

// String renders the deviation the way it appears in alert text.
func (d Deviation) String() string {
	return fmt.Sprintf("%s (%+.1fσ)", d.Feature, d.Sigma)
}

// Explain returns the top-k features by deviation magnitude for a record,
// largest first. The random fallback carries no scaler statistics and
// cannot be explained.
func Explain(am *model.ActiveModel, rec flowsource.FlowRecord, topK int) ([]Deviation, error) {
	if am == nil || am.Scaler == nil || am.Tier == model.TierRandomFallback {
		return nil, errors.New(errors.KindModelUnavailable, "active model has no deviation statistics")
	}
	schema := am.Model.FeatureSchema
	features, err := Features(rec, schema)
	if err != nil {
		return nil, err
	}

	devs := make([]Deviation, 0, len(schema))
	for i, name := range schema {
		devs = append(devs, Deviation{Feature: name, Sigma: am.Scaler.Deviation(i, features[i])})
	}
	sort.SliceStable(devs, func(a, b int) bool {
		return math.Abs(devs[a].Sigma) > math.Abs(devs[b].Sigma)
	})

	if topK > 0 && topK < len(devs) {
		devs = devs[:topK]
	}
	return devs, nil
}
