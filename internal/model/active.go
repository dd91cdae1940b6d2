// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"hash/fnv"
	"math"
	"time"
)

// Tier ranks the sources a scoring model can come from, most specialized
// first. Resolution tries tiers in rank order and activates the first that
// satisfies the validity and age constraints.
type Tier int

const (
	TierRemotePersonalized Tier = iota
	TierLocalCached
	TierFoundation
	TierRandomFallback
)

func (t Tier) String() string {
	switch t {
	case TierRemotePersonalized:
		return "remote-personalized"
	case TierLocalCached:
		return "local-cached"
	case TierFoundation:
		return "foundation"
	case TierRandomFallback:
		return "random-fallback"
	default:
		return "unknown"
	}
}

// Provenance records where the active artifact came from.
type Provenance struct {
	Origin     string    `json:"origin"` // path or URL
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ActiveModel is an immutable model+scaler pair plus its selection metadata.
// The whole struct is swapped atomically on refresh; a scorer holding a
// reference keeps a consistent pair for the duration of its batch.
type ActiveModel struct {
	Tier       Tier
	Model      *Artifact
	Scaler     *Scaler
	Provenance Provenance
	Generation uint64

	// LowConfidence is set when the random-fallback tier is serving, so
	// downstream logic can treat verdicts accordingly.
	LowConfidence bool
}

// Score returns the anomaly score for a raw feature vector: the largest
// absolute scaled deviation across features, weighted per feature. The
// random-fallback tier has no learned baseline and scores from a hash of
// the input instead.
func (am *ActiveModel) Score(raw []float64) float64 {
	if am.Tier == TierRandomFallback {
		return fallbackScore(raw)
	}

	scaled := am.Scaler.Transform(raw)
	score := 0.0
	for i, v := range scaled {
		w := 1.0
		if len(am.Model.Weights) > 0 {
			w = am.Model.Weights[i]
		}
		if s := math.Abs(v * w); s > score {
			score = s
		}
	}
	return score
}

// FeatureCount returns the expected feature vector length.
func (am *ActiveModel) FeatureCount() int {
	return len(am.Model.FeatureSchema)
}

// fallbackScore derives a deterministic pseudo-score in [0, 1) from the
// feature vector. It sits far below any sane anomaly threshold, so the
// degenerate tier observes traffic without ever voting to block.
func fallbackScore(raw []float64) float64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range raw {
		bits := math.Float64bits(v)
		for i := 0; i < 8; i++ {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
	}
	return float64(h.Sum64()%1000) / 1000.0
}
