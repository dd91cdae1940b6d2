// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model resolves and serves the anomaly-scoring model hierarchy.
//
// A scoring model arrives as a pair of JSON artifacts produced by the
// offline training job: the model itself (per-feature weights over the
// scaled space) and its fitted scaler (per-feature location/spread). The
// pair is versioned 1:1; a model must never be served with a scaler from a
// different training run.
package model

import (
	"encoding/json"
	"math"
	"os"
	"time"

	"grimm.is/warden/internal/errors"
)

// Artifact is a scoring model produced by the training job. The score of a
// flow is the largest absolute scaled deviation across features, optionally
// weighted per feature. Higher means more anomalous.
type Artifact struct {
	Version       string    `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	FeatureSchema []string  `json:"feature_schema"`
	// Weights over the scaled feature space. Empty means uniform.
	Weights []float64 `json:"weights,omitempty"`
}

// Scaler is the deterministic transform fitted offline and applied to raw
// features before scoring. ModelVersion pairs it with its Artifact.
type Scaler struct {
	Version       string    `json:"version"`
	ModelVersion  string    `json:"model_version"`
	CreatedAt     time.Time `json:"created_at"`
	FeatureSchema []string  `json:"feature_schema"`
	Means         []float64 `json:"means"`
	Scales        []float64 `json:"scales"`
}

// Transform maps a raw feature vector into the scaled space.
func (s *Scaler) Transform(raw []float64) []float64 {
	scaled := make([]float64, len(raw))
	for i, v := range raw {
		scale := s.Scales[i]
		if scale == 0 {
			scale = 1
		}
		scaled[i] = (v - s.Means[i]) / scale
	}
	return scaled
}

// Deviation returns the scaled deviation for a single feature index.
func (s *Scaler) Deviation(i int, raw float64) float64 {
	scale := s.Scales[i]
	if scale == 0 {
		scale = 1
	}
	return (raw - s.Means[i]) / scale
}

// LoadArtifact reads and decodes a model artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindModelUnavailable, "model artifact %s unreadable", path)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrapf(err, errors.KindModelUnavailable, "model artifact %s corrupt", path)
	}
	return &a, nil
}

// LoadScaler reads and decodes a scaler artifact file.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindModelUnavailable, "scaler artifact %s unreadable", path)
	}
	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, errors.KindModelUnavailable, "scaler artifact %s corrupt", path)
	}
	return &s, nil
}

// ValidatePair checks shape, schema, and pairing of a model+scaler pair
// against the declared feature schema.
func ValidatePair(a *Artifact, s *Scaler, schema []string) error {
	if a.Version == "" {
		return errors.New(errors.KindModelUnavailable, "model artifact has no version")
	}
	if a.CreatedAt.IsZero() {
		return errors.New(errors.KindModelUnavailable, "model artifact has no creation time")
	}
	if s.ModelVersion != a.Version {
		return errors.Errorf(errors.KindModelUnavailable,
			"scaler %s is paired with model %s, not %s", s.Version, s.ModelVersion, a.Version)
	}
	if !schemaEqual(a.FeatureSchema, schema) {
		return errors.Errorf(errors.KindModelUnavailable,
			"model feature schema %v does not match declared schema %v", a.FeatureSchema, schema)
	}
	if !schemaEqual(s.FeatureSchema, schema) {
		return errors.Errorf(errors.KindModelUnavailable,
			"scaler feature schema %v does not match declared schema %v", s.FeatureSchema, schema)
	}
	n := len(schema)
	if len(s.Means) != n || len(s.Scales) != n {
		return errors.Errorf(errors.KindModelUnavailable,
			"scaler shape %dx%d does not match %d features", len(s.Means), len(s.Scales), n)
	}
	if len(a.Weights) != 0 && len(a.Weights) != n {
		return errors.Errorf(errors.KindModelUnavailable,
			"model weight vector has %d entries for %d features", len(a.Weights), n)
	}
	for i, w := range a.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return errors.Errorf(errors.KindModelUnavailable, "model weight %d is not finite", i)
		}
	}
	return nil
}

func schemaEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
