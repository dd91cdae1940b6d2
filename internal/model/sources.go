// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"grimm.is/warden/internal/errors"
)

// ModelFileName and ScalerFileName are the artifact file names inside a tier
// directory and under the remote store prefix.
const (
	ModelFileName  = "model.json"
	ScalerFileName = "scaler.json"
)

// source is one rung of the tier hierarchy. All rungs expose the same
// resolve contract and are tried in fixed rank order.
type source interface {
	tier() Tier
	resolve(ctx context.Context) (*Artifact, *Scaler, Provenance, error)
}

// dirSource serves artifacts from a local directory (the local cache tier and
// the shipped foundation tier).
type dirSource struct {
	t   Tier
	dir string
}

func (d *dirSource) tier() Tier { return d.t }

func (d *dirSource) resolve(_ context.Context) (*Artifact, *Scaler, Provenance, error) {
	if d.dir == "" {
		return nil, nil, Provenance{}, errors.Errorf(errors.KindModelUnavailable,
			"%s tier has no directory configured", d.t)
	}

	modelPath := filepath.Join(d.dir, ModelFileName)
	a, err := LoadArtifact(modelPath)
	if err != nil {
		return nil, nil, Provenance{}, err
	}
	s, err := LoadScaler(filepath.Join(d.dir, ScalerFileName))
	if err != nil {
		return nil, nil, Provenance{}, err
	}
	return a, s, Provenance{Origin: modelPath, CreatedAt: a.CreatedAt}, nil
}

// remoteSource fetches artifacts from the remote personalized store. Each
// fetch is bounded by its own timeout and a success also refreshes the local
// cache directory, so the local-cached tier keeps serving when the store
// goes unreachable later.
type remoteSource struct {
	url      string
	timeout  time.Duration
	cacheDir string
	client   *http.Client
}

func newRemoteSource(url string, timeout time.Duration, cacheDir string) *remoteSource {
	return &remoteSource{
		url:      url,
		timeout:  timeout,
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *remoteSource) tier() Tier { return TierRemotePersonalized }

func (r *remoteSource) resolve(ctx context.Context) (*Artifact, *Scaler, Provenance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	modelData, err := r.fetch(ctx, ModelFileName)
	if err != nil {
		return nil, nil, Provenance{}, err
	}
	scalerData, err := r.fetch(ctx, ScalerFileName)
	if err != nil {
		return nil, nil, Provenance{}, err
	}

	var a Artifact
	if err := json.Unmarshal(modelData, &a); err != nil {
		return nil, nil, Provenance{}, errors.Wrap(err, errors.KindModelUnavailable, "remote model artifact corrupt")
	}
	var s Scaler
	if err := json.Unmarshal(scalerData, &s); err != nil {
		return nil, nil, Provenance{}, errors.Wrap(err, errors.KindModelUnavailable, "remote scaler artifact corrupt")
	}

	r.updateCache(modelData, scalerData)

	return &a, &s, Provenance{Origin: r.url, CreatedAt: a.CreatedAt}, nil
}

func (r *remoteSource) fetch(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+"/"+name, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindModelUnavailable, "invalid remote store request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "remote store fetch of %s failed", name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf(errors.KindModelUnavailable,
			"remote store returned %d for %s", resp.StatusCode, name)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "remote store read of %s failed", name)
	}
	return data, nil
}

// updateCache mirrors a successful fetch into the local cache directory.
// Cache write failures are ignored; the fetched pair is still served.
func (r *remoteSource) updateCache(modelData, scalerData []byte) {
	if r.cacheDir == "" {
		return
	}
	if err := os.MkdirAll(r.cacheDir, 0755); err != nil {
		return
	}
	writeAtomic(filepath.Join(r.cacheDir, ModelFileName), modelData)
	writeAtomic(filepath.Join(r.cacheDir, ScalerFileName), scalerData)
}

func writeAtomic(path string, data []byte) {
	tmp := fmt.Sprintf("%s.tmp", path)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	os.Rename(tmp, path)
}

// randomSource constructs the degenerate last-resort scorer. It has no
// artifact to load, so construction fails only when the declared feature
// schema is itself unusable.
type randomSource struct {
	schema []string
}

func (r *randomSource) tier() Tier { return TierRandomFallback }

func (r *randomSource) resolve(_ context.Context) (*Artifact, *Scaler, Provenance, error) {
	if len(r.schema) == 0 {
		return nil, nil, Provenance{}, errors.New(errors.KindModelUnavailable,
			"random fallback requires a non-empty feature schema")
	}

	n := len(r.schema)
	a := &Artifact{
		Version:       "random-fallback",
		CreatedAt:     time.Now(),
		FeatureSchema: append([]string(nil), r.schema...),
	}
	s := &Scaler{
		Version:       "random-fallback",
		ModelVersion:  a.Version,
		CreatedAt:     a.CreatedAt,
		FeatureSchema: a.FeatureSchema,
		Means:         make([]float64, n),
		Scales:        onesVector(n),
	}
	return a, s, Provenance{Origin: "builtin", CreatedAt: a.CreatedAt}, nil
}

func onesVector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
