// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/flowstore"
)

const sampleHeader = "window_start,src_addr,dst_addr,bytes_in,bytes_out,packets_in,packets_out,duration,src_port,dst_port,protocol\n"

func testFlowsConfig(dir string) *config.FlowsConfig {
	return &config.FlowsConfig{
		Dir:          dir,
		ErrorCeiling: 3,
		ReadyMarker:  ".ready",
	}
}

func writeBatch(t *testing.T, dir, name, content string, ready bool) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	if ready {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".ready"), nil, 0644))
	}
}

func openTestLedger(t *testing.T) *flowstore.Store {
	t.Helper()
	s, err := flowstore.Open(filepath.Join(t.TempDir(), "flows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextBatch_ParsesRecords(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "flows-0001.csv", sampleHeader+
		"2026-08-01T12:00:00Z,10.0.0.5,192.168.1.1,1200,400,10,8,2.5,44123,443,TCP\n"+
		"2026-08-01T12:00:00Z,10.0.0.6,192.168.1.1,90,30,2,2,0.1,51000,53,UDP\n", true)

	r := NewReader(testFlowsConfig(dir), openTestLedger(t))
	batch, err := r.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "flows-0001.csv", batch.Name)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, 0, batch.Skipped)

	rec := batch.Records[0]
	assert.Equal(t, "10.0.0.5", rec.SrcAddr)
	assert.Equal(t, float64(1200), rec.BytesIn)
	assert.Equal(t, float64(443), rec.DstPort)
	assert.Equal(t, "TCP", rec.Protocol)
}

func TestNextBatch_SkipsIncompleteBatches(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "flows-0001.csv", sampleHeader, false) // no marker yet

	r := NewReader(testFlowsConfig(dir), openTestLedger(t))
	batch, err := r.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestNextBatch_SkipsMalformedRecords(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "flows-0001.csv", sampleHeader+
		"2026-08-01T12:00:00Z,10.0.0.5,192.168.1.1,1200,400,10,8,2.5,44123,443,TCP\n"+
		"not-a-timestamp,10.0.0.6,192.168.1.1,90,30,2,2,0.1,51000,53,UDP\n"+
		"2026-08-01T12:00:00Z,10.0.0.7,192.168.1.1,-5,30,2,2,0.1,51000,53,UDP\n"+
		"2026-08-01T12:00:00Z,10.0.0.8\n", true)

	r := NewReader(testFlowsConfig(dir), openTestLedger(t))
	batch, err := r.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Len(t, batch.Records, 1)
	assert.Equal(t, 3, batch.Skipped)
}

func TestNextBatch_OldestFirstAndNoReplay(t *testing.T) {
	dir := t.TempDir()
	ledger := openTestLedger(t)
	writeBatch(t, dir, "flows-0002.csv", sampleHeader, true)
	writeBatch(t, dir, "flows-0001.csv", sampleHeader+
		"2026-08-01T12:00:00Z,10.0.0.5,192.168.1.1,1,1,1,1,0.1,1,1,TCP\n", true)

	r := NewReader(testFlowsConfig(dir), ledger)
	batch, err := r.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "flows-0001.csv", batch.Name)

	require.NoError(t, r.MarkConsumed(batch, nil))

	batch, err = r.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "flows-0002.csv", batch.Name)
	require.NoError(t, r.MarkConsumed(batch, nil))

	batch, err = r.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestNextBatch_BackoffLatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testFlowsConfig(dir)
	r := NewReader(cfg, openTestLedger(t))

	// Remove the directory so listing fails.
	require.NoError(t, os.Remove(dir))

	for i := 0; i < cfg.ErrorCeiling; i++ {
		_, err := r.NextBatch()
		require.Error(t, err)
	}
	assert.True(t, r.Backoff())

	// Latched: refuses further work even after the directory returns.
	require.NoError(t, os.MkdirAll(dir, 0755))
	_, err := r.NextBatch()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBatchRead))

	// Manual reset recovers.
	r.Reset()
	assert.False(t, r.Backoff())
	batch, err := r.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Equal(t, 0, r.ErrorCount())
}

func TestNextBatch_SuccessResetsErrorCount(t *testing.T) {
	dir := t.TempDir()
	cfg := testFlowsConfig(dir)
	r := NewReader(cfg, openTestLedger(t))

	require.NoError(t, os.Remove(dir))
	_, err := r.NextBatch()
	require.Error(t, err)
	assert.Equal(t, 1, r.ErrorCount())

	require.NoError(t, os.MkdirAll(dir, 0755))
	_, err = r.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, 0, r.ErrorCount())
	assert.False(t, r.Backoff())
}

func TestPendingCount(t *testing.T) {
	dir := t.TempDir()
	ledger := openTestLedger(t)
	writeBatch(t, dir, "flows-0001.csv", sampleHeader, true)
	writeBatch(t, dir, "flows-0002.csv", sampleHeader, true)
	writeBatch(t, dir, "flows-0003.csv", sampleHeader, false)

	r := NewReader(testFlowsConfig(dir), ledger)
	pending, err := r.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	batch, err := r.NextBatch()
	require.NoError(t, err)
	require.NoError(t, r.MarkConsumed(batch, nil))

	pending, err = r.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestProtocolCode(t *testing.T) {
	assert.Equal(t, float64(1), ProtocolCode("tcp"))
	assert.Equal(t, float64(2), ProtocolCode("UDP"))
	assert.Equal(t, float64(3), ProtocolCode("icmp"))
	assert.Equal(t, float64(5), ProtocolCode("gre"))
}
