// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flowsource consumes the flow batches written by the capture
// sensor. Batches are CSV files in a polled directory; a companion marker
// file distinguishes fully written batches from in-progress ones. Progress
// is tracked through a durable ledger so no batch is scored twice and no
// batch is dropped on crash.
package flowsource

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/flowstore"
	"grimm.is/warden/internal/logging"
)

// FlowRecord is one aggregated observation window for a source address.
type FlowRecord struct {
	WindowStart time.Time
	SrcAddr     string
	DstAddr     string
	BytesIn     float64
	BytesOut    float64
	PacketsIn   float64
	PacketsOut  float64
	Duration    float64
	SrcPort     float64
	DstPort     float64
	Protocol    string
}

// ProtocolCode maps a protocol name to its numeric feature value.
func ProtocolCode(proto string) float64 {
	switch strings.ToUpper(proto) {
	case "TCP":
		return 1
	case "UDP":
		return 2
	case "ICMP":
		return 3
	case "IGMP":
		return 4
	default:
		return 5
	}
}

// Batch is one fully parsed flow batch.
type Batch struct {
	Name    string
	Records []FlowRecord
	Skipped int // malformed records dropped during parse
}

// Ledger tracks consumption progress durably.
type Ledger interface {
	IsProcessed(name string) (bool, error)
	MarkProcessed(name string, recordCount, skippedCount int, verdicts []flowstore.VerdictRecord) error
}

// Reader polls the batch directory. It never blocks waiting for new data
// and never re-reads a consumed batch. Consecutive read failures past the
// configured ceiling latch the reader into backoff until an operator resets
// it: fatal for automation, recoverable by hand.
type Reader struct {
	cfg    *config.FlowsConfig
	ledger Ledger
	logger *logging.Logger

	mu         sync.Mutex
	errorCount int
	latched    bool
}

// NewReader creates a reader over the configured batch directory.
func NewReader(cfg *config.FlowsConfig, ledger Ledger) *Reader {
	return &Reader{
		cfg:    cfg,
		ledger: ledger,
		logger: logging.WithComponent("flowsource"),
	}
}

// Backoff reports whether the reader has latched after too many failures.
func (r *Reader) Backoff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latched
}

// ErrorCount returns the current consecutive-failure count.
func (r *Reader) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorCount
}

// Reset clears the backoff latch and the error counter. Operator action.
func (r *Reader) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latched {
		r.logger.Info("Reader backoff latch cleared by operator")
	}
	r.latched = false
	r.errorCount = 0
}

// NextBatch returns the oldest available unprocessed batch, or nil when
// there is none. The batch is not marked consumed here; the caller applies
// all verdicts first and then calls MarkConsumed.
func (r *Reader) NextBatch() (*Batch, error) {
	r.mu.Lock()
	if r.latched {
		r.mu.Unlock()
		return nil, errors.New(errors.KindBatchRead, "reader is in backoff; manual reset required")
	}
	r.mu.Unlock()

	name, err := r.nextAvailable()
	if err != nil {
		return nil, r.recordFailure(err)
	}
	if name == "" {
		r.recordSuccess()
		return nil, nil
	}

	batch, err := r.parseBatch(name)
	if err != nil {
		return nil, r.recordFailure(err)
	}

	r.recordSuccess()
	return batch, nil
}

// PendingCount returns how many completed batches await processing. Used by
// health monitoring to detect backlog growth.
func (r *Reader) PendingCount() (int, error) {
	names, err := r.availableNames()
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, name := range names {
		processed, err := r.ledger.IsProcessed(name)
		if err != nil {
			return 0, err
		}
		if !processed {
			pending++
		}
	}
	return pending, nil
}

// MarkConsumed durably records the batch as consumed along with the applied
// verdicts. Must be called only after every verdict has been applied.
func (r *Reader) MarkConsumed(batch *Batch, verdicts []flowstore.VerdictRecord) error {
	if err := r.ledger.MarkProcessed(batch.Name, len(batch.Records), batch.Skipped, verdicts); err != nil {
		return errors.Wrapf(err, errors.KindBatchRead, "failed to mark batch %s consumed", batch.Name)
	}
	r.logger.Debug("Batch consumed", "batch", batch.Name, "records", len(batch.Records), "skipped", batch.Skipped)
	return nil
}

func (r *Reader) recordFailure(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCount++
	if r.errorCount >= r.cfg.ErrorCeiling && !r.latched {
		r.latched = true
		r.logger.Error("Reader error ceiling reached, latching into backoff",
			"errors", r.errorCount, "ceiling", r.cfg.ErrorCeiling)
	}
	return err
}

func (r *Reader) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCount = 0
}

// availableNames lists completed batch files, oldest name first. A batch is
// available once its marker file exists.
func (r *Reader) availableNames() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindBatchRead, "failed to list batch directory %s", r.cfg.Dir)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, r.cfg.ReadyMarker) {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.cfg.Dir, name+r.cfg.ReadyMarker)); err != nil {
			continue // still being written
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Reader) nextAvailable() (string, error) {
	names, err := r.availableNames()
	if err != nil {
		return "", err
	}
	for _, name := range names {
		processed, err := r.ledger.IsProcessed(name)
		if err != nil {
			return "", errors.Wrapf(err, errors.KindBatchRead, "failed to check ledger for %s", name)
		}
		if !processed {
			return name, nil
		}
	}
	return "", nil
}

// parseBatch reads one CSV batch. A malformed record is skipped and
// counted; it never aborts the batch.
func (r *Reader) parseBatch(name string) (*Batch, error) {
	f, err := os.Open(filepath.Join(r.cfg.Dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindBatchRead, "failed to open batch %s", name)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	batch := &Batch{Name: name}
	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn row is a malformed record, not a batch failure.
			batch.Skipped++
			continue
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == "window_start" {
				continue // header
			}
		}

		rec, ok := parseRow(row)
		if !ok {
			batch.Skipped++
			continue
		}
		batch.Records = append(batch.Records, rec)
	}

	if batch.Skipped > 0 {
		r.logger.Warn("Skipped malformed flow records", "batch", name, "skipped", batch.Skipped)
	}
	return batch, nil
}

// Column layout written by the sensor:
// window_start,src_addr,dst_addr,bytes_in,bytes_out,packets_in,packets_out,duration,src_port,dst_port,protocol
func parseRow(row []string) (FlowRecord, bool) {
	if len(row) != 11 {
		return FlowRecord{}, false
	}

	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return FlowRecord{}, false
	}
	if row[1] == "" {
		return FlowRecord{}, false
	}

	nums := make([]float64, 7)
	for i, idx := range []int{3, 4, 5, 6, 7, 8, 9} {
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil || v < 0 {
			return FlowRecord{}, false
		}
		nums[i] = v
	}

	return FlowRecord{
		WindowStart: ts,
		SrcAddr:     row[1],
		DstAddr:     row[2],
		BytesIn:     nums[0],
		BytesOut:    nums[1],
		PacketsIn:   nums[2],
		PacketsOut:  nums[3],
		Duration:    nums[4],
		SrcPort:     nums[5],
		DstPort:     nums[6],
		Protocol:    row[10],
	}, true
}
