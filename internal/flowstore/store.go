// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flowstore persists batch consumption progress and the verdict
// audit trail to SQLite. Marking a batch processed and recording its
// verdicts happen in one transaction, so a crash either replays the whole
// batch or none of it.
package flowstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// VerdictRecord is one scored flow as applied to the enforcement machine.
type VerdictRecord struct {
	ID            string    `json:"id"`
	Batch         string    `json:"batch"`
	Address       string    `json:"address"`
	Score         float64   `json:"score"`
	Class         string    `json:"class"`
	ModelTier     string    `json:"model_tier"`
	LowConfidence bool      `json:"low_confidence"`
	Enforced      bool      `json:"enforced"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store handles persistence of batch progress and verdicts to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the flow database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open flow db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_batches (
		name TEXT PRIMARY KEY,
		record_count INTEGER NOT NULL,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		processed_at INTEGER NOT NULL -- Unix timestamp
	);
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		batch TEXT NOT NULL,
		address TEXT NOT NULL,
		score REAL NOT NULL,
		class TEXT NOT NULL,
		model_tier TEXT,
		low_confidence INTEGER NOT NULL DEFAULT 0,
		enforced INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_verdicts_batch ON verdicts(batch);
	CREATE INDEX IF NOT EXISTS idx_verdicts_address ON verdicts(address);
	CREATE INDEX IF NOT EXISTS idx_verdicts_time ON verdicts(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// IsProcessed reports whether the named batch has already been consumed.
func (s *Store) IsProcessed(name string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM processed_batches WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records the batch as consumed together with its verdicts,
// atomically. Calling it twice for the same batch is an error by contract;
// the primary key enforces it.
func (s *Store) MarkProcessed(name string, recordCount, skippedCount int, verdicts []VerdictRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO processed_batches (name, record_count, skipped_count, processed_at) VALUES (?, ?, ?, ?)`,
		name, recordCount, skippedCount, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to mark batch %s: %w", name, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO verdicts
		(id, batch, address, score, class, model_tier, low_confidence, enforced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range verdicts {
		if _, err := stmt.Exec(
			v.ID, name, v.Address, v.Score, v.Class, v.ModelTier,
			boolToInt(v.LowConfidence), boolToInt(v.Enforced), v.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("failed to record verdict for %s: %w", v.Address, err)
		}
	}

	return tx.Commit()
}

// ProcessedCount returns the number of consumed batches.
func (s *Store) ProcessedCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM processed_batches`).Scan(&n)
	return n, err
}

// RecentVerdicts returns the latest verdicts, newest first.
func (s *Store) RecentVerdicts(limit int) ([]VerdictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, batch, address, score, class, model_tier, low_confidence, enforced, created_at
		FROM verdicts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerdictRecord
	for rows.Next() {
		var v VerdictRecord
		var lowConf, enforced int
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.Batch, &v.Address, &v.Score, &v.Class, &v.ModelTier,
			&lowConf, &enforced, &createdAt); err != nil {
			return nil, err
		}
		v.LowConfidence = lowConf != 0
		v.Enforced = enforced != 0
		v.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, v)
	}
	return out, rows.Err()
}

// VerdictsForAddress returns the audit trail for one address, newest first.
func (s *Store) VerdictsForAddress(address string, limit int) ([]VerdictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, batch, address, score, class, model_tier, low_confidence, enforced, created_at
		FROM verdicts WHERE address = ? ORDER BY created_at DESC, id DESC LIMIT ?`, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerdictRecord
	for rows.Next() {
		var v VerdictRecord
		var lowConf, enforced int
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.Batch, &v.Address, &v.Score, &v.Class, &v.ModelTier,
			&lowConf, &enforced, &createdAt); err != nil {
			return nil, err
		}
		v.LowConfidence = lowConf != 0
		v.Enforced = enforced != 0
		v.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, v)
	}
	return out, rows.Err()
}

// PruneVerdicts deletes verdicts older than the cutoff.
func (s *Store) PruneVerdicts(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM verdicts WHERE created_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
