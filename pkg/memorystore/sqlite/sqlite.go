// Package sqlite provides a SQLite-backed memorystore driver.
//
// All three per-job records are stored as JSON payloads in plain tables,
// upserted per write so a job's memory is always the last fully persisted
// chunk's view. This is the default backend; the database lives in the
// .koma/ directory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
	"github.com/inkstonelab/koma/pkg/memorystore"
)

// Driver implements memorystore.Driver using SQLite.
type Driver struct {
	db *sql.DB
}

// NewDriver opens or creates a SQLite database at the given path.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewDriver(dbPath string) (*Driver, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A pooled second connection to ":memory:" would open a separate
	// empty database; writes are serialized anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	d := &Driver{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

func (d *Driver) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS character_memory (
		job_id     TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prompt_memory (
		job_id     TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunk_cache (
		job_id     TEXT NOT NULL,
		chunk_idx  INTEGER NOT NULL,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (job_id, chunk_idx)
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// LoadCharacterMemory returns the persisted index for a job.
func (d *Driver) LoadCharacterMemory(ctx context.Context, jobID string) (*identity.Index, error) {
	var payload string
	err := d.db.QueryRowContext(ctx,
		`SELECT payload FROM character_memory WHERE job_id = ?`, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memorystore.ErrNotFound{Key: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading character memory: %w", err)
	}

	index := identity.NewIndex()
	if err := json.Unmarshal([]byte(payload), index); err != nil {
		return nil, fmt.Errorf("decoding character memory: %w", err)
	}

	return index, nil
}

// SaveCharacterMemory overwrites the persisted index for a job.
func (d *Driver) SaveCharacterMemory(ctx context.Context, jobID string, index *identity.Index) error {
	payload, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encoding character memory: %w", err)
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO character_memory (job_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		jobID, string(payload), now())
	if err != nil {
		return fmt.Errorf("saving character memory: %w", err)
	}

	return nil
}

// LoadPromptMemory returns the persisted prompt memory projection.
func (d *Driver) LoadPromptMemory(ctx context.Context, jobID string) (string, error) {
	var payload string
	err := d.db.QueryRowContext(ctx,
		`SELECT payload FROM prompt_memory WHERE job_id = ?`, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", memorystore.ErrNotFound{Key: jobID}
	}
	if err != nil {
		return "", fmt.Errorf("loading prompt memory: %w", err)
	}

	return payload, nil
}

// SavePromptMemory overwrites the prompt memory projection.
func (d *Driver) SavePromptMemory(ctx context.Context, jobID string, promptMemory string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO prompt_memory (job_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		jobID, promptMemory, now())
	if err != nil {
		return fmt.Errorf("saving prompt memory: %w", err)
	}

	return nil
}

// LoadChunkCache returns the cached extraction result for a chunk.
func (d *Driver) LoadChunkCache(ctx context.Context, jobID string, chunkIndex int) (*extract.Result, error) {
	var payload string
	err := d.db.QueryRowContext(ctx,
		`SELECT payload FROM chunk_cache WHERE job_id = ? AND chunk_idx = ?`,
		jobID, chunkIndex).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memorystore.ErrNotFound{Key: fmt.Sprintf("%s/%d", jobID, chunkIndex)}
	}
	if err != nil {
		return nil, fmt.Errorf("loading chunk cache: %w", err)
	}

	var result extract.Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("decoding chunk cache: %w", err)
	}

	return &result, nil
}

// SaveChunkCache stores a validated extraction result for a chunk.
func (d *Driver) SaveChunkCache(ctx context.Context, jobID string, chunkIndex int, result *extract.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding chunk cache: %w", err)
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO chunk_cache (job_id, chunk_idx, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id, chunk_idx) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		jobID, chunkIndex, string(payload), now())
	if err != nil {
		return fmt.Errorf("saving chunk cache: %w", err)
	}

	return nil
}

// Reset discards everything persisted for a job.
func (d *Driver) Reset(ctx context.Context, jobID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"character_memory", "prompt_memory", "chunk_cache"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE job_id = ?`, table), jobID); err != nil {
			return fmt.Errorf("resetting %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// Close closes the underlying database.
func (d *Driver) Close() error {
	return d.db.Close()
}
