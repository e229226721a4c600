package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/workflow"
)

// CreateBatch inserts a running batch record
func (db *DB) CreateBatch(ctx context.Context, id uuid.UUID, total int, settings workflow.Settings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO batches (id, status, total, settings)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		id, BatchStatusRunning, total, settingsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// SaveBatchResult stores the outcome of a finished batch: the batch totals,
// one row per prompt and one row per download, in a single transaction.
func (db *DB) SaveBatchResult(ctx context.Context, res *batch.BatchResult, settings workflow.Settings) error {
	id, err := uuid.Parse(res.ID)
	if err != nil {
		return fmt.Errorf("invalid batch id %q: %w", res.ID, err)
	}
	if err := db.CreateBatch(ctx, id, res.Total, settings); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for _, pr := range res.Prompts {
			if err := insertPrompt(ctx, tx, id, pr); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`UPDATE batches
			 SET status = $2, succeeded = $3, failed = $4, stopped = $5, completed_at = $6
			 WHERE id = $1`,
			id, BatchStatus(res.Stopped, res.Succeeded, res.Failed),
			res.Succeeded, res.Failed, res.Stopped, res.Completed,
		)
		if err != nil {
			return fmt.Errorf("failed to complete batch: %w", err)
		}
		return nil
	})
}

func insertPrompt(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, pr batch.PromptResult) error {
	stepsJSON, err := json.Marshal(pr.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO prompt_results (batch_id, prompt_index, prompt, mode, success, recovered,
		                             artifacts, error_class, error_message, steps, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (batch_id, prompt_index) DO UPDATE
		 SET success = $5, error_class = $8, error_message = $9, steps = $10, finished_at = $12`,
		batchID, pr.Index, pr.Prompt, string(pr.Mode), pr.Success, pr.Recovered,
		pr.Artifacts, nullable(pr.ErrorClass), nullable(pr.Error), stepsJSON, pr.Started, pr.Finished,
	)
	if err != nil {
		return fmt.Errorf("failed to save prompt %d: %w", pr.Index, err)
	}

	if pr.Run == nil {
		return nil
	}
	for _, d := range pr.Run.Downloads {
		_, err := tx.Exec(ctx,
			`INSERT INTO downloads (batch_id, prompt_index, address, path, bytes, success, triggered, attempts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			batchID, pr.Index, d.Address, nullable(d.Path), d.Bytes, d.Success, d.Triggered, d.Attempts,
		)
		if err != nil {
			return fmt.Errorf("failed to save download %s: %w", d.Address, err)
		}
	}
	return nil
}

// GetBatch retrieves a batch by ID
func (db *DB) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, status, total, succeeded, failed, stopped, settings, created_at, completed_at
		 FROM batches WHERE id = $1`,
		id,
	)
	b, err := scanBatch(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

// ListBatches retrieves recent batches, newest first
func (db *DB) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, status, total, succeeded, failed, stopped, settings, created_at, completed_at
		 FROM batches ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var settingsJSON []byte
	if err := row.Scan(&b.ID, &b.Status, &b.Total, &b.Succeeded, &b.Failed, &b.Stopped,
		&settingsJSON, &b.CreatedAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	if settingsJSON != nil {
		var s workflow.Settings
		if err := json.Unmarshal(settingsJSON, &s); err == nil {
			b.Settings = &s
		}
	}
	return &b, nil
}

// ListPromptResults retrieves the prompt outcomes of a batch in prompt order
func (db *DB) ListPromptResults(ctx context.Context, batchID uuid.UUID) ([]PromptRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, batch_id, prompt_index, prompt, mode, success, recovered, artifacts,
		        error_class, error_message, steps, started_at, finished_at
		 FROM prompt_results WHERE batch_id = $1 ORDER BY prompt_index`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt results: %w", err)
	}
	defer rows.Close()

	var records []PromptRecord
	for rows.Next() {
		var r PromptRecord
		var stepsJSON []byte
		if err := rows.Scan(&r.ID, &r.BatchID, &r.PromptIndex, &r.Prompt, &r.Mode, &r.Success,
			&r.Recovered, &r.Artifacts, &r.ErrorClass, &r.ErrorMessage, &stepsJSON,
			&r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt result: %w", err)
		}
		if stepsJSON != nil {
			_ = json.Unmarshal(stepsJSON, &r.Steps)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListDownloads retrieves the downloads of a batch
func (db *DB) ListDownloads(ctx context.Context, batchID uuid.UUID) ([]DownloadRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, batch_id, prompt_index, address, path, bytes, success, triggered, attempts, created_at
		 FROM downloads WHERE batch_id = $1 ORDER BY prompt_index, created_at`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var records []DownloadRecord
	for rows.Next() {
		var d DownloadRecord
		if err := rows.Scan(&d.ID, &d.BatchID, &d.PromptIndex, &d.Address, &d.Path, &d.Bytes,
			&d.Success, &d.Triggered, &d.Attempts, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		records = append(records, d)
	}
	return records, rows.Err()
}
