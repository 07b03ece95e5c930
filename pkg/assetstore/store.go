package assetstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trailbound/kapp/pkg/contentstore"
	"github.com/trailbound/kapp/pkg/types"
)

// Store owns asset, publishing-attempt and batch rows. All state
// transitions are expressed as conditional updates so concurrent actors
// race safely: the later transition loses and surfaces
// types.ErrInvalidTransition.
type Store struct {
	db      *sqlx.DB
	content contentstore.Store
}

// NewStore creates an asset store over an open database and content store
func NewStore(db *sqlx.DB, content contentstore.Store) *Store {
	return &Store{db: db, content: content}
}

// StuckKind selects which stage budget a stuck-asset query checks
type StuckKind string

const (
	StuckAssigned   StuckKind = "assigned"
	StuckPublishing StuckKind = "publishing"
)

// AttemptResult carries the terminal outcome of a publishing attempt
type AttemptResult struct {
	Status       types.AttemptStatus
	UAL          string
	TxHash       string
	GasUsed      int64
	ErrorType    string
	ErrorMessage string
	Duration     time.Duration
}

// ListOptions filters ListBySource
type ListOptions struct {
	Status types.AssetStatus
	Limit  int
	Offset int
}

// RetryFilter scopes a bulk RetryFailed call
type RetryFilter struct {
	Source      string
	MaxAttempts *int
}

// Register validates the input, offloads content bytes, and inserts the
// asset directly in queued state. No events are fired and nothing is
// enqueued; the queue poller picks the row up on its next cycle.
func (s *Store) Register(ctx context.Context, input *types.RegisterInput) (*types.Asset, error) {
	if len(input.Content) == 0 {
		return nil, &types.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if !json.Valid(input.Content) {
		return nil, &types.ValidationError{Field: "content", Reason: "must be a JSON document"}
	}

	asset := &types.Asset{
		Priority:     types.DefaultPriority,
		Privacy:      types.PrivacyPrivate,
		Epochs:       types.DefaultEpochs,
		Replications: types.DefaultReplications,
		MaxAttempts:  types.DefaultMaxAttempts,
		Status:       types.AssetStatusQueued,
	}

	if m := input.Metadata; m != nil {
		asset.Source = m.Source
		asset.SourceID = m.SourceID
		asset.BatchID = m.BatchID
	}
	if o := input.Options; o != nil {
		if o.Priority != nil {
			asset.Priority = types.ClampPriority(*o.Priority)
		}
		if o.Privacy != nil {
			if *o.Privacy != types.PrivacyPrivate && *o.Privacy != types.PrivacyPublic {
				return nil, &types.ValidationError{Field: "privacy", Reason: "must be private or public"}
			}
			asset.Privacy = *o.Privacy
		}
		if o.Epochs != nil {
			if *o.Epochs < 1 {
				return nil, &types.ValidationError{Field: "epochs", Reason: "must be positive"}
			}
			asset.Epochs = *o.Epochs
		}
		if o.Replications != nil {
			if *o.Replications < 1 {
				return nil, &types.ValidationError{Field: "replications", Reason: "must be positive"}
			}
			asset.Replications = *o.Replications
		}
		if o.MaxAttempts != nil {
			if *o.MaxAttempts < 1 {
				return nil, &types.ValidationError{Field: "maxAttempts", Reason: "must be positive"}
			}
			asset.MaxAttempts = *o.MaxAttempts
		}
	}

	handle, size, err := s.content.Save(bytes.NewReader(input.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to save content: %w", err)
	}
	asset.ContentURL = handle
	asset.ContentSize = size

	now := time.Now().UTC()
	asset.CreatedAt = now
	asset.QueuedAt = &now
	asset.UpdatedAt = now

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		const insert = `
			INSERT INTO assets (content_url, content_size, source, source_id, batch_id,
				priority, privacy, epochs, replications, max_attempts,
				status, created_at, queued_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args := []interface{}{
			asset.ContentURL, asset.ContentSize, asset.Source, asset.SourceID, asset.BatchID,
			asset.Priority, asset.Privacy, asset.Epochs, asset.Replications, asset.MaxAttempts,
			asset.Status, asset.CreatedAt, asset.QueuedAt, asset.UpdatedAt,
		}
		if s.db.DriverName() == "postgres" {
			// Content-addressed handles repeat across rows, so a lookup by
			// content_url cannot identify the inserted row.
			if err := tx.QueryRowxContext(ctx, tx.Rebind(insert+` RETURNING id`), args...).
				Scan(&asset.ID); err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, tx.Rebind(insert), args...)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			asset.ID = id
		}

		if asset.BatchID != nil {
			_, err = tx.ExecContext(ctx, tx.Rebind(
				`UPDATE batches SET total = total + 1, pending = pending + 1 WHERE id = ?`),
				*asset.BatchID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert asset: %w", err)
	}

	return asset, nil
}

// Get returns the asset by id, or types.ErrNotFound
func (s *Store) Get(ctx context.Context, id int64) (*types.Asset, error) {
	var asset types.Asset
	err := s.db.GetContext(ctx, &asset, s.db.Rebind(`SELECT * FROM assets WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load asset: %w", err)
	}
	return &asset, nil
}

// ListBySource returns assets for a source tag, newest first
func (s *Store) ListBySource(ctx context.Context, source string, opts ListOptions) ([]*types.Asset, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT * FROM assets WHERE source = ?`
	args := []interface{}{source}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	var assets []*types.Asset
	if err := s.db.SelectContext(ctx, &assets, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

// PendingForScheduling returns queued assets in scheduling order. Read-only.
func (s *Store) PendingForScheduling(ctx context.Context, limit int) ([]*types.Asset, error) {
	if limit <= 0 {
		return nil, nil
	}
	var assets []*types.Asset
	err := s.db.SelectContext(ctx, &assets, s.db.Rebind(`
		SELECT * FROM assets
		WHERE status = ?
		ORDER BY priority DESC, queued_at ASC
		LIMIT ?`),
		types.AssetStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending assets: %w", err)
	}
	return assets, nil
}

// ClaimForProcessing atomically moves a queued asset to assigned. Returns
// false when the asset was claimed elsewhere, is terminal, or has
// exhausted its retry budget (in which case it is finalized as failed
// here).
func (s *Store) ClaimForProcessing(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE assets
		SET status = ?, assigned_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count < max_attempts`),
		types.AssetStatusAssigned, now, now, id, types.AssetStatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	// Claim lost. Finalize the row if it sits queued with no budget left.
	res, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE assets
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count >= max_attempts`),
		types.AssetStatusFailed, "max retries", now, id, types.AssetStatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to finalize exhausted asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if err := s.settleBatch(ctx, id, false); err != nil {
			return false, err
		}
	}
	return false, nil
}

// MarkPublishing moves an asset into publishing
func (s *Store) MarkPublishing(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE assets
		SET status = ?, publishing_started_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`),
		types.AssetStatusPublishing, now, now, id,
		types.AssetStatusAssigned, types.AssetStatusQueued, types.AssetStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark publishing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("asset %d not in a publishable state: %w", id, types.ErrInvalidTransition)
	}
	return nil
}

// MarkPublished records the successful terminal state. Irreversible.
func (s *Store) MarkPublished(ctx context.Context, id int64, ual, txHash, blockchain string) error {
	if ual == "" {
		return fmt.Errorf("cannot mark asset %d published: %w", id, types.ErrMissingUAL)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE assets
		SET status = ?, ual = ?, transaction_hash = ?, blockchain = ?,
			last_error = '', published_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		types.AssetStatusPublished, ual, txHash, blockchain, now, now,
		id, types.AssetStatusPublishing)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("asset %d not publishing: %w", id, types.ErrInvalidTransition)
	}

	return s.settleBatch(ctx, id, true)
}

// HandleFailure applies retry accounting after a failed attempt. While
// budget remains the asset returns to queued with its wallet cleared;
// otherwise it is finalized. Returns the resulting status.
func (s *Store) HandleFailure(ctx context.Context, id int64, errorMessage string) (types.AssetStatus, error) {
	var result types.AssetStatus

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			RetryCount  int               `db:"retry_count"`
			MaxAttempts int               `db:"max_attempts"`
			Status      types.AssetStatus `db:"status"`
		}
		if err := tx.GetContext(ctx, &row, tx.Rebind(
			`SELECT retry_count, max_attempts, status FROM assets WHERE id = ?`), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("asset %d: %w", id, types.ErrNotFound)
			}
			return err
		}
		if row.Status == types.AssetStatusPublished {
			// Never undo a successful terminal state.
			return fmt.Errorf("asset %d already published: %w", id, types.ErrInvalidTransition)
		}

		now := time.Now().UTC()
		// The failure being handled is attempt retry_count+1; requeue only
		// if another attempt would still fit the budget.
		if row.RetryCount+1 < row.MaxAttempts {
			result = types.AssetStatusQueued
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE assets
				SET status = ?, retry_count = retry_count + 1,
					wallet_id = NULL, assigned_at = NULL, publishing_started_at = NULL,
					next_retry_at = ?, queued_at = ?, last_error = ?, updated_at = ?
				WHERE id = ?`),
				types.AssetStatusQueued, now, now, errorMessage, now, id)
			return err
		}

		result = types.AssetStatusFailed
		final := fmt.Sprintf("Final failure after %d attempts: %s", row.MaxAttempts, errorMessage)
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE assets
			SET status = ?, wallet_id = NULL, assigned_at = NULL,
				publishing_started_at = NULL, last_error = ?, updated_at = ?
			WHERE id = ?`),
			types.AssetStatusFailed, final, now, id); err != nil {
			return err
		}
		return s.settleBatchTx(ctx, tx, id, false)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// StuckAssets returns assets held in a stage longer than its budget
func (s *Store) StuckAssets(ctx context.Context, kind StuckKind, olderThan time.Duration) ([]*types.Asset, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var query string
	switch kind {
	case StuckAssigned:
		query = `SELECT * FROM assets
			WHERE status = 'assigned' AND publishing_started_at IS NULL AND assigned_at < ?`
	case StuckPublishing:
		query = `SELECT * FROM assets
			WHERE status = 'publishing' AND publishing_started_at < ?`
	default:
		return nil, fmt.Errorf("unknown stuck kind: %s", kind)
	}

	var assets []*types.Asset
	if err := s.db.SelectContext(ctx, &assets, s.db.Rebind(query), cutoff); err != nil {
		return nil, fmt.Errorf("failed to select stuck assets: %w", err)
	}
	return assets, nil
}

// ForceRequeue atomically resets a stuck assigned asset back to queued,
// clearing its wallet reference. The conditional predicate makes
// concurrent worker progress win over the rescue.
func (s *Store) ForceRequeue(ctx context.Context, id int64, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE assets
		SET status = ?, wallet_id = NULL, assigned_at = NULL,
			last_error = ?, queued_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND publishing_started_at IS NULL`),
		types.AssetStatusQueued, reason, now, now, id, types.AssetStatusAssigned)
	if err != nil {
		return false, fmt.Errorf("failed to requeue asset: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordAttempt inserts a started attempt row and bumps the asset's
// attempt counter, returning the attempt id and number.
func (s *Store) RecordAttempt(ctx context.Context, assetID int64, wallet *types.Wallet, workerID, otnodeURL string) (int64, int, error) {
	var attemptID int64
	var attemptNumber int

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &attemptNumber, tx.Rebind(
			`SELECT attempt_count + 1 FROM assets WHERE id = ?`), assetID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("asset %d: %w", assetID, types.ErrNotFound)
			}
			return err
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO publishing_attempts (asset_id, attempt_number, worker_id,
				wallet_address, wallet_id, otnode_url, blockchain, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			assetID, attemptNumber, workerID,
			wallet.Address, wallet.ID, otnodeURL, wallet.Blockchain,
			types.AttemptStarted, now)
		if err != nil {
			return err
		}
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			attemptID = id
		} else {
			if err := tx.GetContext(ctx, &attemptID, tx.Rebind(
				`SELECT id FROM publishing_attempts WHERE asset_id = ? AND attempt_number = ?`),
				assetID, attemptNumber); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE assets SET attempt_count = attempt_count + 1, updated_at = ? WHERE id = ?`),
			now, assetID)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return attemptID, attemptNumber, nil
}

// UpdateAttempt settles an attempt with its terminal outcome
func (s *Store) UpdateAttempt(ctx context.Context, attemptID int64, result AttemptResult) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE publishing_attempts
		SET status = ?, ual = ?, transaction_hash = ?, gas_used = ?,
			error_type = ?, error_message = ?, completed_at = ?, duration_seconds = ?
		WHERE id = ?`),
		result.Status, result.UAL, result.TxHash, result.GasUsed,
		result.ErrorType, result.ErrorMessage, now, result.Duration.Seconds(),
		attemptID)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attempt %d: %w", attemptID, types.ErrNotFound)
	}
	return nil
}

// LatestAttempt returns the most recent attempt for an asset, or nil
func (s *Store) LatestAttempt(ctx context.Context, assetID int64) (*types.PublishingAttempt, error) {
	var attempt types.PublishingAttempt
	err := s.db.GetContext(ctx, &attempt, s.db.Rebind(`
		SELECT * FROM publishing_attempts
		WHERE asset_id = ?
		ORDER BY attempt_number DESC LIMIT 1`), assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest attempt: %w", err)
	}
	return &attempt, nil
}

// Attempts returns all attempts for an asset in order
func (s *Store) Attempts(ctx context.Context, assetID int64) ([]*types.PublishingAttempt, error) {
	var attempts []*types.PublishingAttempt
	err := s.db.SelectContext(ctx, &attempts, s.db.Rebind(`
		SELECT * FROM publishing_attempts
		WHERE asset_id = ?
		ORDER BY attempt_number ASC`), assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	return attempts, nil
}

// RetryFailed bulk re-queues failed assets, resetting retry_count to zero.
// attempt_count is never reset; it is the all-time odometer.
func (s *Store) RetryFailed(ctx context.Context, filter RetryFilter) (int64, error) {
	now := time.Now().UTC()

	query := `UPDATE assets
		SET status = ?, retry_count = 0, queued_at = ?, next_retry_at = ?,
			wallet_id = NULL, assigned_at = NULL, publishing_started_at = NULL,
			updated_at = ?`
	args := []interface{}{types.AssetStatusQueued, now, now, now}

	if filter.MaxAttempts != nil {
		query += `, max_attempts = ?`
		args = append(args, *filter.MaxAttempts)
	}
	query += ` WHERE status = ?`
	args = append(args, types.AssetStatusFailed)
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed assets: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountsByStatus returns asset totals per lifecycle status
func (s *Store) CountsByStatus(ctx context.Context) (map[types.AssetStatus]int64, error) {
	rows := []struct {
		Status types.AssetStatus `db:"status"`
		N      int64             `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM assets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count assets: %w", err)
	}

	counts := make(map[types.AssetStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// FailureRate returns failed and total attempt counts completed in the window
func (s *Store) FailureRate(ctx context.Context, window time.Duration) (failed, total int64, err error) {
	cutoff := time.Now().UTC().Add(-window)
	row := struct {
		Failed int64 `db:"failed"`
		Total  int64 `db:"total"`
	}{}
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT
			COUNT(CASE WHEN status IN ('failed', 'timeout') THEN 1 END) AS failed,
			COUNT(*) AS total
		FROM publishing_attempts
		WHERE completed_at IS NOT NULL AND completed_at >= ?`), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute failure rate: %w", err)
	}
	return row.Failed, row.Total, nil
}

// RollupHourly persists an aggregate row for the hour window. Re-running
// the same window replaces the previous row.
func (s *Store) RollupHourly(ctx context.Context, from, to time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		row := struct {
			Total     int64   `db:"total"`
			Succeeded int64   `db:"succeeded"`
			Failed    int64   `db:"failed"`
			TimedOut  int64   `db:"timed_out"`
			AvgDur    float64 `db:"avg_dur"`
		}{}
		err := tx.GetContext(ctx, &row, tx.Rebind(`
			SELECT
				COUNT(*) AS total,
				COUNT(CASE WHEN status = 'success' THEN 1 END) AS succeeded,
				COUNT(CASE WHEN status = 'failed' THEN 1 END) AS failed,
				COUNT(CASE WHEN status = 'timeout' THEN 1 END) AS timed_out,
				COALESCE(AVG(duration_seconds), 0) AS avg_dur
			FROM publishing_attempts
			WHERE completed_at >= ? AND completed_at < ?`), from, to)
		if err != nil {
			return err
		}

		var published int64
		if err := tx.GetContext(ctx, &published, tx.Rebind(
			`SELECT COUNT(*) FROM assets WHERE published_at >= ? AND published_at < ?`),
			from, to); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM metrics_hourly WHERE hour_start = ?`), from); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO metrics_hourly (hour_start, attempts_total, attempts_succeeded,
				attempts_failed, attempts_timed_out, avg_duration_seconds, assets_published)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			from, row.Total, row.Succeeded, row.Failed, row.TimedOut, row.AvgDur, published)
		return err
	})
}

// CreateBatch inserts a batch row
func (s *Store) CreateBatch(ctx context.Context, name, source string) (*types.Batch, error) {
	now := time.Now().UTC()
	batch := &types.Batch{Name: name, Source: source, CreatedAt: now}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO batches (name, source, created_at) VALUES (?, ?, ?)`),
			name, source, now)
		if err != nil {
			return err
		}
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			batch.ID = id
			return nil
		}
		return tx.GetContext(ctx, &batch.ID, tx.Rebind(
			`SELECT id FROM batches WHERE name = ? ORDER BY id DESC LIMIT 1`), name)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return batch, nil
}

// GetBatch returns a batch with its counters
func (s *Store) GetBatch(ctx context.Context, id int64) (*types.Batch, error) {
	var batch types.Batch
	err := s.db.GetContext(ctx, &batch, s.db.Rebind(`SELECT * FROM batches WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return &batch, nil
}

// settleBatch moves one batch counter from pending into published/failed
// for the asset's batch, closing the batch when all assets are settled.
func (s *Store) settleBatch(ctx context.Context, assetID int64, published bool) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.settleBatchTx(ctx, tx, assetID, published)
	})
}

func (s *Store) settleBatchTx(ctx context.Context, tx *sqlx.Tx, assetID int64, published bool) error {
	var batchID sql.NullInt64
	if err := tx.GetContext(ctx, &batchID, tx.Rebind(
		`SELECT batch_id FROM assets WHERE id = ?`), assetID); err != nil {
		return err
	}
	if !batchID.Valid {
		return nil
	}

	col := "failed"
	if published {
		col = "published"
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(
		`UPDATE batches SET pending = pending - 1, %s = %s + 1 WHERE id = ? AND pending > 0`,
		col, col)), batchID.Int64); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE batches SET completed_at = ?
		WHERE id = ? AND completed_at IS NULL AND pending = 0 AND processing = 0`),
		now, batchID.Int64)
	return err
}

// inTx runs fn inside a transaction with commit/rollback handling
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
