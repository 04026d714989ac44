package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ucr-scraper/models"

	"github.com/google/uuid"
)

// Batch statuses.
const (
	StatusCreated    = "created"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// UserSettings holds per-user defaults for the bot.
type UserSettings struct {
	UserID     int64
	AcctKey    string
	Percentile string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Batch is a queued lookup batch submitted through the bot.
type Batch struct {
	ID                uuid.UUID
	UserID            int64
	ChatID            int64
	TelegramMessageID int
	Payload           []byte
	Status            string // "created", "in_progress", "done", "failed"
	TotalProcessed    int
	Successful        int
	Failed            int
	SheetName         sql.NullString
	LastError         sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const batchColumns = `id, user_id, chat_id, telegram_message_id, payload, status,
	total_processed, successful, failed, sheet_name, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	err := row.Scan(
		&b.ID, &b.UserID, &b.ChatID, &b.TelegramMessageID, &b.Payload, &b.Status,
		&b.TotalProcessed, &b.Successful, &b.Failed, &b.SheetName, &b.LastError, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetUserSettings retrieves user settings, creating an empty row if none exists
func (db *DB) GetUserSettings(ctx context.Context, userID int64) (*UserSettings, error) {
	var s UserSettings
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO user_settings (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, acct_key, percentile, created_at, updated_at
	`, userID).Scan(&s.UserID, &s.AcctKey, &s.Percentile, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load user settings: %w", err)
	}
	return &s, nil
}

// UpdateUserAcctKey stores the account key a user looks up with
func (db *DB) UpdateUserAcctKey(ctx context.Context, userID int64, acctKey string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, acct_key) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET acct_key = $2, updated_at = CURRENT_TIMESTAMP
	`, userID, acctKey)
	return err
}

// UpdateUserPercentile stores the dropdown percentile a user requests; empty
// means the default sweep
func (db *DB) UpdateUserPercentile(ctx context.Context, userID int64, percentile string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, percentile) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET percentile = $2, updated_at = CURRENT_TIMESTAMP
	`, userID, percentile)
	return err
}

// CreateBatch queues a batch with status 'created'
func (db *DB) CreateBatch(ctx context.Context, userID, chatID int64, telegramMessageID int, payload []byte) (*Batch, error) {
	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO batches (id, user_id, chat_id, telegram_message_id, payload, status)
		VALUES ($1, $2, $3, $4, $5, 'created')
		RETURNING `+batchColumns,
		uuid.New(), userID, chatID, telegramMessageID, string(payload))
	b, err := scanBatch(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return b, nil
}

// ClaimNextBatch marks the oldest 'created' batch as in progress and returns
// it. It returns nil when the queue is empty.
func (db *DB) ClaimNextBatch(ctx context.Context) (*Batch, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE batches
		SET status = 'in_progress', updated_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM batches
			WHERE status = 'created'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+batchColumns)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	return b, nil
}

// RequeueInterrupted returns batches left in progress by a previous run to
// the queue and reports how many there were
func (db *DB) RequeueInterrupted(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE batches
		SET status = 'created', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'in_progress'
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateBatchStatus updates the status of a batch; lastError may be empty
func (db *DB) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status, lastError string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE batches
		SET status = $1, last_error = NULLIF($2, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`, status, lastError, id)
	return err
}

// UpdateBatchSheetName updates the sheet name for a batch
func (db *DB) UpdateBatchSheetName(ctx context.Context, id uuid.UUID, sheetName string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE batches
		SET sheet_name = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`, sheetName, id)
	return err
}

// SaveReport stores every result of a batch and its totals in one transaction
func (db *DB) SaveReport(ctx context.Context, id uuid.UUID, report models.BatchReport) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lookup_results (batch_id, line_number, procedure_code, zip_code, service_date, percentiles, currency, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (batch_id, line_number) DO UPDATE SET
			procedure_code = EXCLUDED.procedure_code,
			zip_code = EXCLUDED.zip_code,
			service_date = EXCLUDED.service_date,
			percentiles = EXCLUDED.percentiles,
			currency = EXCLUDED.currency,
			error = EXCLUDED.error
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range report.Results {
		percentiles, err := encodePercentiles(r.Percentiles)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, id, r.LineNumber, r.ProcedureCode, r.ZipCode, r.Date, string(percentiles), r.Currency, r.Error); err != nil {
			return fmt.Errorf("failed to save result for line %d: %w", r.LineNumber, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batches
		SET total_processed = $1, successful = $2, failed = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4
	`, report.TotalProcessed, report.Successful, report.Failed, id)
	if err != nil {
		return fmt.Errorf("failed to update batch totals: %w", err)
	}

	return tx.Commit()
}

// GetBatchReport rebuilds a stored report in line order
func (db *DB) GetBatchReport(ctx context.Context, id uuid.UUID) (models.BatchReport, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT line_number, procedure_code, zip_code, service_date, percentiles, currency, COALESCE(error, '')
		FROM lookup_results
		WHERE batch_id = $1
		ORDER BY line_number
	`, id)
	if err != nil {
		return models.BatchReport{}, err
	}
	defer rows.Close()

	var results []models.LookupResult
	for rows.Next() {
		var r models.LookupResult
		var percentiles []byte
		if err := rows.Scan(&r.LineNumber, &r.ProcedureCode, &r.ZipCode, &r.Date, &percentiles, &r.Currency, &r.Error); err != nil {
			return models.BatchReport{}, err
		}
		if r.Percentiles, err = decodePercentiles(percentiles); err != nil {
			return models.BatchReport{}, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return models.BatchReport{}, err
	}
	return models.NewBatchReport(results), nil
}

func encodePercentiles(p models.PercentileRecord) ([]byte, error) {
	if p == nil {
		p = models.PercentileRecord{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode percentiles: %w", err)
	}
	return data, nil
}

func decodePercentiles(data []byte) (models.PercentileRecord, error) {
	p := models.PercentileRecord{}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode percentiles: %w", err)
	}
	return p, nil
}
