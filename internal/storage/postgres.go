/**
 * PostgreSQL Client for the CurrencyScan Worker
 *
 * Tracks in-flight and finished scan jobs by id. There is no listing
 * query: rows exist so that status lookups survive a Redis flush.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
)

// DefaultSchema is the schema that holds the scan_jobs table
const DefaultSchema = "currencyscan"

// ErrJobNotFound is returned when no row exists for a job id
var ErrJobNotFound = errors.New("job not found")

// PostgresClient handles database operations
type PostgresClient struct {
	db     *sql.DB
	schema string
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	UserID           string
	Filename         string
	MimeType         string
	FileSize         int64
	Status           string
	Verdict          *scorer.Verdict // nil until the job completes
	BlockCount       int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	OCRTierUsed      string
	Metadata         map[string]interface{}
}

// Job is one row of scan_jobs
type Job struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"userId"`
	Filename         string                 `json:"filename"`
	MimeType         string                 `json:"mimeType,omitempty"`
	FileSize         int64                  `json:"fileSize,omitempty"`
	Status           string                 `json:"status"`
	CurrencyType     string                 `json:"currencyType,omitempty"`
	SerialNumber     string                 `json:"serialNumber,omitempty"`
	Confidence       *float64               `json:"confidence,omitempty"`
	IsAuthentic      *bool                  `json:"isAuthentic,omitempty"`
	BlockCount       *int64                 `json:"blockCount,omitempty"`
	ProcessingTimeMs int64                  `json:"processingTimeMs,omitempty"`
	ErrorCode        string                 `json:"errorCode,omitempty"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
	OCRTierUsed      string                 `json:"ocrTierUsed,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// sanitizeConfidence clamps confidence to [0, 100] and rounds to 2 decimals
// so it fits NUMERIC(5,2).
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return math.Round(confidence*100) / 100
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db, schema: DefaultSchema}, nil
}

func (p *PostgresClient) table() string {
	return pq.QuoteIdentifier(p.schema) + ".scan_jobs"
}

// EnsureSchema creates the schema and table if they do not exist
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(p.schema),
		`CREATE TABLE IF NOT EXISTS ` + p.table() + ` (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL DEFAULT 'anonymous',
			filename           TEXT NOT NULL DEFAULT 'unknown.jpg',
			mime_type          TEXT,
			file_size          BIGINT,
			status             TEXT NOT NULL,
			currency_type      TEXT,
			serial_number      TEXT,
			confidence         NUMERIC(5,2),
			is_authentic       BOOLEAN,
			block_count        INTEGER,
			processing_time_ms BIGINT,
			error_code         TEXT,
			error_message      TEXT,
			ocr_tier_used      TEXT,
			metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// UpdateJobStatus upserts the job row. The first update creates it.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update == nil || update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Verdict columns stay NULL until a verdict exists
	var (
		currencyType, serialNumber sql.NullString
		confidence                 sql.NullFloat64
		isAuthentic                sql.NullBool
		blockCount                 sql.NullInt64
	)
	if v := update.Verdict; v != nil {
		currencyType = sql.NullString{String: string(v.CurrencyType), Valid: true}
		serialNumber = sql.NullString{String: v.SerialNumber, Valid: v.SerialNumber != ""}
		confidence = sql.NullFloat64{Float64: sanitizeConfidence(v.Confidence), Valid: true}
		isAuthentic = sql.NullBool{Bool: v.IsAuthentic, Valid: true}
		blockCount = sql.NullInt64{Int64: int64(update.BlockCount), Valid: true}
	}

	table := p.table()
	query := `
		INSERT INTO ` + table + ` (
			id, user_id, filename, mime_type, file_size, status,
			currency_type, serial_number, confidence, is_authentic, block_count,
			processing_time_ms, error_code, error_message, ocr_tier_used, metadata,
			created_at, updated_at
		) VALUES (
			$1, COALESCE(NULLIF($2, ''), 'anonymous'), COALESCE(NULLIF($3, ''), 'unknown.jpg'),
			NULLIF($4, ''), NULLIF($5, 0), $6,
			$7, $8, $9, $10, $11,
			NULLIF($12, 0), NULLIF($13, ''), NULLIF($14, ''), NULLIF($15, ''), $16::jsonb,
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			currency_type = COALESCE(EXCLUDED.currency_type, ` + table + `.currency_type),
			serial_number = COALESCE(EXCLUDED.serial_number, ` + table + `.serial_number),
			confidence = COALESCE(EXCLUDED.confidence, ` + table + `.confidence),
			is_authentic = COALESCE(EXCLUDED.is_authentic, ` + table + `.is_authentic),
			block_count = COALESCE(EXCLUDED.block_count, ` + table + `.block_count),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ` + table + `.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			ocr_tier_used = COALESCE(EXCLUDED.ocr_tier_used, ` + table + `.ocr_tier_used),
			mime_type = COALESCE(EXCLUDED.mime_type, ` + table + `.mime_type),
			file_size = COALESCE(EXCLUDED.file_size, ` + table + `.file_size),
			metadata = ` + table + `.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.UserID,           // $2
		update.Filename,         // $3
		update.MimeType,         // $4
		update.FileSize,         // $5
		update.Status,           // $6
		currencyType,            // $7
		serialNumber,            // $8
		confidence,              // $9
		isAuthentic,             // $10
		blockCount,              // $11
		update.ProcessingTimeMs, // $12
		update.ErrorCode,        // $13
		update.ErrorMessage,     // $14
		update.OCRTierUsed,      // $15
		string(metadataJSON),    // $16
	).Scan(&returnedID)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("failed to update job status (job=%s, status=%s, pg=%s): %w",
				update.JobID, update.Status, pqErr.Code.Name(), err)
		}
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, user_id, filename, mime_type, file_size, status,
			currency_type, serial_number, confidence, is_authentic, block_count,
			processing_time_ms, error_code, error_message, ocr_tier_used,
			metadata, created_at, updated_at
		FROM ` + p.table() + `
		WHERE id = $1
	`

	var (
		job                                    Job
		mimeType, currencyType, serialNumber   sql.NullString
		errorCode, errorMessage, ocrTierUsed   sql.NullString
		fileSize, blockCount, processingTimeMs sql.NullInt64
		confidence                             sql.NullFloat64
		isAuthentic                            sql.NullBool
		metadataJSON                           []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.UserID, &job.Filename, &mimeType, &fileSize, &job.Status,
		&currencyType, &serialNumber, &confidence, &isAuthentic, &blockCount,
		&processingTimeMs, &errorCode, &errorMessage, &ocrTierUsed,
		&metadataJSON, &job.CreatedAt, &job.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	job.MimeType = mimeType.String
	job.FileSize = fileSize.Int64
	job.CurrencyType = currencyType.String
	job.SerialNumber = serialNumber.String
	job.ProcessingTimeMs = processingTimeMs.Int64
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String
	job.OCRTierUsed = ocrTierUsed.String
	if confidence.Valid {
		job.Confidence = &confidence.Float64
	}
	if isAuthentic.Valid {
		job.IsAuthentic = &isAuthentic.Bool
	}
	if blockCount.Valid {
		job.BlockCount = &blockCount.Int64
	}

	return &job, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
