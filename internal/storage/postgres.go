/**
 * PostgreSQL Client for the BOL extraction worker
 *
 * Persists one row per extraction job: status, scores, extracted fields and
 * the duplicate-detection outcome.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrJobNotFound is returned when no job row exists for an ID.
var ErrJobNotFound = errors.New("job not found")

// Job statuses
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update. Zero values leave the stored
// column untouched.
type JobUpdate struct {
	JobID              string
	Status             string
	Filename           string
	MimeType           string
	QualityScore       int
	AverageConfidence  float64
	PageCount          int
	ProcessingTimeMs   int64
	ExtractedFields    map[string]string
	FingerprintPointID string
	DuplicateOf        string
	DuplicateScore     float64
	ErrorCode          string
	ErrorType          string
	ErrorMessage       string
	Metadata           map[string]interface{}
}

// JobRecord is a stored job row.
type JobRecord struct {
	ID                 string                 `json:"id"`
	Status             string                 `json:"status"`
	Filename           string                 `json:"filename,omitempty"`
	MimeType           string                 `json:"mimeType,omitempty"`
	QualityScore       *int                   `json:"qualityScore,omitempty"`
	AverageConfidence  *float64               `json:"averageConfidence,omitempty"`
	PageCount          *int                   `json:"pageCount,omitempty"`
	ProcessingTimeMs   *int64                 `json:"processingTimeMs,omitempty"`
	ExtractedFields    map[string]string      `json:"extractedFields,omitempty"`
	FieldsFound        []string               `json:"fieldsFound,omitempty"`
	FingerprintPointID string                 `json:"fingerprintPointId,omitempty"`
	DuplicateOf        string                 `json:"duplicateOf,omitempty"`
	DuplicateScore     *float64               `json:"duplicateScore,omitempty"`
	ErrorCode          string                 `json:"errorCode,omitempty"`
	ErrorType          string                 `json:"errorType,omitempty"`
	ErrorMessage       string                 `json:"errorMessage,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

// sanitizeScore clamps v to [0, max] and rounds to 4 decimal places so
// NUMERIC columns never see values like 0.9632000000000001.
func sanitizeScore(v, max float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return math.Round(v*10000) / 10000
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
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS bolprocess;

	CREATE TABLE IF NOT EXISTS bolprocess.extraction_jobs (
		id                   TEXT PRIMARY KEY,
		status               TEXT NOT NULL,
		filename             TEXT,
		mime_type            TEXT,
		quality_score        INTEGER,
		average_confidence   NUMERIC(7,4),
		page_count           INTEGER,
		processing_time_ms   BIGINT,
		extracted_fields     JSONB,
		fields_found         TEXT[],
		fingerprint_point_id UUID,
		duplicate_of         TEXT,
		duplicate_score      NUMERIC(5,4),
		error_code           TEXT,
		error_type           TEXT,
		error_message        TEXT,
		metadata             JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS extraction_jobs_status_idx ON bolprocess.extraction_jobs (status);
`

// EnsureSchema creates the schema and table if they do not exist
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row. The worker may see a job before the
// API has written it, so the first update creates the row.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	var fieldsJSON []byte
	var fieldsFound []string
	if update.ExtractedFields != nil {
		raw, err := json.Marshal(update.ExtractedFields)
		if err != nil {
			return fmt.Errorf("failed to marshal extracted fields: %w", err)
		}
		fieldsJSON = sanitizeJSONForPostgres(raw)
		fieldsFound = sortedKeys(update.ExtractedFields)
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	avgConfidence := sanitizeScore(update.AverageConfidence, 100)
	duplicateScore := sanitizeScore(update.DuplicateScore, 1)

	query := `
		INSERT INTO bolprocess.extraction_jobs (
			id, status, filename, mime_type,
			quality_score, average_confidence, page_count, processing_time_ms,
			extracted_fields, fields_found,
			fingerprint_point_id, duplicate_of, duplicate_score,
			error_code, error_type, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4, ''),
			NULLIF($5, -1), NULLIF($6::NUMERIC(7,4), 0), NULLIF($7, 0), NULLIF($8, 0),
			$9::jsonb, $10,
			CASE WHEN $11 = '' THEN NULL ELSE $11::uuid END, NULLIF($12, ''), NULLIF($13::NUMERIC(5,4), 0),
			NULLIF($14, ''), NULLIF($15, ''), NULLIF($16, ''),
			COALESCE($17::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			filename = COALESCE(EXCLUDED.filename, bolprocess.extraction_jobs.filename),
			mime_type = COALESCE(EXCLUDED.mime_type, bolprocess.extraction_jobs.mime_type),
			quality_score = COALESCE(EXCLUDED.quality_score, bolprocess.extraction_jobs.quality_score),
			average_confidence = COALESCE(EXCLUDED.average_confidence, bolprocess.extraction_jobs.average_confidence),
			page_count = COALESCE(EXCLUDED.page_count, bolprocess.extraction_jobs.page_count),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, bolprocess.extraction_jobs.processing_time_ms),
			extracted_fields = COALESCE(EXCLUDED.extracted_fields, bolprocess.extraction_jobs.extracted_fields),
			fields_found = COALESCE(EXCLUDED.fields_found, bolprocess.extraction_jobs.fields_found),
			fingerprint_point_id = COALESCE(EXCLUDED.fingerprint_point_id, bolprocess.extraction_jobs.fingerprint_point_id),
			duplicate_of = COALESCE(EXCLUDED.duplicate_of, bolprocess.extraction_jobs.duplicate_of),
			duplicate_score = COALESCE(EXCLUDED.duplicate_score, bolprocess.extraction_jobs.duplicate_score),
			error_code = EXCLUDED.error_code,
			error_type = EXCLUDED.error_type,
			error_message = EXCLUDED.error_message,
			metadata = bolprocess.extraction_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	// quality_score 0 is a real score, so "not set" is -1 here.
	qualityScore := update.QualityScore
	if update.Status != StatusCompleted {
		qualityScore = -1
	}

	var fieldsArg interface{}
	if fieldsJSON != nil {
		fieldsArg = string(fieldsJSON)
	}
	var fieldsFoundArg interface{}
	if fieldsFound != nil {
		fieldsFoundArg = pq.Array(fieldsFound)
	}

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,              // $1
		update.Status,             // $2
		update.Filename,           // $3
		update.MimeType,           // $4
		qualityScore,              // $5
		avgConfidence,             // $6
		update.PageCount,          // $7
		update.ProcessingTimeMs,   // $8
		fieldsArg,                 // $9
		fieldsFoundArg,            // $10
		update.FingerprintPointID, // $11
		update.DuplicateOf,        // $12
		duplicateScore,            // $13
		update.ErrorCode,          // $14
		update.ErrorType,          // $15
		update.ErrorMessage,       // $16
		string(metadataJSON),      // $17
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, status, filename, mime_type,
			quality_score, average_confidence, page_count, processing_time_ms,
			extracted_fields, fields_found,
			fingerprint_point_id, duplicate_of, duplicate_score,
			error_code, error_type, error_message, metadata,
			created_at, updated_at
		FROM bolprocess.extraction_jobs
		WHERE id = $1
	`

	var (
		rec                                  JobRecord
		filename, mimeType                   sql.NullString
		qualityScore, pageCount              sql.NullInt32
		avgConfidence, duplicateScore        sql.NullFloat64
		processingTimeMs                     sql.NullInt64
		fieldsJSON, metadataJSON             []byte
		fieldsFound                          pq.StringArray
		pointID, duplicateOf                 sql.NullString
		errorCode, errorType, errorMessage   sql.NullString
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &rec.Status, &filename, &mimeType,
		&qualityScore, &avgConfidence, &pageCount, &processingTimeMs,
		&fieldsJSON, &fieldsFound,
		&pointID, &duplicateOf, &duplicateScore,
		&errorCode, &errorType, &errorMessage, &metadataJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.Filename = filename.String
	rec.MimeType = mimeType.String
	rec.FingerprintPointID = pointID.String
	rec.DuplicateOf = duplicateOf.String
	rec.ErrorCode = errorCode.String
	rec.ErrorType = errorType.String
	rec.ErrorMessage = errorMessage.String
	rec.FieldsFound = []string(fieldsFound)

	if qualityScore.Valid {
		v := int(qualityScore.Int32)
		rec.QualityScore = &v
	}
	if pageCount.Valid {
		v := int(pageCount.Int32)
		rec.PageCount = &v
	}
	if avgConfidence.Valid {
		rec.AverageConfidence = &avgConfidence.Float64
	}
	if duplicateScore.Valid {
		rec.DuplicateScore = &duplicateScore.Float64
	}
	if processingTimeMs.Valid {
		rec.ProcessingTimeMs = &processingTimeMs.Int64
	}

	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &rec.ExtractedFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extracted fields: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
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

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
