/**
 * Storage Manager for the BOL extraction worker
 *
 * Coordinates PostgreSQL (job records) and Qdrant (text fingerprints).
 * A fingerprint is only kept when its job row was written, so the two
 * stores never disagree about which jobs exist.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/adverant/nexus/bolprocess-worker/internal/fingerprint"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/google/uuid"
)

const duplicateCandidates = 3

// JobStore persists job records
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	GetJobByID(ctx context.Context, jobID string) (*JobRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// VectorStore persists fingerprints and finds near neighbours
type VectorStore interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int) ([]*VectorPoint, error)
	DeleteVector(ctx context.Context, pointID string) error
	Close() error
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	jobs               JobStore
	vectors            VectorStore
	duplicateThreshold float64
	logger             *logging.Logger
}

// StorageConfig holds connection settings
type StorageConfig struct {
	DatabaseURL        string
	QdrantAddress      string
	QdrantCollection   string
	Dimensions         int
	DuplicateThreshold float64
}

// ExtractionRecord is the outcome of one job as handed to storage.
type ExtractionRecord struct {
	JobID             string
	Filename          string
	MimeType          string
	Success           bool
	QualityScore      int
	AverageConfidence float64
	PageCount         int
	ProcessingTime    float64 // seconds
	Fields            map[string]string
	ErrorCode         string
	ErrorType         string
	ErrorMessage      string
	Fingerprint       []float32
}

// RecordOutcome reports what storage learned about a job.
type RecordOutcome struct {
	FingerprintPointID string
	DuplicateOf        string
	DuplicateScore     float64
}

// NewStorageManager connects to both stores
func NewStorageManager(cfg *StorageConfig) (*StorageManager, error) {
	postgres, err := NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	var vectors VectorStore
	if cfg.QdrantAddress != "" {
		qdrant, err := NewQdrantClient(cfg.QdrantAddress, cfg.QdrantCollection, cfg.Dimensions)
		if err != nil {
			postgres.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		vectors = qdrant
	}

	return NewStorageManagerWithStores(postgres, vectors, cfg.DuplicateThreshold), nil
}

// NewStorageManagerWithStores builds a manager over existing stores. vectors
// may be nil, which disables duplicate detection.
func NewStorageManagerWithStores(jobs JobStore, vectors VectorStore, duplicateThreshold float64) *StorageManager {
	return &StorageManager{
		jobs:               jobs,
		vectors:            vectors,
		duplicateThreshold: duplicateThreshold,
		logger:             logging.NewLogger("StorageManager"),
	}
}

// MarkStatus records a status change without results
func (sm *StorageManager) MarkStatus(ctx context.Context, jobID, status, filename string) error {
	return sm.jobs.UpdateJobStatus(ctx, &JobUpdate{
		JobID:    jobID,
		Status:   status,
		Filename: filename,
	})
}

// RecordResult stores a finished job. For successful jobs with a usable
// fingerprint it first looks for a near-duplicate, then stores the vector,
// then the job row; the vector is removed again if the row cannot be written.
func (sm *StorageManager) RecordResult(ctx context.Context, rec *ExtractionRecord) (*RecordOutcome, error) {
	if rec == nil || rec.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	outcome := &RecordOutcome{}

	if rec.Success && sm.vectors != nil && len(rec.Fingerprint) > 0 && !fingerprint.IsZero(rec.Fingerprint) {
		if err := sm.findDuplicate(ctx, rec, outcome); err != nil {
			sm.logger.Warn("Duplicate search failed", "job", rec.JobID, "error", err)
		}

		pointID := uuid.New().String()
		point := &VectorPoint{
			ID:     pointID,
			Vector: rec.Fingerprint,
			Metadata: map[string]interface{}{
				"job_id":     rec.JobID,
				"bol_number": rec.Fields["bol_number"],
				"filename":   rec.Filename,
			},
			Timestamp: time.Now().Unix(),
		}
		if err := sm.vectors.UpsertVector(ctx, point); err != nil {
			sm.logger.Warn("Failed to store fingerprint", "job", rec.JobID, "error", err)
		} else {
			outcome.FingerprintPointID = pointID
		}
	}

	update := &JobUpdate{
		JobID:              rec.JobID,
		Status:             StatusCompleted,
		Filename:           rec.Filename,
		MimeType:           rec.MimeType,
		QualityScore:       rec.QualityScore,
		AverageConfidence:  rec.AverageConfidence,
		PageCount:          rec.PageCount,
		ProcessingTimeMs:   int64(rec.ProcessingTime * 1000),
		ExtractedFields:    rec.Fields,
		FingerprintPointID: outcome.FingerprintPointID,
		DuplicateOf:        outcome.DuplicateOf,
		DuplicateScore:     outcome.DuplicateScore,
	}
	if !rec.Success {
		update.Status = StatusFailed
		update.ExtractedFields = nil
		update.ErrorCode = rec.ErrorCode
		update.ErrorType = rec.ErrorType
		update.ErrorMessage = rec.ErrorMessage
	}

	if err := sm.jobs.UpdateJobStatus(ctx, update); err != nil {
		if outcome.FingerprintPointID != "" {
			if delErr := sm.vectors.DeleteVector(ctx, outcome.FingerprintPointID); delErr != nil {
				sm.logger.Error("Failed to roll back fingerprint", "job", rec.JobID, "point", outcome.FingerprintPointID, "error", delErr)
			}
		}
		return nil, fmt.Errorf("failed to store job record: %w", err)
	}

	return outcome, nil
}

func (sm *StorageManager) findDuplicate(ctx context.Context, rec *ExtractionRecord, outcome *RecordOutcome) error {
	points, err := sm.vectors.SearchVectors(ctx, rec.Fingerprint, duplicateCandidates)
	if err != nil {
		return err
	}

	for _, point := range points {
		jobID, _ := point.Metadata["job_id"].(string)
		if jobID == "" || jobID == rec.JobID {
			continue
		}
		if point.Score >= sm.duplicateThreshold {
			outcome.DuplicateOf = jobID
			outcome.DuplicateScore = point.Score
			sm.logger.Info("Possible duplicate BOL", "job", rec.JobID, "duplicateOf", jobID, "score", point.Score)
		}
		// Results are ordered by score; only the best other job matters.
		break
	}
	return nil
}

// GetJob retrieves a job record
func (sm *StorageManager) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	return sm.jobs.GetJobByID(ctx, jobID)
}

// Ping checks the job store
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.jobs.Ping(ctx)
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.jobs != nil {
		pgErr = sm.jobs.Close()
	}
	if sm.vectors != nil {
		qdErr = sm.vectors.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}
	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}
	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips \u0000 escapes, which JSONB rejects, and
// blanks other control-character escapes. OCR output occasionally has both.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
