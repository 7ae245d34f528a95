package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/processor"
	"github.com/adverant/nexus/bolprocess-worker/internal/storage"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// TaskExtractBOL is the job type shared by both queue backends.
	TaskExtractBOL = "extract-bol"

	DefaultQueueName  = "bolprocess:jobs"
	DefaultMaxRetries = 3

	defaultProcessingTimeout = 120 * time.Second
	storeTimeout             = 30 * time.Second
)

// Job states reported to API callers.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateRetrying   = "retrying"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// JobPayload is the producer-facing description of one BOL.
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FilePath   string                 `json:"filePath,omitempty"`
	Base64     string                 `json:"base64,omitempty"`
	FileBuffer []byte                 `json:"-"` // see UnmarshalJSON
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer either as a base64 string or as a
// serialized Node.js Buffer ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes fileBuffer as a base64 string.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	return json.Marshal(&struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		*Alias
	}{
		FileBuffer: base64.StdEncoding.EncodeToString(p.FileBuffer),
		Alias:      (*Alias)(&p),
	})
}

// Document converts the payload into processor input.
func (p *JobPayload) Document() *processor.Document {
	return &processor.Document{
		JobID:      p.JobID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileBuffer: p.FileBuffer,
		Base64:     p.Base64,
		FilePath:   p.FilePath,
		FileURL:    p.FileURL,
	}
}

// Recorder persists job progress. *storage.StorageManager implements it.
type Recorder interface {
	MarkStatus(ctx context.Context, jobID, status, filename string) error
	RecordResult(ctx context.Context, rec *storage.ExtractionRecord) (*storage.RecordOutcome, error)
}

// Fingerprinter turns extracted text into a duplicate-detection vector.
type Fingerprinter interface {
	Vector(text string) []float32
}

// HandlerConfig holds JobHandler dependencies. Recorder and Fingerprinter
// are optional.
type HandlerConfig struct {
	Processor         processor.BOLProcessorInterface
	Recorder          Recorder
	Fingerprinter     Fingerprinter
	ProcessingTimeout int64 // milliseconds
}

// JobHandler runs one job through the processor and storage. Both queue
// backends share it.
type JobHandler struct {
	processor     processor.BOLProcessorInterface
	recorder      Recorder
	fingerprinter Fingerprinter
	timeout       time.Duration
	logger        *logging.Logger
}

// JobOutcome is what a consumer needs to finish a job.
type JobOutcome struct {
	Result  *processor.StructuredResult
	Storage *storage.RecordOutcome
	// Kind is empty when the job succeeded and was stored.
	Kind     apperrors.Kind
	Duration time.Duration
}

// Failed reports whether the job should be treated as failed.
func (o *JobOutcome) Failed() bool {
	return o.Kind != ""
}

// Retryable reports whether another attempt could succeed.
func (o *JobOutcome) Retryable() bool {
	return o.Failed() && apperrors.Retryable(o.Kind)
}

// NewJobHandler validates cfg and builds a handler.
func NewJobHandler(cfg *HandlerConfig) (*JobHandler, error) {
	if cfg == nil || cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	timeout := defaultProcessingTimeout
	if cfg.ProcessingTimeout > 0 {
		timeout = time.Duration(cfg.ProcessingTimeout) * time.Millisecond
	}

	return &JobHandler{
		processor:     cfg.Processor,
		recorder:      cfg.Recorder,
		fingerprinter: cfg.Fingerprinter,
		timeout:       timeout,
		logger:        logging.NewLogger("JobHandler"),
	}, nil
}

// Handle processes payload under the processing timeout and records the
// outcome. It never returns a nil outcome.
func (h *JobHandler) Handle(ctx context.Context, payload *JobPayload) *JobOutcome {
	start := time.Now()
	log := h.logger.With("job", payload.JobID)

	if h.recorder != nil {
		if err := h.recorder.MarkStatus(ctx, payload.JobID, storage.StatusProcessing, payload.Filename); err != nil {
			log.Warn("Failed to update status to processing", "error", err)
		}
	}

	processCtx, cancel := context.WithTimeout(ctx, h.timeout)
	result := h.processor.Process(processCtx, payload.Document())
	timedOut := errors.Is(processCtx.Err(), context.DeadlineExceeded)
	cancel()

	if !result.Success && timedOut {
		log.Warn("Processing timed out", "timeout", h.timeout)
		result = processor.Failure(payload.JobID,
			apperrors.NewProcessingTimeoutError(payload.JobID, h.timeout, errors.New(result.Error)))
	}

	outcome := &JobOutcome{Result: result}
	if !result.Success {
		outcome.Kind = apperrors.Kind(result.ErrorType)
		log.Warn("Extraction failed", "errorType", result.ErrorType, "error", result.Error)
		if result.Trace != "" {
			log.Error("Extraction panicked", "trace", result.Trace)
			outcome.Result = result.WithoutTrace()
		}
	} else {
		log.Info("Extraction completed",
			"qualityScore", result.QualityScore,
			"fields", len(result.ExtractedFields),
			"pages", result.PageCount)
	}

	if h.recorder != nil {
		storeCtx, cancelStore := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		stored, err := h.recorder.RecordResult(storeCtx, h.buildRecord(payload, result))
		cancelStore()
		if err != nil {
			storeErr := apperrors.NewStorageFailedError(payload.JobID, err)
			log.Error("Failed to store result", "error", storeErr)
			if outcome.Kind == "" {
				outcome.Kind = storeErr.Kind()
			}
		}
		outcome.Storage = stored
	}

	outcome.Duration = time.Since(start)
	return outcome
}

func (h *JobHandler) buildRecord(payload *JobPayload, result *processor.StructuredResult) *storage.ExtractionRecord {
	rec := &storage.ExtractionRecord{
		JobID:    payload.JobID,
		Filename: payload.Filename,
		MimeType: payload.MimeType,
		Success:  result.Success,
	}

	if !result.Success {
		kind := apperrors.Kind(result.ErrorType)
		rec.ErrorCode = string(apperrors.CodeFor(kind))
		rec.ErrorType = result.ErrorType
		rec.ErrorMessage = result.Error
		return rec
	}

	rec.QualityScore = result.QualityScore
	rec.AverageConfidence = result.AverageConfidence
	rec.PageCount = result.PageCount
	rec.ProcessingTime = result.ProcessingTime
	rec.Fields = result.ExtractedFields
	if h.fingerprinter != nil {
		rec.Fingerprint = h.fingerprinter.Vector(result.FullText)
	}
	return rec
}
