package api

import (
	"context"
	"errors"
	"io"
	"time"

	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/processor"
	"github.com/adverant/nexus/bolprocess-worker/internal/queue"
	"github.com/adverant/nexus/bolprocess-worker/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
)

const defaultRequestTimeout = 120 * time.Second

// JobRecords is the persistent side of job tracking. *storage.StorageManager
// implements it.
type JobRecords interface {
	MarkStatus(ctx context.Context, jobID, status, filename string) error
	GetJob(ctx context.Context, jobID string) (*storage.JobRecord, error)
}

// Handler serves extraction and job endpoints.
type Handler struct {
	processor    processor.BOLProcessorInterface
	capabilities processor.Capabilities
	producer     queue.Producer
	records      JobRecords
	validator    *validator.Validate
	timeout      time.Duration
	logger       *logging.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithProducer enables the job endpoints.
func WithProducer(p queue.Producer) Option {
	return func(h *Handler) { h.producer = p }
}

// WithJobRecords adds persistent job records to job lookups.
func WithJobRecords(r JobRecords) Option {
	return func(h *Handler) { h.records = r }
}

// WithCapabilities sets what the health endpoint reports.
func WithCapabilities(caps processor.Capabilities) Option {
	return func(h *Handler) { h.capabilities = caps }
}

// WithTimeout bounds synchronous extraction.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New builds a Handler around proc.
func New(proc processor.BOLProcessorInterface, validate *validator.Validate, opts ...Option) *Handler {
	if validate == nil {
		validate = validator.New()
	}
	_ = validate.RegisterValidation("public_url", func(fl validator.FieldLevel) bool {
		return processor.CheckPublicURL(fl.Field().String()) == nil
	})
	h := &Handler{
		processor: proc,
		validator: validate,
		timeout:   defaultRequestTimeout,
		logger:    logging.NewLogger("API"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start registers the routes on srv.
func (h *Handler) Start(srv fiber.Router) {
	srv.Get("/", h.Health)

	v1 := srv.Group("/api/v1")
	v1.Post("/extract", h.Extract)
	v1.Post("/extract/upload", h.ExtractUpload)
	v1.Post("/jobs", h.EnqueueJob)
	v1.Get("/jobs/:id", h.GetJob)
}

// DocumentRequest names one document by inline base64 or by URL.
type DocumentRequest struct {
	ImageBase64 string `json:"image_base64" validate:"required_without=FileURL,excludes=@"`
	FileURL     string `json:"file_url" validate:"omitempty,url,public_url"`
	Filename    string `json:"filename" validate:"omitempty,max=255"`
	MimeType    string `json:"mime_type" validate:"omitempty,max=100"`
}

// EnqueueRequest is a DocumentRequest with an optional caller-chosen job ID.
type EnqueueRequest struct {
	DocumentRequest
	JobID string `json:"job_id" validate:"omitempty,uuid"`
}

func (r *DocumentRequest) document(jobID string) *processor.Document {
	return &processor.Document{
		JobID:    jobID,
		Filename: r.Filename,
		MimeType: r.MimeType,
		Base64:   r.ImageBase64,
		FileURL:  r.FileURL,
	}
}

// Health reports liveness and which collaborators are available.
func (h *Handler) Health(c *fiber.Ctx) error {
	engines := h.capabilities.OCREngines
	if engines == nil {
		engines = []string{}
	}
	status := "ok"
	if !h.capabilities.HasOCR() {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status":  status,
		"service": "bolprocess-worker",
		"capabilities": fiber.Map{
			"ocr_engines": engines,
			"rasterizer":  h.capabilities.Rasterizer,
			"layout":      h.capabilities.Layout,
		},
		"queue": h.producer != nil,
	})
}

// Extract processes one document synchronously and returns the result
// envelope.
func (h *Handler) Extract(c *fiber.Ctx) error {
	var req DocumentRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	return h.run(c, req.document(GetRequestID(c)))
}

// ExtractUpload is Extract for a multipart "file" field.
func (h *Handler) ExtractUpload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "file is required")
	}

	f, err := fh.Open()
	if err != nil {
		return badRequest(c, "file could not be read")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return badRequest(c, "file could not be read")
	}

	return h.run(c, &processor.Document{
		JobID:      GetRequestID(c),
		Filename:   fh.Filename,
		MimeType:   fh.Header.Get("Content-Type"),
		FileSize:   fh.Size,
		FileBuffer: data,
	})
}

func (h *Handler) run(c *fiber.Ctx, doc *processor.Document) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	result := h.processor.Process(ctx, doc)
	if result.Trace != "" {
		h.logger.Error("Extraction panicked", "request_id", GetRequestID(c), "trace", result.Trace)
	}
	return c.Status(statusFor(result)).JSON(result.WithoutTrace())
}

// EnqueueJob queues a document for the worker.
func (h *Handler) EnqueueJob(c *fiber.Ctx) error {
	if h.producer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "job queue is not configured"})
	}

	var req EnqueueRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	payload := &queue.JobPayload{
		JobID:    req.JobID,
		Filename: req.Filename,
		MimeType: req.MimeType,
		Base64:   req.ImageBase64,
		FileURL:  req.FileURL,
	}

	jobID, err := h.producer.Enqueue(c.UserContext(), payload)
	if err != nil {
		h.logger.Error("Failed to enqueue job", "request_id", GetRequestID(c), "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "failed to enqueue job"})
	}

	if h.records != nil {
		if err := h.records.MarkStatus(c.UserContext(), jobID, storage.StatusQueued, req.Filename); err != nil {
			h.logger.Warn("Failed to record queued job", "job", jobID, "error", err)
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"jobId": jobID,
		"state": queue.StateQueued,
	})
}

// GetJob merges the queue state with the stored job record.
func (h *Handler) GetJob(c *fiber.Ctx) error {
	jobID := c.Params("id")
	if jobID == "" {
		return badRequest(c, "job id is required")
	}

	resp := fiber.Map{"jobId": jobID}
	found := false

	if h.producer != nil {
		status, err := h.producer.Status(c.UserContext(), jobID)
		switch {
		case err == nil:
			found = true
			resp["state"] = status.State
			if len(status.Result) > 0 {
				resp["result"] = jsoniter.RawMessage(status.Result)
			}
		case !errors.Is(err, queue.ErrJobNotFound):
			h.logger.Warn("Failed to read queue status", "job", jobID, "error", err)
		}
	}

	if h.records != nil {
		record, err := h.records.GetJob(c.UserContext(), jobID)
		switch {
		case err == nil:
			found = true
			resp["record"] = record
			if _, ok := resp["state"]; !ok {
				resp["state"] = record.Status
			}
		case !errors.Is(err, storage.ErrJobNotFound):
			h.logger.Warn("Failed to read job record", "job", jobID, "error", err)
		}
	}

	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
	}
	return c.JSON(resp)
}

// bind parses and validates the JSON body. When it returns false the 400
// response has been written and err is what the handler should return.
func (h *Handler) bind(c *fiber.Ctx, out interface{}) (bool, error) {
	if err := c.BodyParser(out); err != nil {
		return false, badRequest(c, "invalid JSON body")
	}
	if err := h.validator.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, fe.Field()+": "+fe.Tag())
			}
			return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "validation failed",
				"details": details,
			})
		}
		return false, badRequest(c, err.Error())
	}
	return true, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// statusFor maps a result envelope onto an HTTP status.
func statusFor(result *processor.StructuredResult) int {
	if result.Success {
		return fiber.StatusOK
	}
	switch apperrors.Kind(result.ErrorType) {
	case apperrors.KindInputInvalid:
		return fiber.StatusUnprocessableEntity
	case apperrors.KindDependencyMissing:
		return fiber.StatusServiceUnavailable
	case apperrors.KindTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}
