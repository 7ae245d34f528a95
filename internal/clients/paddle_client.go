/**
 * PaddleOCR Client - remote line OCR and PP-Structure layout
 *
 * Talks to the PaddleOCR sidecar over HTTP. One call returns the recognized
 * lines for a page image and, when requested, the PP-Structure layout regions
 * (tables with structure HTML, text blocks, figures).
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PaddleClient handles communication with the PaddleOCR sidecar
type PaddleClient struct {
	baseURL    string
	language   string
	withLayout bool
	httpClient *http.Client
	logger     *logging.Logger
}

// PaddleConfig holds sidecar client configuration
type PaddleConfig struct {
	BaseURL    string
	Language   string
	WithLayout bool
	Timeout    time.Duration
}

// RecognizeRequest represents a request to recognize one page image
type RecognizeRequest struct {
	Image    string `json:"image"` // Base64 encoded image
	Language string `json:"lang"`
	Layout   bool   `json:"layout"`
	JobID    string `json:"jobId,omitempty"`
	Page     int    `json:"page"`
}

// RecognizeResponse represents a response from the sidecar
type RecognizeResponse struct {
	Success bool          `json:"success"`
	Data    RecognizeData `json:"data"`
	Message string        `json:"message"`
}

// RecognizeData contains recognized lines and layout regions
type RecognizeData struct {
	Lines          []ocr.TextLine  `json:"lines"`
	Regions        []ocr.RawRegion `json:"regions"`
	ProcessingTime int64           `json:"processingTime"` // milliseconds
	Model          string          `json:"model"`
}

// NewPaddleClient creates a new PaddleOCR sidecar client
func NewPaddleClient(cfg *PaddleConfig) (*PaddleClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("PaddleOCR base URL is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}

	return &PaddleClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		language:   lang,
		withLayout: cfg.WithLayout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewLogger("PaddleClient"),
	}, nil
}

func (c *PaddleClient) Name() string { return "paddleocr" }

// AnalyzesLayout reports whether recognition also returns layout regions.
func (c *PaddleClient) AnalyzesLayout() bool { return c.withLayout }

// Probe checks the sidecar health endpoint.
func (c *PaddleClient) Probe(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

// Recognize sends one page image to the sidecar
func (c *PaddleClient) Recognize(ctx context.Context, page ocr.PageImage) (*ocr.Page, error) {
	startTime := time.Now()

	req := &RecognizeRequest{
		Image:    base64.StdEncoding.EncodeToString(page.Data),
		Language: c.language,
		Layout:   c.withLayout,
		Page:     page.Number,
	}

	resp, err := c.recognize(ctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Recognition complete",
		"page", page.Number,
		"lines", len(resp.Data.Lines),
		"regions", len(resp.Data.Regions),
		"model", resp.Data.Model,
		"processingTime", resp.Data.ProcessingTime)

	return &ocr.Page{
		Number:   page.Number,
		Lines:    resp.Data.Lines,
		Regions:  resp.Data.Regions,
		Engine:   c.Name(),
		Duration: time.Since(startTime),
	}, nil
}

func (c *PaddleClient) recognize(ctx context.Context, req *RecognizeRequest) (*RecognizeResponse, error) {
	endpoint := fmt.Sprintf("%s/api/ocr", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "bolprocess-worker")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to PaddleOCR failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("PaddleOCR returned error status %d: %s", resp.StatusCode, string(body))
	}

	var out RecognizeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !out.Success {
		return nil, fmt.Errorf("PaddleOCR operation failed: %s", out.Message)
	}

	return &out, nil
}

// HealthCheck checks if the sidecar is healthy
func (c *PaddleClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
