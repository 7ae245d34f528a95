/**
 * Document Processor for the BOL extraction worker
 *
 * Orchestrates one document end to end:
 * - Load bytes (buffer, base64, file path or URL) and sniff the format
 * - Rasterize PDFs into page images
 * - OCR cascade per page (Tesseract first, PaddleOCR sidecar on low confidence)
 * - Layout analysis, field extraction, confidence and quality scoring
 * - Assemble the structured result envelope
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime/debug"
	"time"

	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
	"github.com/adverant/nexus/bolprocess-worker/internal/extraction"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
	"github.com/adverant/nexus/bolprocess-worker/internal/scoring"
)

// BOLProcessorInterface defines the interface for document processing
type BOLProcessorInterface interface {
	Process(ctx context.Context, doc *Document) *StructuredResult
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	// Engines in cascade order. Engines that fail their probe are skipped.
	Engines    []ocr.Engine
	Rasterizer Rasterizer
	Extractor  *extraction.Extractor

	MaxFileSize int64
	PDFMaxPages int

	// DownloadAllowedHosts may be fetched even when they resolve to
	// private addresses.
	DownloadAllowedHosts []string

	// EscalationThreshold is the page confidence (0-100) below which the
	// next engine is tried.
	EscalationThreshold float64
	ProbeTimeout        time.Duration
}

// Capabilities records which collaborators passed their probe.
type Capabilities struct {
	OCREngines []string
	Rasterizer bool
	Layout     bool
}

// HasOCR reports whether at least one OCR engine is usable.
func (c Capabilities) HasOCR() bool { return len(c.OCREngines) > 0 }

type layoutEngine interface {
	AnalyzesLayout() bool
}

// BOLProcessor handles document processing
type BOLProcessor struct {
	engines        []ocr.Engine
	closers        []io.Closer
	rasterizer     Rasterizer
	extractor      *extraction.Extractor
	layoutAnalyzer *LayoutAnalyzer
	loader         *loader
	caps           Capabilities
	engineErr      error
	rasterizerErr  error
	pdfMaxPages    int
	threshold      float64
	logger         *logging.Logger
}

// NewBOLProcessor creates a processor and probes its collaborators once.
// A failed probe is not an error here; documents that need the missing
// collaborator fail with DependencyMissing.
func NewBOLProcessor(cfg *ProcessorConfig) (*BOLProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	p := &BOLProcessor{
		extractor:      cfg.Extractor,
		layoutAnalyzer: NewLayoutAnalyzer(),
		loader:         newLoader(cfg.MaxFileSize, cfg.DownloadAllowedHosts...),
		pdfMaxPages:    cfg.PDFMaxPages,
		threshold:      cfg.EscalationThreshold,
		logger:         logging.NewLogger("BOLProcessor"),
	}
	if p.extractor == nil {
		p.extractor = extraction.NewExtractor(extraction.DefaultRules())
	}

	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = 5 * time.Second
	}

	var engineErrs []error
	for _, engine := range cfg.Engines {
		if engine == nil {
			continue
		}
		if c, ok := engine.(io.Closer); ok {
			p.closers = append(p.closers, c)
		}
		if err := probe(engine, probeTimeout); err != nil {
			p.logger.Warn("OCR engine unavailable", "engine", engine.Name(), "error", err)
			engineErrs = append(engineErrs, fmt.Errorf("%s: %w", engine.Name(), err))
			continue
		}
		p.engines = append(p.engines, engine)
		p.caps.OCREngines = append(p.caps.OCREngines, engine.Name())
		if le, ok := engine.(layoutEngine); ok && le.AnalyzesLayout() {
			p.caps.Layout = true
		}
		p.logger.Info("OCR engine ready", "engine", engine.Name())
	}
	p.engineErr = errors.Join(engineErrs...)

	if cfg.Rasterizer != nil {
		if err := probe(cfg.Rasterizer, probeTimeout); err != nil {
			p.logger.Warn("PDF rasterizer unavailable", "error", err)
			p.rasterizerErr = err
		} else {
			p.rasterizer = cfg.Rasterizer
			p.caps.Rasterizer = true
		}
	}

	return p, nil
}

func probe(v interface{}, timeout time.Duration) error {
	prober, ok := v.(ocr.Prober)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return prober.Probe(ctx)
}

// Capabilities returns what was available at construction.
func (p *BOLProcessor) Capabilities() Capabilities {
	return p.caps
}

// Close releases engines that hold connections.
func (p *BOLProcessor) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Process runs the full pipeline. It always returns an envelope: every
// failure, including a panic in a collaborator, becomes success=false.
func (p *BOLProcessor) Process(ctx context.Context, doc *Document) (result *StructuredResult) {
	startTime := time.Now()
	jobID := ""
	if doc != nil {
		jobID = doc.JobID
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic during processing", "job", jobID, "panic", r)
			result = Failure(jobID, apperrors.NewUpstreamFailureError(jobID, "processing", fmt.Errorf("panic: %v", r)))
			result.Trace = string(debug.Stack())
		}
	}()

	if doc == nil {
		return Failure(jobID, apperrors.NewInputInvalidError(jobID, "document is required", nil))
	}

	result, err := p.process(ctx, doc, startTime)
	if err != nil {
		p.logger.Error("Document processing failed", "job", jobID, "error", err)
		return Failure(jobID, err)
	}

	p.logger.Info("Document processing complete",
		"job", jobID,
		"pages", result.PageCount,
		"lines", len(result.Lines),
		"fields", len(result.ExtractedFields),
		"qualityScore", result.QualityScore,
		"processingTime", result.ProcessingTime)
	return result
}

func (p *BOLProcessor) process(ctx context.Context, doc *Document, startTime time.Time) (*StructuredResult, error) {
	if !p.caps.HasOCR() {
		return nil, apperrors.NewDependencyMissingError(doc.JobID, "ocr engine", p.engineErr)
	}

	// Step 1: Load file
	data, err := p.loader.load(ctx, doc)
	if err != nil {
		return nil, err
	}

	// Step 2: Detect format
	mimeType, err := resolveMimeType(doc.JobID, data, doc.MimeType)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Document loaded", "job", doc.JobID, "bytes", len(data), "mimeType", mimeType)

	// Step 3: Page images
	images, err := p.pageImages(ctx, doc.JobID, data, mimeType)
	if err != nil {
		return nil, err
	}

	// Step 4: OCR and layout per page
	lines := make([]ocr.TextLine, 0)
	layout := make([]LayoutRegion, 0)
	for _, img := range images {
		page, err := p.recognize(ctx, doc.JobID, img)
		if err != nil {
			return nil, err
		}
		lines = append(lines, page.Lines...)
		layout = append(layout, p.layoutAnalyzer.Analyze(page)...)
	}

	// Step 5: Fields and scores
	fullText := JoinLines(lines)
	fields := p.extractor.Extract(fullText)
	avgConfidence := scoring.AverageConfidence(lines)
	qualityScore := scoring.Score(fullText, fields, avgConfidence)

	return Assemble(AssembleInput{
		Lines:             lines,
		Fields:            fields,
		AverageConfidence: avgConfidence,
		QualityScore:      qualityScore,
		Layout:            layout,
		PageCount:         len(images),
		ProcessingTime:    math.Round(time.Since(startTime).Seconds()*100) / 100,
	}), nil
}

func (p *BOLProcessor) pageImages(ctx context.Context, jobID string, data []byte, mimeType string) ([]ocr.PageImage, error) {
	if mimeType != mimePDF {
		return []ocr.PageImage{{Number: 1, Data: data, MimeType: mimeType}}, nil
	}

	if p.rasterizer == nil {
		return nil, apperrors.NewDependencyMissingError(jobID, "pdf rasterizer", p.rasterizerErr)
	}

	images, err := p.rasterizer.Rasterize(ctx, data, p.pdfMaxPages)
	if err != nil {
		return nil, apperrors.NewUpstreamFailureError(jobID, "pdf rasterization", err)
	}
	p.logger.Info("PDF rasterized", "job", jobID, "pages", len(images), "maxPages", p.pdfMaxPages)
	return images, nil
}

// recognize runs the OCR cascade on one page. Engines are tried in order
// until one reaches the escalation threshold; the most confident page seen
// is kept.
func (p *BOLProcessor) recognize(ctx context.Context, jobID string, img ocr.PageImage) (*ocr.Page, error) {
	var (
		best     *ocr.Page
		bestConf float64
		lastErr  error
	)

	for i, engine := range p.engines {
		page, err := engine.Recognize(ctx, img)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", engine.Name(), err)
			p.logger.Warn("OCR engine failed", "job", jobID, "page", img.Number, "engine", engine.Name(), "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		conf := scoring.AverageConfidence(page.Lines)
		if best == nil || conf > bestConf {
			best, bestConf = page, conf
		}

		if conf >= p.threshold {
			break
		}
		if i < len(p.engines)-1 {
			p.logger.Info("Low OCR confidence, escalating",
				"job", jobID, "page", img.Number, "engine", engine.Name(),
				"confidence", conf, "threshold", p.threshold)
		}
	}

	if best == nil {
		return nil, apperrors.NewUpstreamFailureError(jobID, "ocr", lastErr)
	}

	p.logger.Debug("Page recognized",
		"job", jobID, "page", img.Number, "engine", best.Engine,
		"lines", len(best.Lines), "confidence", bestConf)
	return best, nil
}
