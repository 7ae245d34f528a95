/**
 * Google Cloud Vision OCR - managed document text detection
 *
 * Last engine in the cascade. DOCUMENT_TEXT_DETECTION returns a
 * page/block/paragraph/word/symbol tree; lines are rebuilt from the
 * detected breaks on each symbol.
 */

package vision

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	visionapi "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
)

type detectFunc func(ctx context.Context, img *visionpb.Image, ictx *visionpb.ImageContext) (*visionpb.TextAnnotation, error)

// VisionOCR runs document text detection through the Cloud Vision API
type VisionOCR struct {
	detect        detectFunc
	close         func() error
	languageHints []string
	logger        *logging.Logger
}

// VisionConfig holds Cloud Vision configuration. Credentials come from
// GOOGLE_APPLICATION_CREDENTIALS or the metadata server.
type VisionConfig struct {
	LanguageHints []string
}

// NewVisionOCR dials the image annotator.
func NewVisionOCR(ctx context.Context, cfg *VisionConfig) (*VisionOCR, error) {
	client, err := visionapi.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}

	v := newVisionOCR(func(ctx context.Context, img *visionpb.Image, ictx *visionpb.ImageContext) (*visionpb.TextAnnotation, error) {
		return client.DetectDocumentText(ctx, img, ictx)
	}, cfg)
	v.close = client.Close
	return v, nil
}

func newVisionOCR(detect detectFunc, cfg *VisionConfig) *VisionOCR {
	v := &VisionOCR{
		detect: detect,
		close:  func() error { return nil },
		logger: logging.NewLogger("VisionOCR"),
	}
	if cfg != nil {
		v.languageHints = cfg.LanguageHints
	}
	return v
}

func (v *VisionOCR) Name() string { return "google-vision" }

// Close releases the gRPC connection.
func (v *VisionOCR) Close() error { return v.close() }

// Recognize performs document text detection on one page image
func (v *VisionOCR) Recognize(ctx context.Context, page ocr.PageImage) (*ocr.Page, error) {
	startTime := time.Now()

	var ictx *visionpb.ImageContext
	if len(v.languageHints) > 0 {
		ictx = &visionpb.ImageContext{LanguageHints: v.languageHints}
	}

	annotation, err := v.detect(ctx, &visionpb.Image{Content: page.Data}, ictx)
	if err != nil {
		return nil, fmt.Errorf("vision text detection failed: %w", err)
	}

	lines := linesFromAnnotation(annotation)
	v.logger.Debug("Vision page recognized", "page", page.Number, "lines", len(lines))

	return &ocr.Page{
		Number:   page.Number,
		Lines:    lines,
		Engine:   v.Name(),
		Duration: time.Since(startTime),
	}, nil
}

// lineBuilder accumulates symbols until a line-ending break.
type lineBuilder struct {
	text       strings.Builder
	minX, minY float64
	maxX, maxY float64
	hasBox     bool
	confSum    float64
	confWords  int
}

func (b *lineBuilder) addWord(w *visionpb.Word) {
	if c := w.GetConfidence(); c > 0 {
		b.confSum += float64(c)
		b.confWords++
	}
	for _, vx := range w.GetBoundingBox().GetVertices() {
		x, y := float64(vx.GetX()), float64(vx.GetY())
		if !b.hasBox {
			b.minX, b.maxX, b.minY, b.maxY = x, x, y, y
			b.hasBox = true
			continue
		}
		b.minX = math.Min(b.minX, x)
		b.maxX = math.Max(b.maxX, x)
		b.minY = math.Min(b.minY, y)
		b.maxY = math.Max(b.maxY, y)
	}
}

// flush emits the pending line, if any, and resets the builder.
func (b *lineBuilder) flush(lines []ocr.TextLine) []ocr.TextLine {
	text := strings.TrimSpace(b.text.String())
	if text != "" {
		line := ocr.TextLine{Text: text}
		if b.hasBox {
			line.BBox = ocr.RectPolygon(b.minX, b.minY, b.maxX-b.minX, b.maxY-b.minY)
		}
		if b.confWords > 0 {
			line.Confidence = ocr.Confidence(b.confSum / float64(b.confWords))
		}
		lines = append(lines, line)
	}
	*b = lineBuilder{}
	return lines
}

// linesFromAnnotation regroups the symbol tree into text lines. Paragraph
// ends always close a line, even without an explicit break.
func linesFromAnnotation(annotation *visionpb.TextAnnotation) []ocr.TextLine {
	lines := make([]ocr.TextLine, 0)
	if annotation == nil {
		return lines
	}

	var b lineBuilder
	for _, page := range annotation.GetPages() {
		for _, block := range page.GetBlocks() {
			for _, paragraph := range block.GetParagraphs() {
				for _, word := range paragraph.GetWords() {
					b.addWord(word)
					for _, symbol := range word.GetSymbols() {
						b.text.WriteString(symbol.GetText())
						switch symbol.GetProperty().GetDetectedBreak().GetType() {
						case visionpb.TextAnnotation_DetectedBreak_SPACE,
							visionpb.TextAnnotation_DetectedBreak_SURE_SPACE:
							b.text.WriteByte(' ')
						case visionpb.TextAnnotation_DetectedBreak_HYPHEN:
							b.text.WriteByte('-')
							lines = b.flush(lines)
						case visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE,
							visionpb.TextAnnotation_DetectedBreak_LINE_BREAK:
							lines = b.flush(lines)
						}
					}
				}
				lines = b.flush(lines)
			}
		}
	}
	return lines
}
