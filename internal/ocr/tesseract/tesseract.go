/**
 * Tesseract OCR - local line-level recognition
 *
 * Free, offline OCR using libtesseract through gosseract. Lines come from the
 * RIL_TEXTLINE iterator so every line carries its own box and confidence.
 */

package tesseract

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
	"github.com/otiai10/gosseract/v2"
)

// TesseractOCR handles OCR using Tesseract
type TesseractOCR struct {
	languages     []string
	dpi           int
	clientFactory func() *gosseract.Client
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string
	DPI       int
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}

	return &TesseractOCR{
		languages:     langs,
		dpi:           cfg.DPI,
		clientFactory: gosseract.NewClient,
	}
}

func (t *TesseractOCR) Name() string { return "tesseract" }

// Probe initializes a client with the configured languages on a blank page,
// which fails when a traineddata file is missing.
func (t *TesseractOCR) Probe(ctx context.Context) error {
	if v := gosseract.Version(); strings.TrimSpace(v) == "" {
		return fmt.Errorf("tesseract reported no version")
	}

	var blank bytes.Buffer
	if err := png.Encode(&blank, image.NewGray(image.Rect(0, 0, 16, 16))); err != nil {
		return fmt.Errorf("failed to encode blank page: %w", err)
	}

	client := t.clientFactory()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return fmt.Errorf("failed to set languages %v: %w", t.languages, err)
	}
	if err := client.SetImageFromBytes(blank.Bytes()); err != nil {
		return fmt.Errorf("failed to load blank page: %w", err)
	}
	// The client initializes lazily, so traineddata is only read here.
	if _, err := client.Text(); err != nil {
		return fmt.Errorf("tesseract cannot load languages %v: %w", t.languages, err)
	}
	return ctx.Err()
}

// Recognize performs line-level OCR on one page image
func (t *TesseractOCR) Recognize(ctx context.Context, page ocr.PageImage) (*ocr.Page, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := t.clientFactory()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages: %w", err)
	}
	if t.dpi > 0 {
		if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(t.dpi)); err != nil {
			return nil, fmt.Errorf("failed to set dpi: %w", err)
		}
	}

	if err := client.SetImageFromBytes(page.Data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	return &ocr.Page{
		Number:   page.Number,
		Lines:    linesFromBoxes(boxes),
		Engine:   t.Name(),
		Duration: time.Since(startTime),
	}, nil
}

// linesFromBoxes converts Tesseract line boxes into TextLines, dropping blank
// lines. Tesseract reports confidence on a 0-100 scale.
func linesFromBoxes(boxes []gosseract.BoundingBox) []ocr.TextLine {
	lines := make([]ocr.TextLine, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}

		line := ocr.TextLine{
			Text: text,
			BBox: ocr.RectPolygon(float64(b.Box.Min.X), float64(b.Box.Min.Y), float64(b.Box.Dx()), float64(b.Box.Dy())),
		}
		if b.Confidence >= 0 {
			line.Confidence = ocr.Confidence(b.Confidence / 100.0)
		}
		lines = append(lines, line)
	}
	return lines
}
