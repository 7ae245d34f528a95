/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Common types produced by every line-level OCR engine (local Tesseract and
 * the PaddleOCR sidecar) and consumed by extraction and scoring.
 */

package ocr

import (
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Point is one corner of a text line's bounding polygon.
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes a point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON accepts [x, y].
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy []float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("point must be [x, y]: %w", err)
	}
	if len(xy) != 2 {
		return fmt.Errorf("point must have 2 coordinates, got %d", len(xy))
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// TextLine is one recognized line of text. Confidence is in [0,1]; nil means
// the engine did not report one.
type TextLine struct {
	Text       string   `json:"text"`
	BBox       []Point  `json:"bbox"`
	Confidence *float64 `json:"confidence"`
}

// UsableConfidence reports the line confidence if it is a finite value in [0,1].
func (l TextLine) UsableConfidence() (float64, bool) {
	if l.Confidence == nil {
		return 0, false
	}
	c := *l.Confidence
	if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 || c > 1 {
		return 0, false
	}
	return c, true
}

// Confidence returns a pointer to c, for building TextLines.
func Confidence(c float64) *float64 {
	return &c
}

// RectPolygon returns the clockwise corners of an axis-aligned box.
func RectPolygon(x, y, width, height float64) []Point {
	return []Point{
		{X: x, Y: y},
		{X: x + width, Y: y},
		{X: x + width, Y: y + height},
		{X: x, Y: y + height},
	}
}

// PageImage is one rasterized page handed to an engine.
type PageImage struct {
	Number   int
	Data     []byte
	MimeType string
}

// Page is the OCR output for a single page.
type Page struct {
	Number   int
	Lines    []TextLine
	Regions  []RawRegion // only set by engines that also run layout analysis
	Engine   string
	Duration time.Duration
}

// RawRegion is a layout region as reported by a layout engine, before it is
// normalized into a table, text block or unknown region.
type RawRegion struct {
	Type       string     `json:"type"`
	BBox       []float64  `json:"bbox"`
	Confidence float64    `json:"confidence"`
	HTML       string     `json:"html,omitempty"`
	Cells      []RawCell  `json:"cells,omitempty"`
	Lines      []TextLine `json:"lines,omitempty"`
}

// RawCell is a recognized table cell.
type RawCell struct {
	BBox []float64 `json:"bbox"`
	Text string    `json:"text"`
}
