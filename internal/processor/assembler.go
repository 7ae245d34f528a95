package processor

import (
	"errors"
	"strings"

	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
	"github.com/adverant/nexus/bolprocess-worker/internal/extraction"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StructuredResult is the single envelope returned to callers. When Success
// is false only Error, ErrorType and (optionally) Trace are meaningful.
type StructuredResult struct {
	Success bool

	FullText          string
	Lines             []ocr.TextLine
	AverageConfidence float64
	ExtractedFields   extraction.Fields
	QualityScore      int
	Layout            []LayoutRegion
	PageCount         int
	ProcessingTime    float64 // seconds

	Error     string
	ErrorType string
	Trace     string
}

// AssembleInput is everything a successful result is built from.
type AssembleInput struct {
	Lines             []ocr.TextLine
	Fields            extraction.Fields
	AverageConfidence float64
	QualityScore      int
	Layout            []LayoutRegion
	PageCount         int
	ProcessingTime    float64
}

// Assemble builds a success envelope. full_text is the newline join of the
// line texts in the order given.
func Assemble(in AssembleInput) *StructuredResult {
	fields := in.Fields
	if fields == nil {
		fields = extraction.Fields{}
	}

	return &StructuredResult{
		Success:           true,
		FullText:          JoinLines(in.Lines),
		Lines:             in.Lines,
		AverageConfidence: in.AverageConfidence,
		ExtractedFields:   fields,
		QualityScore:      in.QualityScore,
		Layout:            in.Layout,
		PageCount:         in.PageCount,
		ProcessingTime:    in.ProcessingTime,
	}
}

// Failure builds the error envelope for err.
func Failure(jobID string, err error) *StructuredResult {
	pe := apperrors.Classify(jobID, err)
	if pe == nil {
		pe = apperrors.NewUpstreamFailureError(jobID, "processing", errors.New("unknown error"))
	}
	return &StructuredResult{
		Success:   false,
		Error:     pe.Error(),
		ErrorType: string(pe.Kind()),
	}
}

// WithoutTrace returns a copy of r with Trace cleared, for results that leave
// the process.
func (r *StructuredResult) WithoutTrace() *StructuredResult {
	if r == nil || r.Trace == "" {
		return r
	}
	out := *r
	out.Trace = ""
	return &out
}

// JoinLines joins line texts with "\n".
func JoinLines(lines []ocr.TextLine) string {
	texts := make([]string, len(lines))
	for i, line := range lines {
		texts[i] = line.Text
	}
	return strings.Join(texts, "\n")
}

// Tables returns the table regions in layout order.
func (r *StructuredResult) Tables() []*TableRegion {
	tables := make([]*TableRegion, 0)
	for _, region := range r.Layout {
		if t, ok := region.(*TableRegion); ok {
			tables = append(tables, t)
		}
	}
	return tables
}

// TextBlocks returns the text block regions in layout order.
func (r *StructuredResult) TextBlocks() []*TextBlockRegion {
	blocks := make([]*TextBlockRegion, 0)
	for _, region := range r.Layout {
		if b, ok := region.(*TextBlockRegion); ok {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

type successJSON struct {
	Success           bool               `json:"success"`
	FullText          string             `json:"full_text"`
	Lines             []ocr.TextLine     `json:"lines"`
	AverageConfidence float64            `json:"average_confidence"`
	ExtractedFields   extraction.Fields  `json:"extracted_fields"`
	QualityScore      int                `json:"quality_score"`
	LineCount         int                `json:"line_count"`
	PageCount         int                `json:"page_count"`
	Layout            []RegionBase       `json:"layout"`
	Tables            []*TableRegion     `json:"tables"`
	TextBlocks        []*TextBlockRegion `json:"text_blocks"`
	TableCount        int                `json:"table_count"`
	LayoutCount       int                `json:"layout_count"`
	ProcessingTime    float64            `json:"processing_time"`
}

type failureJSON struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	Trace     string `json:"traceback,omitempty"`
}

// MarshalJSON writes the success or failure shape. A failure carries no
// result keys at all.
func (r *StructuredResult) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(failureJSON{
			Success:   false,
			Error:     r.Error,
			ErrorType: r.ErrorType,
			Trace:     r.Trace,
		})
	}

	layout := make([]RegionBase, 0, len(r.Layout))
	for _, region := range r.Layout {
		switch region.(type) {
		case *TableRegion, *TextBlockRegion, *UnknownRegion:
			layout = append(layout, region.Base())
		}
	}

	lines := r.Lines
	if lines == nil {
		lines = []ocr.TextLine{}
	}
	fields := r.ExtractedFields
	if fields == nil {
		fields = extraction.Fields{}
	}
	tables := r.Tables()

	return json.Marshal(successJSON{
		Success:           true,
		FullText:          r.FullText,
		Lines:             lines,
		AverageConfidence: r.AverageConfidence,
		ExtractedFields:   fields,
		QualityScore:      r.QualityScore,
		LineCount:         len(r.Lines),
		PageCount:         r.PageCount,
		Layout:            layout,
		Tables:            tables,
		TextBlocks:        r.TextBlocks(),
		TableCount:        len(tables),
		LayoutCount:       len(layout),
		ProcessingTime:    r.ProcessingTime,
	})
}

// UnmarshalJSON reads either shape back. Layout regions are restored from
// tables and text_blocks; other regions come back as UnknownRegion.
func (r *StructuredResult) UnmarshalJSON(data []byte) error {
	var probe struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if !probe.Success {
		var f failureJSON
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*r = StructuredResult{Success: false, Error: f.Error, ErrorType: f.ErrorType, Trace: f.Trace}
		return nil
	}

	var s successJSON
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	tables, blocks := s.Tables, s.TextBlocks
	layout := make([]LayoutRegion, 0, len(s.Layout))
	for _, base := range s.Layout {
		switch {
		case base.Type == "table" && len(tables) > 0:
			layout = append(layout, tables[0])
			tables = tables[1:]
		case len(blocks) > 0 && blocks[0].Type == base.Type:
			layout = append(layout, blocks[0])
			blocks = blocks[1:]
		default:
			layout = append(layout, &UnknownRegion{RegionBase: base})
		}
	}

	*r = StructuredResult{
		Success:           true,
		FullText:          s.FullText,
		Lines:             s.Lines,
		AverageConfidence: s.AverageConfidence,
		ExtractedFields:   s.ExtractedFields,
		QualityScore:      s.QualityScore,
		Layout:            layout,
		PageCount:         s.PageCount,
		ProcessingTime:    s.ProcessingTime,
	}
	return nil
}
