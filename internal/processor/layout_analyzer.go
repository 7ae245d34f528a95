/**
 * Layout Analyzer for the BOL worker
 *
 * Normalizes layout regions into three variants (table, text block, unknown).
 * Regions come from the PP-Structure sidecar when it ran; otherwise tables are
 * found heuristically from delimiter patterns in the recognized lines and the
 * rest of the page becomes a single text block.
 */

package processor

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
	"golang.org/x/net/html"
)

// LayoutRegion is one of *TableRegion, *TextBlockRegion or *UnknownRegion.
type LayoutRegion interface {
	Base() RegionBase
	layoutRegion()
}

// RegionBase holds what every region reports.
type RegionBase struct {
	Type       string    `json:"type"`
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
}

func (b RegionBase) Base() RegionBase { return b }

// TableCell is a recognized table cell.
type TableCell struct {
	BBox []float64 `json:"bbox"`
	Text string    `json:"text"`
}

// TableRegion is a table with its structure HTML and the parsed rows.
type TableRegion struct {
	RegionBase
	HTML       string      `json:"html"`
	Cells      []TableCell `json:"cells"`
	Data       [][]string  `json:"data"`
	ParseError string      `json:"parse_error,omitempty"`
}

// BlockLine is a recognized line inside a text block.
type BlockLine struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// TextBlockRegion is running text.
type TextBlockRegion struct {
	RegionBase
	Text  string      `json:"text"`
	Lines []BlockLine `json:"text_lines"`
}

// UnknownRegion is any other region type (figures, stamps, signatures).
type UnknownRegion struct {
	RegionBase
}

func (*TableRegion) layoutRegion()     {}
func (*TextBlockRegion) layoutRegion() {}
func (*UnknownRegion) layoutRegion()   {}

const heuristicTableConfidence = 0.6

// LayoutAnalyzer performs document layout analysis
type LayoutAnalyzer struct {
	logger *logging.Logger
}

// NewLayoutAnalyzer creates a new layout analyzer
func NewLayoutAnalyzer() *LayoutAnalyzer {
	return &LayoutAnalyzer{logger: logging.NewLogger("layout")}
}

// Analyze returns the layout regions for one OCR page.
func (l *LayoutAnalyzer) Analyze(page *ocr.Page) []LayoutRegion {
	if page == nil {
		return nil
	}
	if len(page.Regions) > 0 {
		regions := make([]LayoutRegion, 0, len(page.Regions))
		for _, raw := range page.Regions {
			regions = append(regions, l.convertRegion(raw))
		}
		return regions
	}
	return l.analyzeFromLines(page.Lines)
}

// convertRegion maps a PP-Structure region onto a variant.
func (l *LayoutAnalyzer) convertRegion(raw ocr.RawRegion) LayoutRegion {
	base := RegionBase{
		Type:       strings.ToLower(raw.Type),
		BBox:       raw.BBox,
		Confidence: round3(raw.Confidence),
	}

	switch base.Type {
	case "table":
		table := &TableRegion{RegionBase: base, HTML: raw.HTML, Cells: make([]TableCell, 0, len(raw.Cells))}
		for _, c := range raw.Cells {
			table.Cells = append(table.Cells, TableCell{BBox: c.BBox, Text: c.Text})
		}
		data, err := parseTableHTML(raw.HTML)
		if err != nil {
			l.logger.Warn("Table HTML could not be parsed", "error", err)
			table.ParseError = err.Error()
			data = [][]string{}
		}
		table.Data = data
		return table
	case "text", "title", "header", "footer", "list", "paragraph", "reference":
		return newTextBlock(base, raw.Lines)
	default:
		return &UnknownRegion{RegionBase: base}
	}
}

// analyzeFromLines performs heuristic layout analysis over recognized lines.
func (l *LayoutAnalyzer) analyzeFromLines(lines []ocr.TextLine) []LayoutRegion {
	if len(lines) == 0 {
		return nil
	}

	texts := make([]string, len(lines))
	for i, line := range lines {
		texts[i] = line.Text
	}

	regions := make([]LayoutRegion, 0)
	inTable := make([]bool, len(lines))

	for _, tr := range detectTableRegions(texts) {
		spanned := lines[tr.StartLine : tr.EndLine+1]
		data := make([][]string, 0, len(spanned))
		cells := make([]TableCell, 0)
		for i, line := range spanned {
			inTable[tr.StartLine+i] = true
			row := extractCellsFromLine(line.Text, tr.Delimiter)
			for j := range row {
				row[j] = strings.TrimSpace(row[j])
				cells = append(cells, TableCell{BBox: polygonBounds(line.BBox), Text: row[j]})
			}
			data = append(data, row)
		}

		regions = append(regions, &TableRegion{
			RegionBase: RegionBase{
				Type:       "table",
				BBox:       linesBounds(spanned),
				Confidence: heuristicTableConfidence,
			},
			Cells: cells,
			Data:  data,
		})
		l.logger.Debug("Detected table region", "start", tr.StartLine, "end", tr.EndLine, "delimiter", tr.Delimiter)
	}

	rest := make([]ocr.TextLine, 0, len(lines))
	for i, line := range lines {
		if !inTable[i] {
			rest = append(rest, line)
		}
	}
	if len(rest) > 0 {
		regions = append(regions, newTextBlock(RegionBase{
			Type:       "text",
			BBox:       linesBounds(rest),
			Confidence: round3(meanUnitConfidence(rest)),
		}, rest))
	}

	return regions
}

func newTextBlock(base RegionBase, lines []ocr.TextLine) *TextBlockRegion {
	block := &TextBlockRegion{RegionBase: base, Lines: make([]BlockLine, 0, len(lines))}
	texts := make([]string, 0, len(lines))
	for _, line := range lines {
		texts = append(texts, line.Text)
		bl := BlockLine{Text: line.Text}
		if c, ok := line.UsableConfidence(); ok {
			bl.Confidence = ocr.Confidence(round3(c))
		}
		block.Lines = append(block.Lines, bl)
	}
	block.Text = strings.Join(texts, "\n")
	return block
}

// parseTableHTML reads <tr>/<td>/<th> structure into rows of cell text.
func parseTableHTML(src string) ([][]string, error) {
	if strings.TrimSpace(src) == "" {
		return [][]string{}, nil
	}

	z := html.NewTokenizer(strings.NewReader(src))
	rows := make([][]string, 0)
	var row []string
	var cell *strings.Builder

	closeCell := func() {
		if cell != nil {
			row = append(row, strings.TrimSpace(cell.String()))
			cell = nil
		}
	}
	closeRow := func() {
		closeCell()
		if row != nil {
			rows = append(rows, row)
			row = nil
		}
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("tokenize table html: %w", err)
			}
			closeRow()
			if len(rows) == 0 {
				return nil, fmt.Errorf("no table rows found")
			}
			return rows, nil
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "tr":
				closeRow()
				row = []string{}
			case "td", "th":
				closeCell()
				if row == nil {
					row = []string{}
				}
				cell = &strings.Builder{}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "td", "th":
				closeCell()
			case "tr":
				closeRow()
			}
		case html.TextToken:
			if cell != nil {
				cell.Write(z.Text())
			}
		}
	}
}

// TableRegionSpan represents a detected table region in text
type TableRegionSpan struct {
	StartLine int
	EndLine   int
	Delimiter string
}

// detectTableRegions identifies runs of 2+ consecutive lines that share a
// delimiter with a similar column count.
func detectTableRegions(lines []string) []TableRegionSpan {
	regions := make([]TableRegionSpan, 0)

	i := 0
	for i < len(lines) {
		delimiter := detectDelimiter(lines[i])
		if delimiter == "" {
			i++
			continue
		}

		startLine := i
		expectedCols := strings.Count(lines[i], delimiter)

		i++
		for i < len(lines) && detectDelimiter(lines[i]) == delimiter {
			// Accept ±1 column variation (for irregular tables)
			if abs(strings.Count(lines[i], delimiter)-expectedCols) > 1 {
				break
			}
			i++
		}

		if i-startLine >= 2 {
			regions = append(regions, TableRegionSpan{
				StartLine: startLine,
				EndLine:   i - 1,
				Delimiter: delimiter,
			})
		}
	}

	return regions
}

// detectDelimiter identifies the delimiter used in a line
func detectDelimiter(line string) string {
	for _, delim := range []string{"|", "\t", ","} {
		// At least 2 delimiters needed for a table
		if strings.Count(line, delim) >= 2 {
			return delim
		}
	}
	return ""
}

// extractCellsFromLine splits line into cells based on delimiter
func extractCellsFromLine(line string, delimiter string) []string {
	cells := strings.Split(line, delimiter)
	if delimiter == "|" {
		// Remove empty cells at start/end (from leading/trailing pipes)
		if len(cells) > 0 && strings.TrimSpace(cells[0]) == "" {
			cells = cells[1:]
		}
		if len(cells) > 0 && strings.TrimSpace(cells[len(cells)-1]) == "" {
			cells = cells[:len(cells)-1]
		}
	}
	return cells
}

// polygonBounds returns [x1, y1, x2, y2] for a line polygon.
func polygonBounds(points []ocr.Point) []float64 {
	if len(points) == 0 {
		return []float64{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX, minY = math.Min(minX, p.X), math.Min(minY, p.Y)
		maxX, maxY = math.Max(maxX, p.X), math.Max(maxY, p.Y)
	}
	return []float64{minX, minY, maxX, maxY}
}

func linesBounds(lines []ocr.TextLine) []float64 {
	all := make([]ocr.Point, 0, len(lines)*4)
	for _, line := range lines {
		all = append(all, line.BBox...)
	}
	return polygonBounds(all)
}

// meanUnitConfidence is the mean usable confidence on the 0-1 scale.
func meanUnitConfidence(lines []ocr.TextLine) float64 {
	var sum float64
	var n int
	for _, line := range lines {
		if c, ok := line.UsableConfidence(); ok {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
