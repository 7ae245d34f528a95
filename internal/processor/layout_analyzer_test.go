package processor

import (
	"reflect"
	"testing"

	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
)

func TestParseTableHTML(t *testing.T) {
	tests := []struct {
		name    string
		html    string
		want    [][]string
		wantErr bool
	}{
		{
			name: "header and body",
			html: "<table><thead><tr><th>Item</th><th>Qty</th></tr></thead><tbody><tr><td>Pallet</td><td> 4 </td></tr></tbody></table>",
			want: [][]string{{"Item", "Qty"}, {"Pallet", "4"}},
		},
		{
			name: "unclosed cells",
			html: "<table><tr><td>a<td>b<tr><td>c</table>",
			want: [][]string{{"a", "b"}, {"c"}},
		},
		{
			name: "nested markup",
			html: "<table><tr><td><b>BOL</b> 123</td></tr></table>",
			want: [][]string{{"BOL 123"}},
		},
		{
			name: "empty",
			html: "   ",
			want: [][]string{},
		},
		{
			name:    "no rows",
			html:    "<div>not a table</div>",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTableHTML(tt.html)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTableHTML() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseTableHTML() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnalyzeSidecarRegions(t *testing.T) {
	page := &ocr.Page{
		Regions: []ocr.RawRegion{
			{Type: "Table", BBox: []float64{0, 0, 10, 10}, Confidence: 0.98765, HTML: "<table><tr><td>x</td></tr></table>",
				Cells: []ocr.RawCell{{BBox: []float64{0, 0, 5, 5}, Text: "x"}}},
			{Type: "table", HTML: "<p>broken</p>"},
			{Type: "title", Lines: []ocr.TextLine{{Text: "BILL OF LADING", Confidence: ocr.Confidence(0.91234)}, {Text: "Straight"}}},
			{Type: "figure", Confidence: 0.4},
		},
	}

	regions := NewLayoutAnalyzer().Analyze(page)
	if len(regions) != 4 {
		t.Fatalf("got %d regions, want 4", len(regions))
	}

	table, ok := regions[0].(*TableRegion)
	if !ok {
		t.Fatalf("region 0 is %T", regions[0])
	}
	if table.Type != "table" || table.Confidence != 0.988 {
		t.Errorf("table base = %+v", table.RegionBase)
	}
	if !reflect.DeepEqual(table.Data, [][]string{{"x"}}) || len(table.Cells) != 1 || table.ParseError != "" {
		t.Errorf("table = %+v", table)
	}

	broken, ok := regions[1].(*TableRegion)
	if !ok || broken.ParseError == "" || len(broken.Data) != 0 || broken.Data == nil {
		t.Errorf("broken table = %+v", regions[1])
	}

	block, ok := regions[2].(*TextBlockRegion)
	if !ok {
		t.Fatalf("region 2 is %T", regions[2])
	}
	if block.Text != "BILL OF LADING\nStraight" {
		t.Errorf("block text = %q", block.Text)
	}
	if block.Lines[0].Confidence == nil || *block.Lines[0].Confidence != 0.912 || block.Lines[1].Confidence != nil {
		t.Errorf("block lines = %+v", block.Lines)
	}

	if _, ok := regions[3].(*UnknownRegion); !ok {
		t.Errorf("region 3 is %T, want *UnknownRegion", regions[3])
	}
}

func TestAnalyzeFromLines(t *testing.T) {
	lines := []ocr.TextLine{
		{Text: "BOL# 12345", BBox: ocr.RectPolygon(0, 0, 100, 10), Confidence: ocr.Confidence(0.9)},
		{Text: "| Item | Qty | Weight |", BBox: ocr.RectPolygon(0, 20, 200, 10), Confidence: ocr.Confidence(0.8)},
		{Text: "| Pallet | 4 | 1500 |", BBox: ocr.RectPolygon(0, 30, 200, 10), Confidence: ocr.Confidence(0.8)},
		{Text: "Signature", BBox: ocr.RectPolygon(0, 50, 80, 10), Confidence: ocr.Confidence(0.7)},
	}

	regions := NewLayoutAnalyzer().Analyze(&ocr.Page{Lines: lines})
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}

	table, ok := regions[0].(*TableRegion)
	if !ok {
		t.Fatalf("region 0 is %T", regions[0])
	}
	wantData := [][]string{{"Item", "Qty", "Weight"}, {"Pallet", "4", "1500"}}
	if !reflect.DeepEqual(table.Data, wantData) {
		t.Errorf("table data = %q, want %q", table.Data, wantData)
	}
	if !reflect.DeepEqual(table.BBox, []float64{0, 20, 200, 40}) {
		t.Errorf("table bbox = %v", table.BBox)
	}
	if len(table.Cells) != 6 {
		t.Errorf("len(cells) = %d, want 6", len(table.Cells))
	}

	block, ok := regions[1].(*TextBlockRegion)
	if !ok {
		t.Fatalf("region 1 is %T", regions[1])
	}
	if block.Text != "BOL# 12345\nSignature" {
		t.Errorf("block text = %q", block.Text)
	}
	if block.Confidence != 0.8 {
		t.Errorf("block confidence = %v, want 0.8", block.Confidence)
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	a := NewLayoutAnalyzer()
	if got := a.Analyze(nil); got != nil {
		t.Errorf("Analyze(nil) = %v", got)
	}
	if got := a.Analyze(&ocr.Page{}); len(got) != 0 {
		t.Errorf("Analyze(empty) = %v", got)
	}
}

func TestDetectTableRegions(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []TableRegionSpan
	}{
		{
			name:  "csv block",
			lines: []string{"a,b,c", "1,2,3", "4,5,6", "done"},
			want:  []TableRegionSpan{{StartLine: 0, EndLine: 2, Delimiter: ","}},
		},
		{
			name:  "single delimited line is not a table",
			lines: []string{"a|b|c", "plain"},
			want:  []TableRegionSpan{},
		},
		{
			name:  "column jump ends the table",
			lines: []string{"a\tb\tc", "1\t2\t3", "1\t2\t3\t4\t5\t6"},
			want:  []TableRegionSpan{{StartLine: 0, EndLine: 1, Delimiter: "\t"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectTableRegions(tt.lines); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("detectTableRegions() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
