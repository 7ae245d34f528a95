package vision

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
)

func box(x0, y0, x1, y1 int32) *visionpb.BoundingPoly {
	return &visionpb.BoundingPoly{Vertices: []*visionpb.Vertex{
		{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1},
	}}
}

// word builds a Word whose last symbol carries brk.
func word(text string, conf float32, bb *visionpb.BoundingPoly, brk visionpb.TextAnnotation_DetectedBreak_BreakType) *visionpb.Word {
	w := &visionpb.Word{BoundingBox: bb, Confidence: conf}
	runes := []rune(text)
	for i, r := range runes {
		s := &visionpb.Symbol{Text: string(r)}
		if i == len(runes)-1 && brk != visionpb.TextAnnotation_DetectedBreak_UNKNOWN {
			s.Property = &visionpb.TextAnnotation_TextProperty{
				DetectedBreak: &visionpb.TextAnnotation_DetectedBreak{Type: brk},
			}
		}
		w.Symbols = append(w.Symbols, s)
	}
	return w
}

func annotation(words ...*visionpb.Word) *visionpb.TextAnnotation {
	return &visionpb.TextAnnotation{Pages: []*visionpb.Page{{
		Blocks: []*visionpb.Block{{
			Paragraphs: []*visionpb.Paragraph{{Words: words}},
		}},
	}}}
}

func TestLinesFromAnnotation(t *testing.T) {
	ann := annotation(
		word("BOL#", 0.5, box(10, 20, 50, 40), visionpb.TextAnnotation_DetectedBreak_SPACE),
		word("ABCD1234", 1.0, box(60, 18, 140, 42), visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE),
		word("Pallets:", 0, box(10, 50, 70, 70), visionpb.TextAnnotation_DetectedBreak_SURE_SPACE),
		word("4", 0, box(75, 50, 85, 70), visionpb.TextAnnotation_DetectedBreak_LINE_BREAK),
		word("Consig", 0.75, box(10, 80, 60, 100), visionpb.TextAnnotation_DetectedBreak_HYPHEN),
		word("nee", 0.75, box(10, 110, 40, 130), visionpb.TextAnnotation_DetectedBreak_UNKNOWN),
	)

	lines := linesFromAnnotation(ann)
	want := []string{"BOL# ABCD1234", "Pallets: 4", "Consig-", "nee"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %+v, want %d", len(lines), lines, len(want))
	}
	for i, text := range want {
		if lines[i].Text != text {
			t.Errorf("line %d = %q, want %q", i, lines[i].Text, text)
		}
	}

	if c, ok := lines[0].UsableConfidence(); !ok || c != 0.75 {
		t.Errorf("first line confidence = %v (usable=%v), want 0.75", c, ok)
	}
	wantBox := []ocr.Point{{X: 10, Y: 18}, {X: 140, Y: 18}, {X: 140, Y: 42}, {X: 10, Y: 42}}
	for i, p := range wantBox {
		if lines[0].BBox[i] != p {
			t.Errorf("BBox[%d] = %v, want %v", i, lines[0].BBox[i], p)
		}
	}

	if lines[1].Confidence != nil {
		t.Errorf("words without confidence should leave the line unscored, got %v", *lines[1].Confidence)
	}
}

func TestLinesFromAnnotationEmpty(t *testing.T) {
	if lines := linesFromAnnotation(nil); len(lines) != 0 {
		t.Errorf("nil annotation gave %d lines", len(lines))
	}
	if lines := linesFromAnnotation(annotation()); len(lines) != 0 {
		t.Errorf("empty paragraph gave %d lines", len(lines))
	}
}

func TestRecognize(t *testing.T) {
	var gotHints []string
	var gotBytes int
	engine := newVisionOCR(func(ctx context.Context, img *visionpb.Image, ictx *visionpb.ImageContext) (*visionpb.TextAnnotation, error) {
		gotBytes = len(img.GetContent())
		gotHints = ictx.GetLanguageHints()
		return annotation(word("Carrier:", 0.5, box(0, 0, 10, 10), visionpb.TextAnnotation_DetectedBreak_LINE_BREAK)), nil
	}, &VisionConfig{LanguageHints: []string{"en"}})

	page, err := engine.Recognize(context.Background(), ocr.PageImage{Number: 2, Data: []byte("img")})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if page.Number != 2 || page.Engine != "google-vision" || len(page.Lines) != 1 {
		t.Errorf("page = %+v", page)
	}
	if gotBytes != 3 || len(gotHints) != 1 || gotHints[0] != "en" {
		t.Errorf("request bytes=%d hints=%v", gotBytes, gotHints)
	}
}

func TestRecognizeError(t *testing.T) {
	engine := newVisionOCR(func(ctx context.Context, img *visionpb.Image, ictx *visionpb.ImageContext) (*visionpb.TextAnnotation, error) {
		return nil, errors.New("permission denied")
	}, nil)

	if _, err := engine.Recognize(context.Background(), ocr.PageImage{Number: 1}); err == nil {
		t.Fatal("expected error")
	}
	if err := engine.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
