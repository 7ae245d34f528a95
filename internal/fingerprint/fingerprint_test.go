package fingerprint

import (
	"math"
	"testing"
)

const scanA = `BILL OF LADING
BOL# ABCD1234
Carrier: ABC Shipping
Ship From: 100 Main St, Springfield, IL 62701
Ship To: 9 Harbor Rd, Portland, OR 97201
Weight: 1500 lbs
Pallets: 4`

// Same document, different OCR noise.
const scanB = `BILL 0F LADING
BOL#ABCD1234
Carrier : ABC Shipplng
Ship From: 100 Main St. Springfield, IL 62701
Ship To: 9 Harbor Rd, Portland OR 97201
Weight: 1500 Ibs
Pallets: 4`

const other = `STRAIGHT BILL OF LADING - SHORT FORM
PRO 55512
Carrier: Northwind Freight Lines
Consignee: Contoso Retail, 77 Elm Ave, Austin, TX 73301
Total Weight: 2,340 kg
12 pallets`

func TestNewGenerator(t *testing.T) {
	if _, err := NewGenerator(8); err == nil {
		t.Error("expected error for tiny dimension")
	}
	g, err := NewGenerator(256)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	if g.Dimensions() != 256 {
		t.Errorf("Dimensions() = %d", g.Dimensions())
	}
}

func TestVectorIsNormalized(t *testing.T) {
	g, _ := NewGenerator(128)
	v := g.Vector(scanA)
	if len(v) != 128 {
		t.Fatalf("len = %d, want 128", len(v))
	}

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-5 {
		t.Errorf("norm = %v, want 1", math.Sqrt(sum))
	}
}

func TestVectorDeterministic(t *testing.T) {
	g, _ := NewGenerator(256)
	a, b := g.Vector(scanA), g.Vector(scanA)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("component %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestVectorSimilarity(t *testing.T) {
	g, _ := NewGenerator(512)
	a, b, c := g.Vector(scanA), g.Vector(scanB), g.Vector(other)

	same := Cosine(a, b)
	diff := Cosine(a, c)
	if same <= diff {
		t.Errorf("noisy rescan similarity %v should exceed unrelated similarity %v", same, diff)
	}
	if self := Cosine(a, a); math.Abs(self-1) > 1e-5 {
		t.Errorf("self similarity = %v", self)
	}
}

func TestVectorIgnoresCaseAndPunctuation(t *testing.T) {
	g, _ := NewGenerator(64)
	a := g.Vector("Carrier: ABC Shipping!")
	b := g.Vector("carrier abc   shipping")
	if sim := Cosine(a, b); math.Abs(sim-1) > 1e-6 {
		t.Errorf("similarity = %v, want 1", sim)
	}
}

func TestZeroVector(t *testing.T) {
	g, _ := NewGenerator(32)
	for _, text := range []string{"", "   ", "---!!!"} {
		v := g.Vector(text)
		if !IsZero(v) {
			t.Errorf("Vector(%q) should be zero", text)
		}
		if Cosine(v, g.Vector("abc")) != 0 {
			t.Errorf("Cosine with zero vector should be 0")
		}
	}
}

func TestVectorBatch(t *testing.T) {
	g, _ := NewGenerator(32)
	out := g.VectorBatch([]string{"a b c", "", "xyz"})
	if len(out) != 3 || !IsZero(out[1]) || IsZero(out[0]) {
		t.Errorf("VectorBatch() = %v", out)
	}
}

func TestCosineSizeMismatch(t *testing.T) {
	if Cosine([]float32{1, 0}, []float32{1}) != 0 {
		t.Error("mismatched sizes should give 0")
	}
}
