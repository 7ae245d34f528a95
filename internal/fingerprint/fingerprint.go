/**
 * Text fingerprints for duplicate BOL detection
 *
 * Produces fixed-size vectors from recognized text by hashing character
 * trigrams into buckets (the hashing trick). Two scans of the same paper BOL
 * land close together under cosine similarity even when OCR noise differs.
 */

package fingerprint

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	MinDimensions = 16
	ngramSize     = 3
)

// Generator hashes text into vectors of a fixed dimension.
type Generator struct {
	dimensions int
}

// NewGenerator creates a generator for vectors of the given size
func NewGenerator(dimensions int) (*Generator, error) {
	if dimensions < MinDimensions {
		return nil, fmt.Errorf("fingerprint dimensions must be at least %d, got %d", MinDimensions, dimensions)
	}
	return &Generator{dimensions: dimensions}, nil
}

// Dimensions returns the vector size.
func (g *Generator) Dimensions() int {
	return g.dimensions
}

// Vector returns the L2-normalized fingerprint of text. Text with no letters
// or digits yields a zero vector.
func (g *Generator) Vector(text string) []float32 {
	acc := make([]float64, g.dimensions)

	runes := []rune(" " + normalize(text) + " ")
	if len(runes) > 2 {
		for i := 0; i+ngramSize <= len(runes); i++ {
			h := xxhash.Sum64String(string(runes[i : i+ngramSize]))
			bucket := h % uint64(g.dimensions)
			// Top bit picks the sign so collisions tend to cancel.
			if h>>63 == 1 {
				acc[bucket]--
			} else {
				acc[bucket]++
			}
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, g.dimensions)
	if norm == 0 {
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

// VectorBatch fingerprints several texts.
func (g *Generator) VectorBatch(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = g.Vector(text)
	}
	return out
}

// IsZero reports whether v carries no signal.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the sizes differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalize lowercases, drops punctuation and collapses whitespace.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		default:
			space = true
		}
	}
	return b.String()
}
