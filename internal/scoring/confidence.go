package scoring

import "github.com/adverant/nexus/bolprocess-worker/internal/ocr"

// AverageConfidence returns the mean confidence of lines on a 0-100 scale.
// Lines without a usable confidence are left out of both the sum and the
// count; if no line has one the result is 0.
func AverageConfidence(lines []ocr.TextLine) float64 {
	var sum float64
	var count int
	for _, line := range lines {
		if c, ok := line.UsableConfidence(); ok {
			sum += c
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return clamp(sum/float64(count)*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
