/**
 * Quality Scorer - one 0-100 number per extraction
 *
 * Blends OCR confidence, the amount of recognized text, and which key BOL
 * fields were found. Downstream systems use it to route documents to manual
 * review.
 */

package scoring

import (
	"math"
	"unicode/utf8"

	"github.com/adverant/nexus/bolprocess-worker/internal/extraction"
)

const confidenceWeight = 0.4

// volumeTier is a text-length threshold and the points it earns.
type volumeTier struct {
	minExclusive int
	points       float64
}

// Checked from the top; the first tier the text exceeds applies.
var volumeTiers = []volumeTier{
	{minExclusive: 100, points: 30},
	{minExclusive: 50, points: 20},
	{minExclusive: 10, points: 10},
}

// fieldPoints lists the fields that contribute to the score. Addresses and
// supplementary fields carry no weight.
var fieldPoints = []struct {
	field  extraction.Field
	points float64
}{
	{extraction.BOLNumber, 10},
	{extraction.CarrierName, 8},
	{extraction.Weight, 5},
	{extraction.PalletCount, 4},
	{extraction.ShipDate, 3},
}

// Score computes the quality score. avgConfidence is on the 0-100 scale
// returned by AverageConfidence; NaN counts as 0.
func Score(fullText string, fields extraction.Fields, avgConfidence float64) int {
	if math.IsNaN(avgConfidence) {
		avgConfidence = 0
	}

	total := avgConfidence*confidenceWeight + textVolumePoints(fullText) + fieldPresencePoints(fields)

	return int(clamp(math.Round(total), 0, 100))
}

func textVolumePoints(text string) float64 {
	n := utf8.RuneCountInString(text)
	for _, tier := range volumeTiers {
		if n > tier.minExclusive {
			return tier.points
		}
	}
	return 0
}

func fieldPresencePoints(fields extraction.Fields) float64 {
	var points float64
	for _, fp := range fieldPoints {
		if fields.Has(fp.field) {
			points += fp.points
		}
	}
	return points
}
