package extraction

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field is an ExtractedFields key.
type Field string

const (
	BOLNumber    Field = "bol_number"
	CarrierName  Field = "carrier_name"
	Weight       Field = "weight"
	PalletCount  Field = "pallet_count"
	ShipDate     Field = "ship_date"
	DeliveryDate Field = "delivery_date"
	FromAddress  Field = "from_address"
	ToAddress    Field = "to_address"
	CustomerName Field = "customer_name"
	SCAC         Field = "scac"
	PONumber     Field = "po_number"
)

// Rule is one pattern for a field. Value turns a submatch into the field
// value; it returns false to reject the occurrence. A nil Value takes the
// trimmed first group.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Value   func(groups []string) (string, bool)
}

// RuleSet is the ordered rule table. Fields are evaluated in Order; within a
// field, rules are tried in slice order and the first accepted value wins.
type RuleSet struct {
	Order []Field
	Rules map[Field][]Rule
}

const (
	optNewline = `(?:\n[ \t]*)?`
	sep        = `[ \t]*[:#-]?[ \t]*`
	number     = `([0-9][0-9,]*(?:\.[0-9]+)?)`
	unit       = `(pounds?|lbs?|kilograms?|kgs?)`
	dateToken  = `([0-9]{1,2}[/-][0-9]{1,2}[/-](?:[0-9]{4}|[0-9]{2}))\b`
	zipAnchor  = `[\s\S]{0,200}?\b[A-Z]{2},?[ \t]+[0-9]{5}(?:-[0-9]{4})?`
)

var (
	// labelLeak catches captures that are really the next label word.
	labelLeak = regexp.MustCompile(`(?i)^(?:code|scac|no|number|num|id)\b|^#`)

	fromLabelInside = regexp.MustCompile(`(?i)\b(?:ship(?:ped)?[ \t]+from|origin)\b|\bfrom[ \t]*:`)
	toLabelInside   = regexp.MustCompile(`(?i)\b(?:ship[ \t]+to|deliver[ \t]+to|consignee|destination)\b|\bto[ \t]*:`)

	wsRun = regexp.MustCompile(`[ \t]+`)
)

func rx(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + pattern)
}

// DefaultRules returns the built-in BOL rule table.
func DefaultRules() RuleSet {
	return RuleSet{
		Order: []Field{
			BOLNumber, CarrierName, Weight, PalletCount, ShipDate,
			DeliveryDate, FromAddress, ToAddress, CustomerName, SCAC, PONumber,
		},
		Rules: map[Field][]Rule{
			BOLNumber: {
				{
					Name:    "bol-label",
					Pattern: rx(`\b(?:BOL|B/L|Bill[ \t]+of[ \t]+Lading)(?:[ \t]*(?:Number|Num|No\.?|#)[ \t]*[:#.-]?|[ \t]*[:#-]|[ \t]+)[ \t]*((?-i:[A-Z0-9]{4,}))\b`),
					Value:   bolToken,
				},
				{
					Name:    "bol-glued",
					Pattern: rx(`\bBOL((?-i:[A-Z0-9]{6,}))\b`),
					Value:   bolToken,
				},
				{
					Name:    "shipment-label",
					Pattern: rx(`\b(?:Shipment|Tracking|PRO)(?:[ \t]*(?:Number|Num|No\.?|ID|#)[ \t]*[:#.-]?|[ \t]*[:#-])[ \t]*([A-Z0-9-]{6,20})\b`),
					Value:   token,
				},
				{
					Name:    "scac-pro",
					Pattern: rx(`\b([A-Z]{4}-?[0-9]{6,10})\b`),
				},
			},
			CarrierName: {
				{
					Name:    "carrier-label",
					Pattern: rx(`\b(?:Carrier(?:[ \t]+Name)?|Shipper|Transport(?:er)?)\b` + sep + optNewline + `([^\n]+)`),
					Value:   carrierSpan,
				},
				{
					Name:    "carrier-kind-label",
					Pattern: rx(`\b(?:Trucking|Express|Logistics)(?:[ \t]+(?:Company|Co|Name))?\b\.?[ \t]*[:#-][ \t]*([^\n]+)`),
					Value:   carrierSpan,
				},
				{
					Name:    "motor-carrier-number",
					Pattern: rx(`\bMC[ \t]*#?[ \t]*[:-]?[ \t]*[0-9]{3,8}\b[ \t]*[,:;-]?[ \t]*([^\n]+)`),
					Value:   carrierSpan,
				},
			},
			Weight: {
				{
					Name:    "weight-label",
					Pattern: rx(`\b(?:Total[ \t]+Weight|Gross[ \t]+Weight|Weight|Wt)\b\.?[ \t]*(?:\((lbs?|kgs?)\))?` + sep + number + `(?:[ \t]*` + unit + `\b)?`),
					Value: func(g []string) (string, bool) {
						u := g[3]
						if u == "" {
							u = g[1]
						}
						return weightValue(g[2], u)
					},
				},
				{
					Name:    "number-unit",
					Pattern: rx(`\b` + number + `[ \t]*` + unit + `\b`),
					Value:   func(g []string) (string, bool) { return weightValue(g[1], g[2]) },
				},
				{
					Name:    "unit-number",
					Pattern: rx(`\b` + unit + `\b\.?` + sep + number),
					Value:   func(g []string) (string, bool) { return weightValue(g[2], g[1]) },
				},
			},
			PalletCount: {
				{
					Name:    "count-label",
					Pattern: rx(`\b(?:Pallets?|Skids?|Pieces|Pcs|Piece[ \t]+Count|Count|Qty|Quantity)\b\.?` + sep + `([0-9]+)\b`),
				},
				{
					Name:    "number-count",
					Pattern: rx(`\b([0-9]+)[ \t]*(?:Pallets?|Skids?|Pieces|Pcs|Plts?)\b`),
				},
			},
			ShipDate: {
				{
					Name:    "ship-date-label",
					Pattern: rx(`\b(?:Ship(?:ping)?[ \t]*Date|Date[ \t]+Shipped|Pick[ \t]*up[ \t]+Date)\b` + sep + dateToken),
				},
				{
					Name:    "date-label",
					Pattern: rx(`(?:\b([A-Z]+)[ \t]+)?\bDate\b` + sep + dateToken),
					Value: func(g []string) (string, bool) {
						switch strings.ToLower(g[1]) {
						case "delivery", "deliver", "due", "expected", "expiration", "expiry":
							return "", false
						}
						return g[2], true
					},
				},
			},
			DeliveryDate: {
				{
					Name:    "delivery-date-label",
					Pattern: rx(`\b(?:Delivery[ \t]+Date|Expected[ \t]+Delivery(?:[ \t]+Date)?|Deliver[ \t]+By|Due[ \t]+Date)\b` + sep + dateToken),
				},
			},
			FromAddress: {
				{
					Name:    "origin-label",
					Pattern: rx(`\b(?:Ship[ \t]+From|Shipped[ \t]+From|Origin|Pick[ \t]*up[ \t]+(?:At|From|Location))\b` + sep + `(` + zipAnchor + `)`),
					Value:   addressValue(toLabelInside),
				},
				{
					Name:    "from-label",
					Pattern: rx(`\bFrom[ \t]*[:#-][ \t]*(` + zipAnchor + `)`),
					Value:   addressValue(toLabelInside),
				},
			},
			ToAddress: {
				{
					Name:    "destination-label",
					Pattern: rx(`\b(?:Ship[ \t]+To|Deliver[ \t]+To|Consignee|Destination)\b` + sep + `(` + zipAnchor + `)`),
					Value:   addressValue(fromLabelInside),
				},
				{
					Name:    "to-label",
					Pattern: rx(`\bTo[ \t]*[:#-][ \t]*(` + zipAnchor + `)`),
					Value:   addressValue(fromLabelInside),
				},
			},
			CustomerName: {
				{
					Name:    "customer-label",
					Pattern: rx(`\b(?:Customer(?:[ \t]+Name)?|Cust|Consignee(?:[ \t]+Name)?)\b\.?` + sep + optNewline + `([A-Z0-9 &.,'-]{3,50})`),
					Value:   nameValue,
				},
				{
					Name:    "recipient-label",
					Pattern: rx(`\b(?:Ship[ \t]+To|Recipient|Sold[ \t]+To|Bill[ \t]+To)\b` + sep + optNewline + `([A-Z0-9 &.,'-]{3,50})`),
					Value:   nameValue,
				},
			},
			SCAC: {
				{
					Name:    "scac-label",
					Pattern: rx(`\b(?:SCAC(?:[ \t]+Code)?|Carrier[ \t]+Code)\b` + sep + `([A-Z]{2,4})\b`),
					Value: func(g []string) (string, bool) {
						return strings.ToUpper(g[1]), true
					},
				},
			},
			PONumber: {
				{
					Name:    "po-label",
					Pattern: rx(`(?:\bP\.O\.|\bPO\b|\bPurchase[ \t]+Order\b)[ \t]*(?:Number|Num|No\.?|#)?` + sep + `([A-Z0-9-]{4,20})\b`),
					Value:   token,
				},
			},
		},
	}
}

// bolToken accepts BOL identifiers only when they carry a digit, so header
// words like "BILL OF LADING - SHORT FORM" are skipped.
func bolToken(g []string) (string, bool) {
	v, ok := token(g)
	if !ok || !strings.ContainsAny(v, "0123456789") {
		return "", false
	}
	return v, true
}

// token accepts an identifier unless it is really a label word.
func token(g []string) (string, bool) {
	v := strings.TrimSpace(g[1])
	if v == "" || labelLeak.MatchString(v) {
		return "", false
	}
	return v, true
}

func trimSpan(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ",.:;")
	return strings.TrimSpace(wsRun.ReplaceAllString(s, " "))
}

// carrierSpan bounds free-text carrier names to 4-99 characters.
func carrierSpan(g []string) (string, bool) {
	v := trimSpan(g[1])
	if n := len([]rune(v)); n < 4 || n > 99 {
		return "", false
	}
	if r, _ := utf8.DecodeRuneInString(v); !unicode.IsLetter(r) && !unicode.IsDigit(r) {
		return "", false
	}
	if labelLeak.MatchString(v) {
		return "", false
	}
	return v, true
}

func nameValue(g []string) (string, bool) {
	v := trimSpan(g[1])
	if len([]rune(v)) < 3 || labelLeak.MatchString(v) {
		return "", false
	}
	return v, true
}

// weightValue keeps the unit the document used; only kilograms are marked
// as such, anything else is pounds.
func weightValue(num, u string) (string, bool) {
	num = strings.TrimRight(num, ",")
	if num == "" {
		return "", false
	}
	switch strings.ToLower(u) {
	case "kg", "kgs", "kilogram", "kilograms":
		return num + " kg", true
	default:
		return num + " lbs", true
	}
}

// addressValue joins a multi-line address with ", ". Spans that run into the
// opposite address block are rejected.
func addressValue(opposite *regexp.Regexp) func([]string) (string, bool) {
	return func(g []string) (string, bool) {
		if opposite.MatchString(g[1]) {
			return "", false
		}
		parts := make([]string, 0, 4)
		for _, line := range strings.Split(g[1], "\n") {
			if line = trimSpan(line); line != "" {
				parts = append(parts, line)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, ", "), true
	}
}
