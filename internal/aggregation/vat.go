package aggregation

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Confidence tells how much a recomputed VAT breakdown can be trusted.
type Confidence string

const (
	// ConfidenceStored means the bank line carried its own decomposition
	ConfidenceStored Confidence = "stored"
	// ConfidenceExact means the rate came from a known rate label
	ConfidenceExact Confidence = "exact"
	// ConfidenceDegraded means the rate was parsed from free text or defaulted to zero
	ConfidenceDegraded Confidence = "degraded"
)

var namedRates = map[string]decimal.Decimal{
	"exonerated":    decimal.Zero,
	"exonere":       decimal.Zero,
	"exonéré":       decimal.Zero,
	"normal":        decimal.NewFromInt(20),
	"reduced":       decimal.RequireFromString("5.5"),
	"intermediate":  decimal.NewFromInt(10),
	"super-reduced": decimal.RequireFromString("2.1"),
	"super_reduced": decimal.RequireFromString("2.1"),
}

var leadingPercent = regexp.MustCompile(`^\s*(\d+(?:[.,]\d+)?)`)

// RateForLabel maps a VAT-rate label to a percentage. Known labels are exact;
// anything else is parsed for a leading number, defaulting to zero, and
// reported as degraded.
func RateForLabel(label string) (decimal.Decimal, Confidence) {
	key := strings.ToLower(strings.TrimSpace(label))
	if rate, ok := namedRates[key]; ok {
		return rate, ConfidenceExact
	}
	m := leadingPercent.FindStringSubmatch(key)
	if m == nil {
		return decimal.Zero, ConfidenceDegraded
	}
	rate, err := decimal.NewFromString(strings.Replace(m[1], ",", ".", 1))
	if err != nil {
		return decimal.Zero, ConfidenceDegraded
	}
	return rate, ConfidenceDegraded
}

// SplitGross decomposes a gross amount at the given percentage, rounding the
// net to cents and assigning the remainder to VAT.
func SplitGross(gross, ratePercent decimal.Decimal) (net, vat decimal.Decimal) {
	divisor := decimal.NewFromInt(1).Add(ratePercent.Div(decimal.NewFromInt(100)))
	net = gross.Div(divisor).Round(2)
	vat = gross.Sub(net)
	return net, vat
}
