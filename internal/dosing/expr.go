package dosing

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/drfirst/go-pod/internal/domain/entity"
)

var (
	perKgPattern  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*mg\s*/\s*kg`)
	amountPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
	everyNHours   = regexp.MustCompile(`^Q(\d+)H$`)
)

// Amount is a parsed dose expression.
type Amount struct {
	Value float64
	PerKg bool
}

// ParseDose parses "500 mg", "500", "5 mg/kg" or a range such as "10-20 mg".
// Ranges resolve to their lower bound.
func ParseDose(expr entity.DoseExpr) (Amount, bool) {
	s := strings.TrimSpace(string(expr))
	if m := perKgPattern.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return Amount{Value: v, PerKg: true}, err == nil
	}
	m := amountPattern.FindString(s)
	if m == "" {
		return Amount{}, false
	}
	v, err := strconv.ParseFloat(m, 64)
	return Amount{Value: v}, err == nil
}

// Milligrams resolves the amount for a patient weight. Weight-based amounts
// cannot be resolved without a weight.
func (a Amount) Milligrams(weight float64) (float64, bool) {
	if !a.PerKg {
		return a.Value, true
	}
	if weight <= 0 {
		return 0, false
	}
	return round2(a.Value * weight), true
}

// FrequencyPerDay converts a dosing frequency (OD, BD, TDS, QDS, q6h, ...) to
// administrations per day.
func FrequencyPerDay(freq string) (float64, bool) {
	f := strings.ToUpper(strings.TrimSpace(freq))
	f = strings.NewReplacer(".", "", " ", "").Replace(f)
	switch f {
	case "OD", "QD", "DAILY", "ONCEDAILY", "NOCTE", "MANE":
		return 1, true
	case "BD", "BID", "TWICEDAILY":
		return 2, true
	case "TDS", "TID", "THREETIMESDAILY":
		return 3, true
	case "QDS", "QID", "FOURTIMESDAILY":
		return 4, true
	}
	if m := everyNHours.FindStringSubmatch(f); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 && n <= 24 {
			return 24 / float64(n), true
		}
	}
	return 0, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
