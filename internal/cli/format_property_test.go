package cli

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var indianGrouping = regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

func TestIndianCurrencyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("uses lakh grouping and two decimals", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			body := strings.TrimPrefix(formatted, "-")
			if !strings.HasPrefix(body, "₹") {
				t.Logf("missing rupee sign: %s", formatted)
				return false
			}
			whole, frac, ok := strings.Cut(strings.TrimPrefix(body, "₹"), ".")
			if !ok || len(frac) != 2 {
				t.Logf("bad decimals: %s", formatted)
				return false
			}
			return indianGrouping.MatchString(whole)
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("preserves value", prop.ForAll(
		func(amount float64) bool {
			parsed := parseIndianCurrency(FormatIndianCurrency(amount))
			return math.Abs(parsed-math.Round(amount*100)/100) <= 0.01
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("pnl sign matches amount", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatPnL(amount)
			switch {
			case amount > 0:
				return strings.HasPrefix(formatted, "+₹")
			case amount < 0:
				return strings.HasPrefix(formatted, "-₹")
			}
			return strings.HasPrefix(formatted, "₹")
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}

func parseIndianCurrency(s string) float64 {
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "₹")
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return math.NaN()
	}
	if negative {
		return -v
	}
	return v
}

func TestIndianNumberFormatExamples(t *testing.T) {
	testCases := []struct {
		amount   float64
		expected string
	}{
		{0, "₹0.00"},
		{100, "₹100.00"},
		{1000, "₹1,000.00"},
		{100000, "₹1,00,000.00"},
		{10000000, "₹1,00,00,000.00"},
		{-1234.56, "-₹1,234.56"},
		{12345678.90, "₹1,23,45,678.90"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := FormatIndianCurrency(tc.amount); got != tc.expected {
				t.Errorf("FormatIndianCurrency(%v) = %s, want %s", tc.amount, got, tc.expected)
			}
		})
	}
}

func TestFormatHelpers(t *testing.T) {
	price := 101.5
	if got := FormatPrice(&price); got != "101.50" {
		t.Errorf("price = %s", got)
	}
	if got := FormatPrice(nil); got != "-" {
		t.Errorf("nil price = %s", got)
	}
	if got := FormatSignedQty(50); got != "+50" {
		t.Errorf("qty = %s", got)
	}
	if got := FormatSignedQty(-25); got != "-25" {
		t.Errorf("qty = %s", got)
	}
	if got := FormatDuration(90 * time.Minute); got != "1h 30m" {
		t.Errorf("duration = %s", got)
	}
	if got := FormatDateTime(time.Time{}); got != "-" {
		t.Errorf("zero time = %s", got)
	}
	if got := TruncateString("NIFTY24DEC24000CE", 8); got != "NIFTY..." {
		t.Errorf("truncate = %s", got)
	}
}
