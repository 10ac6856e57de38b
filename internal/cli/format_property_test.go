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
	"github.com/stretchr/testify/assert"
)

func parseCurrency(s string) float64 {
	s = strings.TrimPrefix(s, "+")
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	v, _ := strconv.ParseFloat(s, 64)
	if negative {
		return -v
	}
	return v
}

func TestProperty_CurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	grouping := regexp.MustCompile(`^-?\$\d{1,3}(,\d{3})*\.\d{2}$`)

	properties.Property("FormatCurrency groups thousands with two decimals", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatCurrency(amount)
			if !grouping.MatchString(formatted) {
				t.Logf("Invalid format for %f: %s", amount, formatted)
				return false
			}
			return true
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("FormatCurrency preserves value", prop.ForAll(
		func(amount float64) bool {
			parsed := parseCurrency(FormatCurrency(amount))
			return math.Abs(parsed-math.Round(amount*100)/100) <= 0.01
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("FormatPnL carries the sign of the amount", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatPnL(amount)
			switch {
			case amount >= 0.005:
				return strings.HasPrefix(formatted, "+$")
			case amount <= -0.005:
				return strings.HasPrefix(formatted, "-$")
			default:
				return true
			}
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("FormatPercent scales ratios", prop.ForAll(
		func(ratio float64) bool {
			formatted := FormatPercent(ratio)
			if !strings.HasSuffix(formatted, "%") {
				return false
			}
			if ratio > 0 && !strings.HasPrefix(formatted, "+") {
				return false
			}
			v, err := strconv.ParseFloat(strings.TrimSuffix(formatted, "%"), 64)
			return err == nil && math.Abs(v-ratio*100) <= 0.005
		},
		gen.Float64Range(-5, 5),
	))

	properties.TestingRun(t)
}

func TestFormatCurrency_Examples(t *testing.T) {
	assert.Equal(t, "$0.00", FormatCurrency(0))
	assert.Equal(t, "$999.99", FormatCurrency(999.99))
	assert.Equal(t, "$1,000.00", FormatCurrency(1000))
	assert.Equal(t, "-$12,345.68", FormatCurrency(-12345.678))
	assert.Equal(t, "$1,234,567.00", FormatCurrency(1234567))
	assert.Equal(t, "$0.00", FormatCurrency(-0.001))
	assert.Equal(t, "+$150.00", FormatPnL(150))
	assert.Equal(t, "-$205.00", FormatPnL(-205))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "-15.00%", FormatPercent(-0.15))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "2h 5m", FormatDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "2024-03-01 12:00:00", FormatDateTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "-", FormatDateTime(time.Time{}))
	assert.Equal(t, "abc...", TruncateString("abcdefgh", 6))
}
