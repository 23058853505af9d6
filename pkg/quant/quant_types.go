package quant

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PriceMicros represents price multiplied by 1,000,000 (10^6).
// E.g., 1.23 USD = 1,230,000 PriceMicros.
type PriceMicros int64

// QtySats represents quantity multiplied by 100,000,000 (10^8).
// E.g., 1.0 BTC = 100,000,000 QtySats.
type QtySats int64

const (
	PriceScale = 1000000
	QtyScale   = 100000000

	// BpsScale: 1% = 100 basis points. Tolerance and threshold math is done
	// in basis points so the hot path stays float-free.
	BpsScale = 10000
)

// ToPriceMicros converts a float64 (from config or external API) to PriceMicros.
// Only used at the boundary. Internal logic uses PriceMicros directly.
func ToPriceMicros(f float64) PriceMicros {
	return PriceMicros(math.Round(f * PriceScale))
}

// ToQtySats converts a float64 to QtySats.
func ToQtySats(f float64) QtySats {
	return QtySats(math.Round(f * QtyScale))
}

// PctToBps converts a percentage (e.g. 3.0 for 3%) to basis points (300).
func PctToBps(pct float64) int64 {
	return int64(math.Round(pct * 100))
}

func (p PriceMicros) String() string {
	return fmt.Sprintf("%.6f", float64(p)/PriceScale)
}

func (q QtySats) String() string {
	return fmt.Sprintf("%.8f", float64(q)/QtyScale)
}

// DiffBps returns the absolute relative difference between planned and actual
// in basis points: |actual-planned| * 10000 / |planned|.
// A zero planned value against a non-zero actual reports MaxInt64.
func DiffBps(planned, actual int64) int64 {
	if planned == 0 {
		if actual == 0 {
			return 0
		}
		return math.MaxInt64
	}
	diff := actual - planned
	if diff < 0 {
		diff = -diff
	}
	base := planned
	if base < 0 {
		base = -base
	}
	return MulDiv(diff, BpsScale, base)
}

// ApplyBps shifts a value by the given signed basis points:
// ApplyBps(100_000000, -100) = 99_000000.
func ApplyBps(v int64, bps int64) int64 {
	return v + MulDiv(v, bps, BpsScale)
}

// MulDiv computes a*b/den, decomposing the multiplication when the
// intermediate product would overflow int64.
func MulDiv(a, b, den int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	absA := a
	if absA < 0 {
		absA = -absA
	}
	absB := b
	if absB < 0 {
		absB = -absB
	}
	if absA <= math.MaxInt64/absB {
		return a * b / den
	}
	// a = q*den + r, so a*b/den = q*b + r*b/den.
	q := a / den
	r := a % den
	return q*b + r*b/den
}

// ToPriceMicrosStr converts a numeric string to PriceMicros without using float64.
func ToPriceMicrosStr(s string) PriceMicros {
	return PriceMicros(parseFixedPoint(s, 6))
}

// ToQtySatsStr converts a numeric string to QtySats without using float64.
func ToQtySatsStr(s string) QtySats {
	return QtySats(parseFixedPoint(s, 8))
}

// parseFixedPoint parses a numeric string into an int64 with the given precision.
// E.g., parseFixedPoint("1.23", 6) -> 1,230,000.
func parseFixedPoint(s string, precision int) int64 {
	if s == "" || s == "null" {
		return 0
	}

	intStr, fracStr := s, ""
	if dotIdx := strings.IndexByte(s, '.'); dotIdx != -1 {
		intStr, fracStr = s[:dotIdx], s[dotIdx+1:]
	}

	intPart, _ := strconv.ParseInt(intStr, 10, 64)
	for i := 0; i < precision; i++ {
		intPart *= 10
	}

	if fracStr == "" {
		return intPart
	}

	if len(fracStr) > precision {
		fracStr = fracStr[:precision]
	}
	fracPart, _ := strconv.ParseInt(fracStr, 10, 64)
	for i := len(fracStr); i < precision; i++ {
		fracPart *= 10
	}

	if strings.HasPrefix(intStr, "-") {
		return intPart - fracPart
	}
	return intPart + fracPart
}
