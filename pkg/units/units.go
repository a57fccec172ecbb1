// Package units converts between minutes and nanosecond timestamps and
// performs checked arithmetic on currency mantissas.
package units

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// NanosPerMinute is the number of nanoseconds in one minute.
const NanosPerMinute int64 = int64(time.Minute)

var ErrOverflow = errors.New("amount_overflow")

// MinutesToNanos converts whole minutes to nanoseconds.
func MinutesToNanos(minutes int64) (int64, error) {
	if minutes < 0 {
		return 0, ErrOverflow
	}
	if minutes > math.MaxInt64/NanosPerMinute {
		return 0, ErrOverflow
	}
	return minutes * NanosPerMinute, nil
}

// NanosToMinutesFloor returns the whole minutes contained in ns. Negative
// durations return 0.
func NanosToMinutesFloor(ns int64) int64 {
	if ns <= 0 {
		return 0
	}
	return ns / NanosPerMinute
}

// NanosToMinutesCeil returns the minutes started within ns.
func NanosToMinutesCeil(ns int64) int64 {
	if ns <= 0 {
		return 0
	}
	minutes := ns / NanosPerMinute
	if ns%NanosPerMinute != 0 {
		minutes++
	}
	return minutes
}

// MulMantissa multiplies a per-unit mantissa by a quantity, failing on overflow.
func MulMantissa(perUnit, quantity int64) (int64, error) {
	if perUnit < 0 || quantity < 0 {
		return 0, ErrOverflow
	}
	if perUnit == 0 || quantity == 0 {
		return 0, nil
	}
	if perUnit > math.MaxInt64/quantity {
		return 0, ErrOverflow
	}
	return perUnit * quantity, nil
}

// AddMantissa adds two mantissas, failing on overflow.
func AddMantissa(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// FormatMantissa renders a mantissa as a decimal string using the given
// number of decimals, e.g. FormatMantissa(1500000, 6) == "1.500000".
func FormatMantissa(amount int64, decimals int) string {
	if decimals <= 0 {
		return strconv.FormatInt(amount, 10)
	}
	negative := amount < 0
	digits := strconv.FormatInt(amount, 10)
	if negative {
		digits = digits[1:]
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	out := digits[:cut] + "." + digits[cut:]
	if negative {
		return "-" + out
	}
	return out
}
