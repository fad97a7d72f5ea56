package ir

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Fixed is a signed fixed-point number with FixedDecimals fractional digits.
// Every lattice component, tolerance, balance and rate in the system is a
// Fixed so that digests and verdicts are identical on every platform.
type Fixed int64

const (
	// FixedDecimals is the number of fractional decimal digits.
	FixedDecimals = 9

	// FixedScale is the raw value of 1.0.
	FixedScale Fixed = 1_000_000_000

	// MaxFixed bounds the magnitude of parsed values (1e9 whole units).
	// Differences of two bounded values still fit in int64.
	MaxFixed Fixed = 1_000_000_000 * FixedScale
)

// FixedFromInt returns n whole units.
func FixedFromInt(n int64) Fixed {
	return Fixed(n) * FixedScale
}

// ParseFixed parses decimal text ("12", "-0.5", "+3.000000001") without
// going through a float. Digits beyond FixedDecimals are rounded half away
// from zero. Exponent notation is rejected.
func ParseFixed(s string) (Fixed, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return 0, fmt.Errorf("parse fixed %q: empty value", s)
	}

	neg := false
	switch text[0] {
	case '-':
		neg = true
		text = text[1:]
	case '+':
		text = text[1:]
	}

	whole, frac, _ := strings.Cut(text, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("parse fixed %q: no digits", s)
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("parse fixed %q: invalid decimal", s)
	}

	var w int64
	if whole != "" {
		if len(whole) > 10 {
			return 0, fmt.Errorf("parse fixed %q: out of range", s)
		}
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse fixed %q: %w", s, err)
		}
		w = n
	}

	roundUp := false
	if len(frac) > FixedDecimals {
		roundUp = frac[FixedDecimals] >= '5'
		frac = frac[:FixedDecimals]
	}
	frac += strings.Repeat("0", FixedDecimals-len(frac))
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse fixed %q: %w", s, err)
	}

	v := Fixed(w)*FixedScale + Fixed(f)
	if roundUp {
		v++
	}
	if v > MaxFixed {
		return 0, fmt.Errorf("parse fixed %q: out of range", s)
	}
	if neg {
		v = -v
	}
	return v, nil
}

// MustParseFixed is like ParseFixed but panics on error.
// Intended for constants and tests.
func MustParseFixed(s string) Fixed {
	f, err := ParseFixed(s)
	if err != nil {
		panic(err)
	}
	return f
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Ratio returns num/den as a Fixed, truncated toward zero.
// Both arguments must be non-negative and den non-zero.
func Ratio(num, den int64) Fixed {
	if den <= 0 || num < 0 {
		panic("ir: Ratio requires num >= 0 and den > 0")
	}
	hi, lo := bits.Mul64(uint64(num), uint64(FixedScale))
	if hi >= uint64(den) {
		return MaxFixed
	}
	q, _ := bits.Div64(hi, lo, uint64(den))
	if q > uint64(MaxFixed) {
		return MaxFixed
	}
	return Fixed(q)
}

// Abs returns |f|.
func (f Fixed) Abs() Fixed {
	if f < 0 {
		return -f
	}
	return f
}

// String renders f as the shortest exact decimal ("1.5", "-0.25", "3").
func (f Fixed) String() string {
	sign := ""
	u := uint64(f)
	if f < 0 {
		sign = "-"
		u = uint64(-(f + 1)) + 1
	}
	whole := u / uint64(FixedScale)
	frac := u % uint64(FixedScale)
	if frac == 0 {
		return sign + strconv.FormatUint(whole, 10)
	}
	fs := strconv.FormatUint(frac, 10)
	fs = strings.Repeat("0", FixedDecimals-len(fs)) + fs
	return sign + strconv.FormatUint(whole, 10) + "." + strings.TrimRight(fs, "0")
}

// MarshalText implements encoding.TextMarshaler.
func (f Fixed) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. YAML scalars decode
// through this path, so "0.01" in a config file never becomes a float.
func (f *Fixed) UnmarshalText(text []byte) error {
	v, err := ParseFixed(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// MarshalJSON renders f as a JSON string to keep the value exact.
func (f Fixed) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON accepts either a JSON string or a bare number literal.
func (f *Fixed) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		text = s
	}
	return f.UnmarshalText([]byte(text))
}

// MaxAbsDiff returns the L-infinity distance between two vectors of equal
// length. Components are bounded by MaxFixed so the difference cannot
// overflow.
func MaxAbsDiff(a, b []Fixed) Fixed {
	if len(a) != len(b) {
		panic("ir: MaxAbsDiff length mismatch")
	}
	var d Fixed
	for i := range a {
		if x := (a[i] - b[i]).Abs(); x > d {
			d = x
		}
	}
	return d
}

// MaxAbs returns the L-infinity norm of v.
func MaxAbs(v []Fixed) Fixed {
	var m Fixed
	for _, x := range v {
		if a := x.Abs(); a > m {
			m = a
		}
	}
	return m
}
