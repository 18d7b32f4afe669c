package crypto

import (
	"errors"
	"math"
	"unicode/utf16"
)

// ErrShortID is returned when an id has fewer characters than the requested IV length
var ErrShortID = errors.New("id too short to derive IV")

// DeriveIV computes the IV for a session id. Both ends derive it
// independently, so the arithmetic has to be bit-for-bit stable:
//
//	v    = int8(c * 31)            for the i-th UTF-16 unit c of id
//	iv_i = int8(int32(v + v^(n-1))) with n = len(id) and saturating float->int
//
// The same id always yields the same IV, which means every message from a
// session reuses one IV under the shared key.
func DeriveIV(id string, length int) ([]byte, error) {
	units := utf16.Encode([]rune(id))
	if len(units) < length {
		return nil, ErrShortID
	}

	exp := float64(len(units) - 1)
	iv := make([]byte, length)
	for i := 0; i < length; i++ {
		v := int8(int32(units[i]) * 31)
		sum := float64(v) + math.Pow(float64(v), exp)
		iv[i] = byte(int8(saturateInt32(sum)))
	}
	return iv, nil
}

// saturateInt32 converts a float to int32 clamping out-of-range values and
// mapping NaN to zero. Go leaves these conversions implementation-defined.
func saturateInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(f)
	}
}
