package mapstore

import (
	"math"
	"strconv"
)

// Fixed2 is a value kept with two decimal places. It is serialised as a JSON
// number with exactly two fractional digits.
type Fixed2 float64

// Round2 rounds v to two decimal places, halves away from zero.
func Round2(v float64) Fixed2 {
	return Fixed2(math.Round(v*100) / 100)
}

// String formats f with exactly two fractional digits.
func (f Fixed2) String() string {
	return strconv.FormatFloat(float64(f), 'f', 2, 64)
}

// MarshalJSON implements json.Marshaler.
func (f Fixed2) MarshalJSON() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted number.
func (f *Fixed2) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = Fixed2(v)
	return nil
}
