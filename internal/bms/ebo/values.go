package ebo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Subscription responses carry numeric values as IEEE-754 doubles
// rendered as 16-digit hex strings. Decoding happens here, at the
// adapter boundary; nothing downstream sees the hex form.

// decodeHexDouble converts a 16-character hex string into the float64 it
// encodes.
func decodeHexDouble(s string) (float64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 16 {
		return 0, fmt.Errorf("hex double %q: want 16 hex digits, got %d", s, len(s))
	}
	bits, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("hex double %q: %w", s, err)
	}
	return math.Float64frombits(bits), nil
}

// encodeHexDouble is the symmetric encoding used for writes.
func encodeHexDouble(v float64) string {
	return fmt.Sprintf("%016x", math.Float64bits(v))
}
