// Package sizeparse parses human-readable byte sizes such as "16MiB" or
// "512KB", the Go equivalent of the original rechunker's use of
// dask.utils.parse_bytes (SPEC_FULL.md §4.4).
package sizeparse

import (
	"fmt"
	"strconv"
	"strings"
)

var binaryUnits = map[string]float64{
	"":   1,
	"b":  1,
	"k":  1000,
	"kb": 1000,
	"ki": 1 << 10,
	"kib": 1 << 10,
	"m":   1000 * 1000,
	"mb":  1000 * 1000,
	"mi":  1 << 20,
	"mib": 1 << 20,
	"g":   1000 * 1000 * 1000,
	"gb":  1000 * 1000 * 1000,
	"gi":  1 << 30,
	"gib": 1 << 30,
	"t":   1000 * 1000 * 1000 * 1000,
	"tb":  1000 * 1000 * 1000 * 1000,
	"ti":  1 << 40,
	"tib": 1 << 40,
}

// ParseBytes parses a size, either a bare integer of bytes (string or
// already an int) or a string with a binary/decimal unit suffix.
func ParseBytes(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		return parseString(t)
	default:
		return 0, fmt.Errorf("sizeparse: unsupported type %T", v)
	}
}

func parseString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("sizeparse: empty size string")
	}
	i := 0
	for i < len(s) && (s[i] == '.' || s[i] == '-' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	numPart := s[:i]
	unitPart := strings.ToLower(strings.TrimSpace(s[i:]))
	if numPart == "" {
		return 0, fmt.Errorf("sizeparse: no numeric component in %q", s)
	}
	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("sizeparse: invalid number in %q: %w", s, err)
	}
	mult, ok := binaryUnits[unitPart]
	if !ok {
		return 0, fmt.Errorf("sizeparse: unknown unit %q in %q", unitPart, s)
	}
	return int64(num * mult), nil
}
