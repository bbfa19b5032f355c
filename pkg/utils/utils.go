// Package utils provides shared formatting helpers for barprobe output.
package utils

import (
	"fmt"
	"strings"
)

// FormatHexBytes renders bytes as space-separated "0x%02X" values,
// e.g. "0xDE 0xAD 0xBE 0xEF".
func FormatHexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("0x%02X", v)
	}
	return strings.Join(parts, " ")
}

// HumanSize formats a byte count with the largest binary unit that divides
// it into at least one whole unit.
func HumanSize(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%d GB", n>>30)
	case n >= 1<<20:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
