// Package models provides data model definitions for the rundown sync core.
package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxDurationSeconds is the longest duration, in whole seconds, that fits
// a time.Duration.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// ParseDuration parses a segment duration in "mm:ss", "hh:mm:ss" or bare
// seconds form. Empty, malformed or out-of-range input counts as zero so
// that timing arithmetic never fails on a half-typed value.
func ParseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}

	var total int64
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		if total > (maxDurationSeconds-n)/60 {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

// FormatDuration renders d as "mm:ss", or "hh:mm:ss" from one hour up.
// Negative durations render as zero.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	h, m, s := secs/3600, (secs/60)%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
