package storage

import (
	"regexp"
	"strings"
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._@-]+`)

// SafeSegment turns an identity into a single filesystem-safe path element.
func SafeSegment(name string) string {
	s := unsafeSegment.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "unknown"
	}
	return s
}
