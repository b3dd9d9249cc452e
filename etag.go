package bookstore

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatETag renders a stream version as a quoted ETag, e.g. `"3"`.
func FormatETag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

// ParseETag parses a quoted or bare stream version.
// Weak validators are rejected because versions are exact.
func ParseETag(etag string) (int64, error) {
	s := strings.TrimSpace(etag)
	if strings.HasPrefix(s, "W/") {
		return 0, fmt.Errorf("%w: weak etag %q", ErrInvalidETag, etag)
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidETag, etag)
	}
	return v, nil
}
