package proxy

import (
	"fmt"
	"strconv"
	"strings"
)

// parseRange interprets a Range header against a content length and
// returns the half-open byte range [start, end) to serve. Parsing is
// lenient: the "bytes=" prefix is optional, a missing start defaults
// to 0, and a missing end defaults to the content length. The header
// end is inclusive per HTTP. An absent header yields the full content
// with hasRange false.
func parseRange(header string, length int64) (start, end int64, hasRange bool, err error) {
	if header == "" {
		return 0, length, false, nil
	}

	spec := strings.TrimSpace(header)
	spec = strings.TrimPrefix(spec, "bytes=")
	lo, hi, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false, fmt.Errorf("proxy: malformed Range %q", header)
	}

	start = 0
	if lo = strings.TrimSpace(lo); lo != "" {
		start, err = strconv.ParseInt(lo, 10, 64)
		if err != nil || start < 0 {
			return 0, 0, false, fmt.Errorf("proxy: malformed Range %q", header)
		}
	}

	end = length
	if hi = strings.TrimSpace(hi); hi != "" {
		last, err := strconv.ParseInt(hi, 10, 64)
		if err != nil || last < 0 {
			return 0, 0, false, fmt.Errorf("proxy: malformed Range %q", header)
		}
		end = last + 1
	}

	if end > length {
		end = length
	}
	if start > end {
		start = end
	}
	return start, end, true, nil
}
