package delivery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiable reports a range that lies outside the resource.
var ErrUnsatisfiable = errors.New("delivery: range not satisfiable")

// ByteRange is an inclusive byte interval within a resource.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by the range.
func (b ByteRange) Length() int64 {
	return b.End - b.Start + 1
}

// ContentRange formats the Content-Range value for a resource of size bytes.
func (b ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", b.Start, b.End, size)
}

// UnsatisfiedContentRange formats the Content-Range value sent with 416.
func UnsatisfiedContentRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// ParseRange interprets a single-range Range header against a resource of
// size bytes. It returns a nil range when the whole body should be sent:
// no header, a unit other than bytes, several ranges, or malformed numbers.
// RFC 9110 section 14.2 lets a server ignore a Range header it cannot or
// will not honour, answering 200 with the full representation.
// Ranges starting at or past the end, or with start after end, return
// ErrUnsatisfiable. An end past the resource is clamped.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		suffix, err := parseOffset(last)
		if err != nil {
			return nil, nil
		}
		if suffix == 0 || size == 0 {
			return nil, ErrUnsatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return &ByteRange{Start: size - suffix, End: size - 1}, nil
	}

	start, err := parseOffset(first)
	if err != nil {
		return nil, nil
	}
	end := size - 1
	if last != "" {
		end, err = parseOffset(last)
		if err != nil {
			return nil, nil
		}
	}
	if start >= size {
		return nil, ErrUnsatisfiable
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return nil, ErrUnsatisfiable
	}
	return &ByteRange{Start: start, End: end}, nil
}

func parseOffset(value string) (int64, error) {
	if value == "" {
		return 0, errors.New("empty offset")
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid offset %q", value)
		}
	}
	return strconv.ParseInt(value, 10, 64)
}
