// Package byterange formats and parses HTTP Range and Content-Range values
// for single byte ranges as used by object store GET requests.
package byterange

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/objectfs/bucketfs/pkg/errors"
)

const unit = "bytes"

// Range is a single byte range. Exactly one form is set:
// Start and End (inclusive), Start with End == -1 (open-ended), or Suffix > 0 (last N bytes).
type Range struct {
	Start  int64
	End    int64
	Suffix int64
}

// Span returns the range covering length bytes starting at offset.
func Span(offset, length int64) Range {
	return Range{Start: offset, End: offset + length - 1}
}

// From returns the open-ended range starting at offset.
func From(offset int64) Range {
	return Range{Start: offset, End: -1}
}

// Last returns the range covering the final n bytes.
func Last(n int64) Range {
	return Range{Start: -1, End: -1, Suffix: n}
}

// IsSuffix reports whether the range is of the form bytes=-N.
func (r Range) IsSuffix() bool {
	return r.Suffix > 0
}

// IsOpen reports whether the range is of the form bytes=S-.
func (r Range) IsOpen() bool {
	return r.Suffix == 0 && r.End < 0
}

// Header renders the value of a Range request header.
func (r Range) Header() string {
	switch {
	case r.IsSuffix():
		return fmt.Sprintf("%s=-%d", unit, r.Suffix)
	case r.IsOpen():
		return fmt.Sprintf("%s=%d-", unit, r.Start)
	default:
		return fmt.Sprintf("%s=%d-%d", unit, r.Start, r.End)
	}
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return r.Header()
}

// Validate checks the range is well formed independent of any object size.
func (r Range) Validate() error {
	switch {
	case r.Suffix < 0:
		return invalid("negative suffix length %d", r.Suffix)
	case r.IsSuffix():
		return nil
	case r.Start < 0:
		return invalid("negative range start %d", r.Start)
	case !r.IsOpen() && r.End < r.Start:
		return invalid("range end %d before start %d", r.End, r.Start)
	}
	return nil
}

// Resolve returns the inclusive [start, end] the range selects from an object of size bytes.
// The end is clamped to the object; an unsatisfiable range fails with KindInvalidRange.
func (r Range) Resolve(size int64) (start, end int64, err error) {
	if err := r.Validate(); err != nil {
		return 0, 0, err
	}
	if size <= 0 {
		return 0, 0, invalid("range %s not satisfiable for empty object", r.Header())
	}

	if r.IsSuffix() {
		if r.Suffix >= size {
			return 0, size - 1, nil
		}
		return size - r.Suffix, size - 1, nil
	}

	if r.Start >= size {
		return 0, 0, invalid("range start %d beyond object size %d", r.Start, size)
	}
	end = r.End
	if r.IsOpen() || end >= size {
		end = size - 1
	}
	return r.Start, end, nil
}

// Parse reads a Range header value. Only a single range is supported.
func Parse(header string) (Range, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), unit+"=")
	if !ok {
		return Range{}, invalid("range header %q missing %s= prefix", header, unit)
	}
	if strings.Contains(spec, ",") {
		return Range{}, invalid("multiple ranges not supported: %q", header)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return Range{}, invalid("invalid range spec %q", spec)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	switch {
	case startStr == "" && endStr == "":
		return Range{}, invalid("range %q has neither start nor end", header)
	case startStr == "":
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return Range{}, invalid("invalid suffix length %q", endStr)
		}
		return Last(n), nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return Range{}, invalid("invalid range start %q", startStr)
	}
	if endStr == "" {
		return From(start), nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return Range{}, invalid("invalid range end %q", endStr)
	}
	return Range{Start: start, End: end}, nil
}

// ContentRange is a parsed Content-Range response value. Total is -1 when the server sent "*".
type ContentRange struct {
	Start  int64
	Length int64
	Total  int64
}

// End returns the inclusive last byte position.
func (c ContentRange) End() int64 {
	return c.Start + c.Length - 1
}

// String renders the Content-Range header value.
func (c ContentRange) String() string {
	total := "*"
	if c.Total >= 0 {
		total = strconv.FormatInt(c.Total, 10)
	}
	return fmt.Sprintf("%s %d-%d/%s", unit, c.Start, c.End(), total)
}

// ParseContentRange reads "bytes START-END/TOTAL" into (START, END-START+1, TOTAL).
func ParseContentRange(value string) (ContentRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(value), unit+" ")
	if !ok {
		return ContentRange{}, invalid("content-range %q missing %s prefix", value, unit)
	}
	span, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return ContentRange{}, invalid("content-range %q missing total", value)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return ContentRange{}, invalid("content-range %q missing span", value)
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return ContentRange{}, invalid("invalid content-range start %q", startStr)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return ContentRange{}, invalid("invalid content-range end %q", endStr)
	}

	total := int64(-1)
	if totalStr != "*" {
		total, err = strconv.ParseInt(totalStr, 10, 64)
		if err != nil || total <= end {
			return ContentRange{}, invalid("invalid content-range total %q", totalStr)
		}
	}

	return ContentRange{Start: start, Length: end - start + 1, Total: total}, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.KindInvalidRange, format, args...).WithComponent("byterange")
}
