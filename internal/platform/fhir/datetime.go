package fhir

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedDate is wrapped by ParseDateTime for values matching neither
// the date nor the dateTime form.
var ErrMalformedDate = errors.New("malformed date")

// dateTimeLayouts are tried in order. Values without a zone are read as UTC.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDateTime accepts a FHIR date (YYYY-MM-DD) or dateTime, with or without
// fractional seconds and with a "Z" or numeric offset or no zone at all.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrMalformedDate)
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is neither YYYY-MM-DD nor an ISO-8601 timestamp", ErrMalformedDate, s)
}
