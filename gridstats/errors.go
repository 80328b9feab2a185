package gridstats

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResult is returned when a metric is asked for over no data.
	ErrEmptyResult = errors.New("no data to compute the metric from")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNonUniformSlots is returned by SlotsPerHost when hosts declare different slot counts.
	ErrNonUniformSlots = errors.New("hosts declare different slot counts")
)

// ParseError reports a malformed status document.
type ParseError struct {
	Document string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %s", e.Document, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
