package icap

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformed is matched by every framing error of an inbound request.
	ErrMalformed = errors.New("icap: malformed request")
	// ErrTruncated is matched when the stream ends in the middle of a request.
	ErrTruncated = errors.New("icap: truncated stream")
)

// ParseError describes which part of the request could not be parsed.
type ParseError struct {
	What  string
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("icap: %s %q", e.What, e.Value)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformed
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	return err
}

// StatusFor maps a codec error to the status written back to the client.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrTruncated):
		return StatusBadRequest
	default:
		return StatusServerError
	}
}
