package parser

import (
	"errors"
	"fmt"
)

var (
	// ErrParseFormat matches *FormatError.
	ErrParseFormat = errors.New("unrecognized log format")
	// ErrParseData matches *DataError.
	ErrParseData = errors.New("malformed log data")
	// ErrNoParserFound is returned when no registered parser accepts a file.
	ErrNoParserFound = errors.New("no parser found")
)

// FormatError means the input is not a recognizable log at all.
type FormatError struct {
	Parser string
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s is not a recognizable log: %s", e.Parser, e.Path, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrParseFormat }

// DataError is a problem in part of a recognizable log. Per-line data
// errors are reported as warnings; a returned DataError fails the parse.
type DataError struct {
	Parser string
	Path   string
	Line   int
	Err    error
}

func (e *DataError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s line %d: %v", e.Parser, e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Parser, e.Path, e.Err)
}

func (e *DataError) Is(target error) bool { return target == ErrParseData }

func (e *DataError) Unwrap() error { return e.Err }

// NoParserError reports the file no parser accepted.
type NoParserError struct {
	Path  string
	Probe []string // per-parser probe failures
}

func (e *NoParserError) Error() string {
	msg := fmt.Sprintf("no parser accepts %s", e.Path)
	for _, p := range e.Probe {
		msg += "; " + p
	}
	return msg
}

func (e *NoParserError) Is(target error) bool { return target == ErrNoParserFound }
