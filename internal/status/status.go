// Package status defines the tagged result codes returned by every
// public basalt operation, matching the exit-code enumeration in the
// engine's interface contract.
package status

import "fmt"

// Code is a tagged status returned alongside (or instead of) a Go error.
type Code int

const (
	Success Code = iota
	InvalidArgs
	OpenFail
	NoSuchFile
	WriteFail
	ReadFail
	ChecksumError
	FileCorruption
	CompressionFail
	NoDBInstance
	KeyNotFound
	IteratorFail
	FailByTransaction
	FailByCompaction
	RonlyViolation
)

var names = map[Code]string{
	Success:           "SUCCESS",
	InvalidArgs:       "INVALID_ARGS",
	OpenFail:          "OPEN_FAIL",
	NoSuchFile:        "NO_SUCH_FILE",
	WriteFail:         "WRITE_FAIL",
	ReadFail:          "READ_FAIL",
	ChecksumError:     "CHECKSUM_ERROR",
	FileCorruption:    "FILE_CORRUPTION",
	CompressionFail:   "COMPRESSION_FAIL",
	NoDBInstance:      "NO_DB_INSTANCE",
	KeyNotFound:       "KEY_NOT_FOUND",
	IteratorFail:      "ITERATOR_FAIL",
	FailByTransaction: "FAIL_BY_TRANSACTION",
	FailByCompaction:  "FAIL_BY_COMPACTION",
	RonlyViolation:    "RONLY_VIOLATION",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error adapts a Code into an error, optionally wrapping a cause.
type Error struct {
	Code  Code
	Cause error
}

func New(c Code) *Error { return &Error{Code: c} }

func Wrap(c Code, cause error) *Error {
	return &Error{Code: c, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, status.KeyNotFound) work by comparing Codes,
// matching the sentinel-error idiom the teacher uses in ethdb/relaydb
// (errMemorydbNotFound), generalized to a single comparable enum.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// Of returns the Code carried by err, or Success if err is nil, or
// InvalidArgs if err is some other, unrecognized error.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if e, ok := err.(*Error); ok {
		se = e
	} else {
		return InvalidArgs
	}
	return se.Code
}
