package errs

import "fmt"

// Code is a stable, typed failure code returned by bookie operations, in the
// style of blb's internal/core.Error: a small integer enum with an Error()
// string rendering, rather than ad-hoc sentinel errors.Newed per call site.
// Stability matters here because callers across a restart (and, in a real
// deployment, across the wire) branch on these codes.
type Code int

const (
	// OK indicates no error.
	OK Code = iota
	// UnauthorizedAccess is returned when a caller's master key does not
	// match the ledger's already-established master key.
	UnauthorizedAccess
	// LedgerFenced is returned for a non-recovery write to a fenced ledger.
	LedgerFenced
	// NoLedger is returned when an operation references an unknown ledger.
	NoLedger
	// NoEntry is returned when a read references an entry that does not
	// (yet) exist for an otherwise-known ledger.
	NoEntry
	// InvalidCookie is returned when the on-disk or coordinator cookie
	// diverges from the expected identity record.
	InvalidCookie
	// NoWritableLedgerDir is returned when no configured directory has
	// free space to accept a write.
	NoWritableLedgerDir
	// DiskError is returned on an unrecoverable local disk failure.
	DiskError
	// JournalIoError is returned when a journal append or fsync fails.
	JournalIoError
	// CoordinatorError is returned when a coordinator round-trip fails.
	CoordinatorError
	// Interrupted is returned when a blocking call is interrupted by
	// context cancellation.
	Interrupted
)

var codeNames = map[Code]string{
	OK:                  "OK",
	UnauthorizedAccess:  "UnauthorizedAccess",
	LedgerFenced:        "LedgerFenced",
	NoLedger:            "NoLedger",
	NoEntry:             "NoEntry",
	InvalidCookie:       "InvalidCookie",
	NoWritableLedgerDir: "NoWritableLedgerDir",
	DiskError:           "DiskError",
	JournalIoError:      "JournalIoError",
	CoordinatorError:    "CoordinatorError",
	Interrupted:         "Interrupted",
}

// String renders the Code's stable name.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error implements the error interface so that bare Code values can be
// passed as the target of errors.Is, per the Is method's documented
// contract.
func (c Code) Error() string {
	return c.String()
}

// Error is a failure carrying a stable Code plus a human-readable detail.
// It implements the error interface and supports errors.Is against bare
// Code values, so callers can write `errors.Is(err, errs.LedgerFenced)`.
type Error struct {
	Code   Code
	Detail string
}

// NewError builds an Error from a Code and a formatted detail message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is reports whether target is the same Code, so that
// errors.Is(err, errs.LedgerFenced) works when err wraps *Error.
func (e *Error) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	var other *Error
	if ok := asError(target, &other); ok {
		return other.Code == e.Code
	}
	return false
}

func asError(err error, out **Error) bool {
	if e, ok := err.(*Error); ok {
		*out = e
		return true
	}
	return false
}

// CodeOf extracts the Code from err: OK for a nil err, the carried Code
// when err is itself a *Error, and -1 (a code with no name) otherwise,
// including when a *Error is wrapped inside another error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if be, ok := err.(*Error); ok {
		return be.Code
	}
	return -1
}
