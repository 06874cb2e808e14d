package plc

import (
	"fmt"
	"strings"
)

// ValidationError is returned for malformed operations and failed signature
// checks. It is never worth retrying.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if len(e.Kind) > 0 {
		fmt.Fprintf(&b, "invalid %s operation", e.Kind)
	} else {
		b.WriteString("invalid operation")
	}
	if len(e.Field) > 0 {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	if len(e.Reason) > 0 {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PrecursorMismatchError means the log advanced past the tip an operation was
// built against. Resolve the tip again and rebuild the operation.
type PrecursorMismatchError struct {
	DID string
	// Expected is the CID of the log's current tip, if known.
	Expected string
	// Got is the prev of the rejected operation.
	Got string
}

func (e *PrecursorMismatchError) Error() string {
	got := e.Got
	if len(got) == 0 {
		got = "<none>"
	}
	if len(e.Expected) == 0 {
		return fmt.Sprintf("operation for %s has stale prev %s", e.DID, got)
	}
	return fmt.Sprintf("operation for %s has prev %s, current tip is %s", e.DID, got, e.Expected)
}

// EmptyLogError is returned when a log has no genesis operation, meaning the
// DID does not exist.
type EmptyLogError struct {
	DID string
}

func (e *EmptyLogError) Error() string {
	if len(e.DID) == 0 {
		return "empty operation log"
	}
	return fmt.Sprintf("empty operation log: %s does not exist", e.DID)
}

// BrokenChainError is returned when a log is not a single hash-linked path
// from a genesis operation.
type BrokenChainError struct {
	Index    int
	Expected string
	Got      string
	Reason   string
}

func (e *BrokenChainError) Error() string {
	msg := fmt.Sprintf("broken operation chain at index %d", e.Index)
	if len(e.Reason) > 0 {
		msg += ": " + e.Reason
	}
	if len(e.Expected) > 0 || len(e.Got) > 0 {
		msg += fmt.Sprintf(" (expected prev %q, got %q)", e.Expected, e.Got)
	}
	return msg
}
