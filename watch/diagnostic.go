package watch

import (
	"fmt"
)

// DiagnosticKind classifies a non-fatal anomaly.
type DiagnosticKind string

const (
	// KindRejectedFragment: a start fragment with a nonzero fragment id, or
	// a fragment running past the end of its packet.
	KindRejectedFragment DiagnosticKind = "rejected_fragment"
	// KindOrphanFragment: bytes for an object whose start was never seen.
	// Reported once per object; the bytes are still kept.
	KindOrphanFragment DiagnosticKind = "orphan_fragment"
	// KindIncomplete: an object still unfinished when input ended.
	KindIncomplete DiagnosticKind = "incomplete"
	// KindDecodeFailed: a completed message whose header or body did not decode.
	KindDecodeFailed DiagnosticKind = "decode_failed"
	// KindMalformedRecord: a record that is not a valid envelope.
	KindMalformedRecord DiagnosticKind = "malformed_record"
	// KindOverflow: a new object dropped because too many were in flight.
	KindOverflow DiagnosticKind = "overflow"
)

// Diagnostic is a non-fatal anomaly found while watching.
type Diagnostic struct {
	Kind DiagnosticKind
	// Record is the 1-based number of the record that caused it,
	// or 0 for diagnostics raised at end of input.
	Record   int
	ObjectID uint64
	Err      error
}

func (d Diagnostic) String() string {
	if d.Record == 0 {
		return fmt.Sprintf("%s: %v", d.Kind, d.Err)
	}
	return fmt.Sprintf("%s (record %d): %v", d.Kind, d.Record, d.Err)
}
