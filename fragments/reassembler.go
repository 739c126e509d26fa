package fragments

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

// DefaultMaxPendingMessages is the default limit for concurrently pending messages.
const DefaultMaxPendingMessages = 1000

var (
	// ErrIncompleteMessage is returned for messages still pending when input ends.
	ErrIncompleteMessage = errors.New("incomplete message")
	// ErrTooManyPending is returned when a new object would exceed the pending limit.
	ErrTooManyPending = errors.New("too many pending messages")
	// ErrMissingStart is returned for bytes accumulated without a start fragment.
	ErrMissingStart = errors.New("fragment without start")
)

// IncompleteError names an object whose end fragment never arrived.
type IncompleteError struct {
	ObjectID uint64
	Buffered int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("object %d incomplete at end of input (%d bytes buffered)", e.ObjectID, e.Buffered)
}

func (e *IncompleteError) Unwrap() error { return ErrIncompleteMessage }

// OrphanError reports the first fragment of an object seen without a start
// fragment. Its payload is still accumulated.
type OrphanError struct {
	ObjectID   uint64
	FragmentID uint64
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("object %d fragment %d arrived without a start fragment", e.ObjectID, e.FragmentID)
}

func (e *OrphanError) Unwrap() error { return ErrMissingStart }

// Reassembler joins fragments into complete message payloads.
//
// Entries are keyed by object id, so fragments of different messages may be
// interleaved freely. Within one object the payloads are appended in the
// order they are fed. A Reassembler is not safe for concurrent use; each
// watch session owns its own.
type Reassembler struct {
	pending    map[uint64]*bytes.Buffer
	maxPending int
}

// NewReassembler creates a Reassembler with the default pending limit.
func NewReassembler() *Reassembler {
	return NewReassemblerWithLimit(DefaultMaxPendingMessages)
}

// NewReassemblerWithLimit creates a Reassembler that tracks at most
// maxPending objects at once. Zero or less disables the limit.
func NewReassemblerWithLimit(maxPending int) *Reassembler {
	return &Reassembler{
		pending:    make(map[uint64]*bytes.Buffer),
		maxPending: maxPending,
	}
}

// Feed adds a fragment.
//
// A start fragment discards any stale buffer for its object. An end fragment
// removes the entry and returns the accumulated bytes with complete set.
// A fragment for an object with no entry is accumulated anyway; the first
// time that happens for an object, an *OrphanError is returned alongside the
// normal results. ErrTooManyPending means the fragment was dropped.
func (r *Reassembler) Feed(f *Fragment) (data []byte, complete bool, err error) {
	buf, exists := r.pending[f.ObjectID]
	if f.Start || !exists {
		if !exists && r.maxPending > 0 && len(r.pending) >= r.maxPending {
			return nil, false, fmt.Errorf("%w: object %d dropped, %d >= %d",
				ErrTooManyPending, f.ObjectID, len(r.pending), r.maxPending)
		}
		buf = new(bytes.Buffer)
		if !f.Start {
			err = &OrphanError{ObjectID: f.ObjectID, FragmentID: f.FragmentID}
		}
		r.pending[f.ObjectID] = buf
	}

	buf.Write(f.Data)

	if !f.End {
		return nil, false, err
	}

	delete(r.pending, f.ObjectID)
	return buf.Bytes(), true, err
}

// Pending returns the object ids with buffered, unterminated messages in
// ascending order.
func (r *Reassembler) Pending() []uint64 {
	ids := make([]uint64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Drain empties the table and returns one *IncompleteError per object that
// never saw its end fragment, in ascending object id order.
func (r *Reassembler) Drain() []error {
	var errs []error
	for _, id := range r.Pending() {
		errs = append(errs, &IncompleteError{ObjectID: id, Buffered: r.pending[id].Len()})
	}
	clear(r.pending)
	return errs
}
