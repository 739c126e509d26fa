// Package fragments splits captured PSRP byte streams into fragments and
// reassembles them into complete messages.
//
// PSRP messages larger than the transport's maximum envelope are split into
// fragments. A capture of one envelope may hold several fragments back to
// back, belonging to one or more messages.
//
// # Fragment Structure
//
// Each fragment has the following structure:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  ObjectId (8 bytes) - Identifies the original message  │
//	├─────────────────────────────────────────────────────────┤
//	│  FragmentId (8 bytes) - Sequence number                │
//	├─────────────────────────────────────────────────────────┤
//	│  Flags (1 byte)                                        │
//	│    Bit 0: Start fragment                               │
//	│    Bit 1: End fragment                                 │
//	├─────────────────────────────────────────────────────────┤
//	│  BlobLength (4 bytes) - Length of blob data            │
//	├─────────────────────────────────────────────────────────┤
//	│  Blob (variable) - Fragment payload                    │
//	└─────────────────────────────────────────────────────────┘
//
// ObjectId, FragmentId and BlobLength are in network byte order (big-endian),
// MS-PSRP Section 2.2.4.
//
// # Usage
//
// To walk a captured buffer:
//
//	p := fragments.NewParser(buf)
//	for {
//	    frag, err := p.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        // rejected or truncated fragment, report and keep going
//	        continue
//	    }
//	    data, complete, err := reassembler.Feed(frag)
//	    ...
//	}
//
// # Reference
//
// MS-PSRP Section 2.2.4: https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-psrp/
package fragments

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the fragment header size in bytes.
const HeaderSize = 21

// Flag bits for fragment headers.
const (
	FlagStart = 1 << 0
	FlagEnd   = 1 << 1
)

var (
	// ErrInvalidFragment is returned when a fragment is malformed.
	ErrInvalidFragment = errors.New("invalid fragment")
	// ErrTruncated is returned when a header or payload runs past the end of the buffer.
	ErrTruncated = fmt.Errorf("%w: truncated", ErrInvalidFragment)
)

// StartError reports a start fragment whose FragmentID is not zero.
// The fragment is dropped; parsing continues with the next header.
type StartError struct {
	ObjectID   uint64
	FragmentID uint64
	Offset     int
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start fragment for object %d has fragment id %d (offset %d)",
		e.ObjectID, e.FragmentID, e.Offset)
}

func (e *StartError) Unwrap() error { return ErrInvalidFragment }

// Fragment represents a single PSRP message fragment.
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Data       []byte
}

// Len returns the encoded size of the fragment including its header.
func (f *Fragment) Len() int {
	return HeaderSize + len(f.Data)
}

// Encode serializes the fragment to bytes.
func (f *Fragment) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Data))

	binary.BigEndian.PutUint64(buf[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], f.FragmentID)

	var flags byte
	if f.Start {
		flags |= FlagStart
	}
	if f.End {
		flags |= FlagEnd
	}
	buf[16] = flags

	if len(f.Data) > math.MaxUint32 {
		panic("fragment data too large")
	}
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Data))) // #nosec G115 -- length checked against MaxUint32 above
	copy(buf[21:], f.Data)

	return buf
}

// Decode deserializes exactly one fragment from the front of data.
// Trailing bytes after the fragment are ignored; use a Parser for buffers
// holding several fragments.
func Decode(data []byte) (*Fragment, error) {
	f, _, err := decodeAt(data, 0)
	if err != nil {
		return nil, err
	}
	// Decode callers own the result, so detach it from the input buffer.
	f.Data = append([]byte(nil), f.Data...)
	return f, nil
}

// decodeAt reads the fragment at off and returns it with the offset just past
// its payload. The payload aliases data.
func decodeAt(data []byte, off int) (*Fragment, int, error) {
	rest := data[off:]
	if len(rest) < HeaderSize {
		return nil, len(data), fmt.Errorf("%w: header needs %d bytes at offset %d, have %d",
			ErrTruncated, HeaderSize, off, len(rest))
	}

	f := &Fragment{
		ObjectID:   binary.BigEndian.Uint64(rest[0:8]),
		FragmentID: binary.BigEndian.Uint64(rest[8:16]),
	}
	flags := rest[16]
	f.Start = flags&FlagStart != 0
	f.End = flags&FlagEnd != 0

	blobLen := uint64(binary.BigEndian.Uint32(rest[17:21]))
	if uint64(len(rest)-HeaderSize) < blobLen {
		return nil, len(data), fmt.Errorf("%w: object %d fragment %d declares %d bytes at offset %d, have %d",
			ErrTruncated, f.ObjectID, f.FragmentID, blobLen, off, len(rest)-HeaderSize)
	}

	end := HeaderSize + int(blobLen) // #nosec G115 -- bounded by len(rest) above
	f.Data = rest[HeaderSize:end:end]
	return f, off + end, nil
}

// Parser walks a buffer holding one or more concatenated fragments.
// It is lazy: each call to Next decodes a single header.
type Parser struct {
	data []byte
	off  int
}

// NewParser creates a Parser over data. The returned fragments alias data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Next returns the next fragment in the buffer.
//
// It returns io.EOF once the buffer is exhausted. A *StartError means the
// fragment was rejected and skipped; call Next again to continue. An error
// wrapping ErrTruncated means the remainder of the buffer cannot be framed;
// it is consumed and later calls return io.EOF.
func (p *Parser) Next() (*Fragment, error) {
	if p.off >= len(p.data) {
		return nil, io.EOF
	}

	start := p.off
	f, next, err := decodeAt(p.data, p.off)
	p.off = next
	if err != nil {
		return nil, err
	}

	if f.Start && f.FragmentID != 0 {
		return nil, &StartError{ObjectID: f.ObjectID, FragmentID: f.FragmentID, Offset: start}
	}

	return f, nil
}

// Offset returns the number of bytes consumed so far.
func (p *Parser) Offset() int {
	return p.off
}

// Parse decodes every fragment in data. Rejected and truncated fragments are
// reported in errs and do not stop the scan of the remaining headers.
func Parse(data []byte) (frags []*Fragment, errs []error) {
	p := NewParser(data)
	for {
		f, err := p.Next()
		if errors.Is(err, io.EOF) {
			return frags, errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frags = append(frags, f)
	}
}

// Fragmenter splits messages into fragments. It is used to build captures
// for replay and tests.
type Fragmenter struct {
	maxSize  int
	objectID uint64
}

// NewFragmenter creates a new Fragmenter with the given maximum fragment size.
func NewFragmenter(maxSize int) *Fragmenter {
	return &Fragmenter{
		maxSize: maxSize,
	}
}

// NewFragmenterWithID creates a Fragmenter whose next message uses
// currentObjectID+1.
func NewFragmenterWithID(maxSize int, currentObjectID uint64) *Fragmenter {
	return &Fragmenter{
		maxSize:  maxSize,
		objectID: currentObjectID,
	}
}

// Fragment splits data into one or more fragments sharing a new object id.
func (f *Fragmenter) Fragment(data []byte) []*Fragment {
	f.objectID++
	objectID := f.objectID

	maxPayload := f.maxSize - HeaderSize
	if maxPayload <= 0 {
		maxPayload = len(data)
	}

	var frags []*Fragment
	var fragmentID uint64

	for offset := 0; offset < len(data); {
		end := min(offset+maxPayload, len(data))

		frags = append(frags, &Fragment{
			ObjectID:   objectID,
			FragmentID: fragmentID,
			Start:      offset == 0,
			End:        end == len(data),
			Data:       data[offset:end],
		})
		offset = end
		fragmentID++
	}

	if len(frags) == 0 {
		frags = append(frags, &Fragment{
			ObjectID: objectID,
			Start:    true,
			End:      true,
		})
	}

	return frags
}

// EncodeAll concatenates the encoded form of frags.
func EncodeAll(frags []*Fragment) []byte {
	size := 0
	for _, f := range frags {
		size += f.Len()
	}
	buf := make([]byte, 0, size)
	for _, f := range frags {
		buf = append(buf, f.Encode()...)
	}
	return buf
}
