package messages

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/smnsjas/go-psrpwatch/serialization"
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// DecodeError reports a message that could not be fully decoded.
// It is scoped to one message and never affects other messages.
type DecodeError struct {
	ObjectID uint64
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message %d: %v", e.ObjectID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns reassembled message bytes into Messages.
// A Decoder holds no per-message state and may be shared.
type Decoder struct {
	order        binary.ByteOrder
	deserializer serialization.Deserializer
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithByteOrder sets the byte order of the Destination and MessageType
// header fields. The default is binary.BigEndian.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(d *Decoder) {
		if order != nil {
			d.order = order
		}
	}
}

// WithDeserializer replaces the CLIXML deserializer used for bodies.
func WithDeserializer(ds serialization.Deserializer) Option {
	return func(d *Decoder) {
		if ds != nil {
			d.deserializer = ds
		}
	}
}

// NewDecoder returns a Decoder with big-endian headers and the default
// CLIXML deserializer.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		order:        binary.BigEndian,
		deserializer: serialization.NewDeserializer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ByteOrder returns the header byte order in use.
func (d *Decoder) ByteOrder() binary.ByteOrder {
	return d.order
}

// Decode decodes one complete message reassembled from objectID.
//
// The body is wrapped in the CLIXML <Objs> root before deserialization and
// pretty-printed into Raw. If the body is not XML, Raw holds it verbatim.
//
// Any failure is returned as a *DecodeError. The Message is nil only when
// the header itself could not be read; otherwise it carries every field
// that was decoded, and the body is attempted even when the header holds
// an unknown destination or type.
func (d *Decoder) Decode(objectID uint64, data []byte) (*Message, error) {
	m, headerErr := DecodeHeader(data, d.order)
	if m == nil {
		return nil, &DecodeError{ObjectID: objectID, Err: headerErr}
	}
	m.ObjectID = objectID
	m.Data = bytes.TrimPrefix(m.Data, utf8BOM)

	text := string(m.Data)
	if raw, err := serialization.Indent(text); err == nil {
		m.Raw = raw
	} else {
		m.Raw = text
	}

	body, bodyErr := d.deserializer.Deserialize(serialization.Wrap(m.Data))
	if bodyErr != nil && !errors.Is(bodyErr, serialization.ErrInvalidCLIXML) {
		bodyErr = fmt.Errorf("%w: %w", serialization.ErrInvalidCLIXML, bodyErr)
	}
	m.Body = body

	if err := errors.Join(headerErr, bodyErr); err != nil {
		return m, &DecodeError{ObjectID: objectID, Err: err}
	}
	return m, nil
}
