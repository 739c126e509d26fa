// Package watch turns a sequence of OutOfProcess log records into decoded
// PSRP packets.
//
// A Session owns the reassembly table for one capture. Each record goes
// through the same pipeline:
//
//	record ─► outofproc.ParsePacket ─► fragments.Parser ─► fragments.Reassembler
//	                                                              │
//	                   Packet ◄── messages.Decoder ◄── complete ──┘
//
// Anomalies that do not stop the watch (rejected fragments, messages that
// fail to decode, objects left unfinished at the end) are reported as
// Diagnostics, separately from the packets. Only a failure to read the
// record source ends a watch with an error.
package watch

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/smnsjas/go-psrpwatch/fragments"
	"github.com/smnsjas/go-psrpwatch/messages"
	"github.com/smnsjas/go-psrpwatch/outofproc"
)

// DefaultMaxPending is the default bound on objects reassembled at once.
const DefaultMaxPending = fragments.DefaultMaxPendingMessages

// Stats counts what a Session has processed.
type Stats struct {
	Records     int
	Packets     int
	Fragments   int
	Messages    int
	Diagnostics int
}

// Session decodes the records of one capture in order.
// It is not safe for concurrent use; use one Session per capture.
type Session struct {
	reassembler *fragments.Reassembler
	decoder     *messages.Decoder
	logger      *zap.Logger
	onDiag      func(Diagnostic)

	maxPending int
	stats      Stats
	closed     bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Diagnostics are logged at Warn level,
// per-record summaries at Debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDecoder sets the message decoder.
func WithDecoder(d *messages.Decoder) Option {
	return func(s *Session) {
		if d != nil {
			s.decoder = d
		}
	}
}

// WithMaxPending bounds the number of objects being reassembled at once.
// n <= 0 removes the bound.
func WithMaxPending(n int) Option {
	return func(s *Session) { s.maxPending = n }
}

// WithDiagnosticHandler registers fn to receive every diagnostic.
func WithDiagnosticHandler(fn func(Diagnostic)) Option {
	return func(s *Session) { s.onDiag = fn }
}

// NewSession creates a Session with an empty reassembly table.
func NewSession(opts ...Option) *Session {
	s := &Session{
		logger:     zap.NewNop(),
		maxPending: DefaultMaxPending,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.decoder == nil {
		s.decoder = messages.NewDecoder()
	}
	s.reassembler = fragments.NewReassemblerWithLimit(s.maxPending)
	return s
}

// Process runs one record through the pipeline.
//
// It returns a nil Packet and nil error for a line without any XML element,
// such as a host banner. A record that is not a valid envelope returns an
// error wrapping outofproc.ErrMalformedPacket; the session stays usable.
func (s *Session) Process(line string) (*Packet, error) {
	s.stats.Records++
	record := s.stats.Records

	p, err := outofproc.ParsePacket(line)
	if errors.Is(err, outofproc.ErrNoElement) {
		s.logger.Debug("skipping non-XML line", zap.Int("record", record))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	packet := &Packet{
		Type:      p.Type,
		PSGuid:    p.PSGuid,
		Stream:    p.Stream,
		Fragments: []FragmentInfo{},
		Messages:  []MessageInfo{},
		Raw:       line,
	}
	if !p.Type.Known() {
		s.logger.Debug("unknown packet type", zap.Int("record", record), zap.String("type", string(p.Type)))
	}

	if p.Type == outofproc.PacketTypeData {
		s.processData(record, p.Data, packet)
	}

	s.stats.Packets++
	s.stats.Fragments += len(packet.Fragments)
	s.stats.Messages += len(packet.Messages)

	s.logger.Debug("record",
		zap.Int("record", record),
		zap.String("type", string(packet.Type)),
		zap.Stringer("ps_guid", packet.PSGuid),
		zap.Int("fragments", len(packet.Fragments)),
		zap.Int("messages", len(packet.Messages)))

	return packet, nil
}

func (s *Session) processData(record int, data []byte, packet *Packet) {
	parser := fragments.NewParser(data)
	for {
		f, err := parser.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			d := Diagnostic{Kind: KindRejectedFragment, Record: record, Err: err}
			var se *fragments.StartError
			if errors.As(err, &se) {
				d.ObjectID = se.ObjectID
			}
			s.report(d)
			continue
		}

		packet.Fragments = append(packet.Fragments, fragmentInfo(f))

		complete, done, err := s.reassembler.Feed(f)
		if err != nil {
			switch {
			case errors.Is(err, fragments.ErrMissingStart):
				s.report(Diagnostic{Kind: KindOrphanFragment, Record: record, ObjectID: f.ObjectID, Err: err})
			case errors.Is(err, fragments.ErrTooManyPending):
				s.report(Diagnostic{Kind: KindOverflow, Record: record, ObjectID: f.ObjectID, Err: err})
				continue
			default:
				s.report(Diagnostic{Kind: KindRejectedFragment, Record: record, ObjectID: f.ObjectID, Err: err})
				continue
			}
		}
		if !done {
			continue
		}

		msg, err := s.decoder.Decode(f.ObjectID, complete)
		if err != nil {
			s.report(Diagnostic{Kind: KindDecodeFailed, Record: record, ObjectID: f.ObjectID, Err: err})
		}
		packet.Messages = append(packet.Messages, messageInfo(f.ObjectID, msg, err))
	}
}

// Close ends the session. Every object still being reassembled is reported
// as a KindIncomplete diagnostic, in ascending object id order, and also
// returned. Close is idempotent.
func (s *Session) Close() []Diagnostic {
	if s.closed {
		return nil
	}
	s.closed = true

	var diags []Diagnostic
	for _, err := range s.reassembler.Drain() {
		d := Diagnostic{Kind: KindIncomplete, Err: err}
		var ie *fragments.IncompleteError
		if errors.As(err, &ie) {
			d.ObjectID = ie.ObjectID
		}
		s.report(d)
		diags = append(diags, d)
	}
	return diags
}

// Pending returns the object ids currently being reassembled.
func (s *Session) Pending() []uint64 {
	return s.reassembler.Pending()
}

// Stats returns the counters accumulated so far.
func (s *Session) Stats() Stats {
	return s.stats
}

func (s *Session) report(d Diagnostic) {
	s.stats.Diagnostics++

	fields := []zap.Field{
		zap.String("kind", string(d.Kind)),
		zap.Uint64("object_id", d.ObjectID),
		zap.Error(d.Err),
	}
	if d.Record > 0 {
		fields = append(fields, zap.Int("record", d.Record))
	}
	s.logger.Warn("psrp diagnostic", fields...)

	if s.onDiag != nil {
		s.onDiag(d)
	}
}
