package watch

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smnsjas/go-psrpwatch/fragments"
	"github.com/smnsjas/go-psrpwatch/messages"
	"github.com/smnsjas/go-psrpwatch/outofproc"
	"github.com/smnsjas/go-psrpwatch/serialization"
)

var runspaceID = uuid.MustParse("d8a5f9d4-7e5f-4f64-8e3f-8b4f0f5c6a7b")

const capabilityBody = `<Obj RefId="0"><MS><Version N="protocolversion">2.3</Version><Version N="PSVersion">2.0</Version><Version N="SerializationVersion">1.1.0.1</Version></MS></Obj>`

func messageBytes(typ messages.MessageType, body string) []byte {
	return (&messages.Message{
		Destination: messages.DestinationServer,
		Type:        typ,
		RunspaceID:  runspaceID,
		Data:        []byte(body),
	}).Encode(binary.BigEndian)
}

func dataLine(frags ...*fragments.Fragment) string {
	return outofproc.FormatPacket(&outofproc.Packet{
		Type: outofproc.PacketTypeData,
		Data: fragments.EncodeAll(frags),
	})
}

type collector struct {
	diags []Diagnostic
}

func (c *collector) handle(d Diagnostic) { c.diags = append(c.diags, d) }

func (c *collector) kinds() []DiagnosticKind {
	var out []DiagnosticKind
	for _, d := range c.diags {
		out = append(out, d.Kind)
	}
	return out
}

func newSession(opts ...Option) (*Session, *collector) {
	c := &collector{}
	return NewSession(append([]Option{WithDiagnosticHandler(c.handle)}, opts...)...), c
}

func process(t *testing.T, s *Session, line string) *Packet {
	t.Helper()
	p, err := s.Process(line)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if p == nil {
		t.Fatal("Process() returned no packet")
	}
	return p
}

func TestProcessSingleMessage(t *testing.T) {
	s, c := newSession()
	line := dataLine(&fragments.Fragment{
		ObjectID: 1, Start: true, End: true,
		Data: messageBytes(messages.MessageTypeSessionCapability, capabilityBody),
	})

	p := process(t, s, line)
	if p.Type != outofproc.PacketTypeData || p.Stream != outofproc.StreamDefault || p.PSGuid != outofproc.NullGUID {
		t.Errorf("envelope = %s %s %s", p.Type, p.Stream, p.PSGuid)
	}
	if p.Raw != line {
		t.Errorf("Raw = %q, want the original line", p.Raw)
	}
	if len(p.Fragments) != 1 {
		t.Fatalf("Fragments = %+v, want 1", p.Fragments)
	}
	f := p.Fragments[0]
	if f.ObjectID != 1 || f.FragmentID != 0 || !f.Start || !f.End || f.Length != messages.HeaderSize+len(capabilityBody) {
		t.Errorf("fragment = %+v", f)
	}
	if len(p.Messages) != 1 {
		t.Fatalf("Messages = %+v, want 1", p.Messages)
	}
	m := p.Messages[0]
	if m.ObjectID != 1 || m.Destination != "Server" || m.MessageType != "SESSION_CAPABILITY" {
		t.Errorf("message = %+v", m)
	}
	if m.RunspacePoolID != runspaceID || m.PipelineID != uuid.Nil {
		t.Errorf("ids = %s %s", m.RunspacePoolID, m.PipelineID)
	}
	if m.Error != "" {
		t.Errorf("Error = %q", m.Error)
	}
	obj, ok := m.Body[0].(*serialization.PSObject)
	if !ok {
		t.Fatalf("Body[0] = %T", m.Body[0])
	}
	if v, _ := obj.Property("PSVersion"); v != "2.0" {
		t.Errorf("PSVersion = %v", v)
	}
	if m.RawText == "" {
		t.Error("RawText is empty")
	}
	if len(c.diags) != 0 {
		t.Errorf("unexpected diagnostics: %v", c.diags)
	}
}

func TestProcessControlPacket(t *testing.T) {
	s, _ := newSession()
	pid := uuid.New()
	p := process(t, s, outofproc.FormatPacket(&outofproc.Packet{Type: outofproc.PacketTypeCommandAck, PSGuid: pid}))

	if p.Type != outofproc.PacketTypeCommandAck || p.PSGuid != pid {
		t.Errorf("packet = %+v", p)
	}
	if p.Stream != "" || len(p.Fragments) != 0 || len(p.Messages) != 0 {
		t.Errorf("control packet carries data: %+v", p)
	}
}

// Destination Client, message type 2 and body "ABC": the fragment is captured
// and the message is reported with an error instead of aborting.
func TestProcessUndecodableMessage(t *testing.T) {
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02}
	payload = append(payload, make([]byte, 32)...)
	payload = append(payload, "ABC"...)

	s, c := newSession()
	p := process(t, s, dataLine(&fragments.Fragment{ObjectID: 1, Start: true, End: true, Data: payload}))

	if len(p.Fragments) != 1 || p.Fragments[0].Length != 43 {
		t.Errorf("Fragments = %+v", p.Fragments)
	}
	if len(p.Messages) != 1 {
		t.Fatalf("Messages = %+v", p.Messages)
	}
	m := p.Messages[0]
	if m.Destination != "Client" || m.MessageType != "UNKNOWN(0x00000002)" || m.RawText != "ABC" {
		t.Errorf("message = %+v", m)
	}
	if m.Error == "" {
		t.Error("expected decode error on message")
	}
	if len(c.diags) != 1 || c.diags[0].Kind != KindDecodeFailed || c.diags[0].ObjectID != 1 {
		t.Fatalf("diagnostics = %v", c.diags)
	}
	if !errors.Is(c.diags[0].Err, serialization.ErrInvalidCLIXML) {
		t.Errorf("diagnostic error = %v, want ErrInvalidCLIXML", c.diags[0].Err)
	}
}

func TestProcessMessageAcrossRecords(t *testing.T) {
	data := messageBytes(messages.MessageTypePipelineOutput, "<S>hello from the pipeline</S>")
	frags := fragments.NewFragmenterWithID(fragments.HeaderSize+16, 41).Fragment(data)
	if len(frags) < 3 {
		t.Fatalf("expected at least 3 fragments, got %d", len(frags))
	}

	s, c := newSession()
	var got []MessageInfo
	for _, f := range frags {
		p := process(t, s, dataLine(f))
		got = append(got, p.Messages...)
		if !f.End && len(p.Messages) != 0 {
			t.Errorf("message completed before end fragment")
		}
	}
	if len(got) != 1 || got[0].ObjectID != 42 || got[0].Body[0] != "hello from the pipeline" {
		t.Errorf("messages = %+v", got)
	}
	if len(c.diags) != 0 {
		t.Errorf("unexpected diagnostics: %v", c.diags)
	}
}

func TestProcessInterleavedObjects(t *testing.T) {
	a := fragments.NewFragmenterWithID(fragments.HeaderSize+30, 9).Fragment(messageBytes(messages.MessageTypePipelineOutput, "<S>alpha</S>"))
	b := fragments.NewFragmenterWithID(fragments.HeaderSize+30, 19).Fragment(messageBytes(messages.MessageTypeErrorRecord, "<S>beta</S>"))
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("fragment counts %d, %d", len(a), len(b))
	}

	s, _ := newSession()
	p1 := process(t, s, dataLine(a[0], b[0]))
	p2 := process(t, s, dataLine(a[1]))
	p3 := process(t, s, dataLine(b[1]))

	if len(p1.Messages) != 0 || len(p1.Fragments) != 2 {
		t.Errorf("first packet = %+v", p1)
	}
	if len(p2.Messages) != 1 || p2.Messages[0].Body[0] != "alpha" {
		t.Errorf("second packet messages = %+v", p2.Messages)
	}
	if len(p3.Messages) != 1 || p3.Messages[0].Body[0] != "beta" || p3.Messages[0].MessageType != "ERROR_RECORD" {
		t.Errorf("third packet messages = %+v", p3.Messages)
	}
}

func TestProcessMultipleMessagesInOnePacket(t *testing.T) {
	s, _ := newSession()
	p := process(t, s, dataLine(
		&fragments.Fragment{ObjectID: 1, Start: true, End: true, Data: messageBytes(messages.MessageTypePipelineOutput, "<I32>1</I32>")},
		&fragments.Fragment{ObjectID: 2, Start: true, End: true, Data: messageBytes(messages.MessageTypePipelineOutput, "<I32>2</I32>")},
	))
	if len(p.Messages) != 2 || p.Messages[0].ObjectID != 1 || p.Messages[1].ObjectID != 2 {
		t.Errorf("messages = %+v", p.Messages)
	}
}

func TestProcessRejectedStartFragment(t *testing.T) {
	s, c := newSession()
	p := process(t, s, dataLine(
		&fragments.Fragment{ObjectID: 7, FragmentID: 5, Start: true, Data: []byte("bad")},
		&fragments.Fragment{ObjectID: 8, Start: true, End: true, Data: messageBytes(messages.MessageTypePipelineOutput, "<S>ok</S>")},
	))

	if len(p.Fragments) != 1 || p.Fragments[0].ObjectID != 8 {
		t.Errorf("Fragments = %+v, want only object 8", p.Fragments)
	}
	if len(p.Messages) != 1 || p.Messages[0].Body[0] != "ok" {
		t.Errorf("Messages = %+v", p.Messages)
	}
	if len(c.diags) != 1 || c.diags[0].Kind != KindRejectedFragment || c.diags[0].ObjectID != 7 || c.diags[0].Record != 1 {
		t.Errorf("diagnostics = %v", c.diags)
	}
	if len(s.Pending()) != 0 {
		t.Errorf("rejected fragment was buffered: %v", s.Pending())
	}
}

func TestProcessTruncatedFragment(t *testing.T) {
	encoded := (&fragments.Fragment{ObjectID: 3, Start: true, End: true, Data: []byte("payload")}).Encode()
	line := outofproc.FormatPacket(&outofproc.Packet{Type: outofproc.PacketTypeData, Data: encoded[:len(encoded)-2]})

	s, c := newSession()
	p := process(t, s, line)
	if len(p.Fragments) != 0 {
		t.Errorf("Fragments = %+v", p.Fragments)
	}
	if len(c.diags) != 1 || c.diags[0].Kind != KindRejectedFragment || !errors.Is(c.diags[0].Err, fragments.ErrTruncated) {
		t.Errorf("diagnostics = %v", c.diags)
	}
}

func TestCloseReportsIncomplete(t *testing.T) {
	s, c := newSession()
	process(t, s, dataLine(
		&fragments.Fragment{ObjectID: 12, FragmentID: 0, Start: true, Data: []byte("start")},
		&fragments.Fragment{ObjectID: 12, FragmentID: 1, Data: []byte("mid")},
	))

	diags := s.Close()
	if len(diags) != 1 {
		t.Fatalf("Close() = %v, want 1 diagnostic", diags)
	}
	d := diags[0]
	if d.Kind != KindIncomplete || d.ObjectID != 12 || d.Record != 0 {
		t.Errorf("diagnostic = %+v", d)
	}
	if !errors.Is(d.Err, fragments.ErrIncompleteMessage) {
		t.Errorf("diagnostic error = %v", d.Err)
	}
	if len(c.diags) != 1 {
		t.Errorf("handler got %v", c.diags)
	}
	if again := s.Close(); len(again) != 0 {
		t.Errorf("second Close() = %v", again)
	}
}

func TestProcessOrphanFragment(t *testing.T) {
	data := messageBytes(messages.MessageTypePipelineOutput, "<S>late joiner</S>")
	frags := fragments.NewFragmenterWithID(fragments.HeaderSize+20, 0).Fragment(data)

	s, c := newSession()
	// The capture started after the first fragment was written.
	for _, f := range frags[1:] {
		process(t, s, dataLine(f))
	}

	if got := c.kinds(); len(got) < 1 || got[0] != KindOrphanFragment {
		t.Fatalf("diagnostics = %v, want orphan first", c.diags)
	}
	orphans := 0
	for _, d := range c.diags {
		if d.Kind == KindOrphanFragment {
			orphans++
		}
	}
	if orphans != 1 {
		t.Errorf("got %d orphan diagnostics, want exactly 1", orphans)
	}
}

func TestProcessOverflow(t *testing.T) {
	s, c := newSession(WithMaxPending(1))
	p := process(t, s, dataLine(
		&fragments.Fragment{ObjectID: 1, Start: true, Data: []byte("a")},
		&fragments.Fragment{ObjectID: 2, Start: true, Data: []byte("b")},
	))

	if len(p.Fragments) != 2 {
		t.Errorf("Fragments = %+v", p.Fragments)
	}
	if got := c.kinds(); len(got) != 1 || got[0] != KindOverflow || c.diags[0].ObjectID != 2 {
		t.Errorf("diagnostics = %v", c.diags)
	}
	if pending := s.Pending(); len(pending) != 1 || pending[0] != 1 {
		t.Errorf("Pending() = %v", pending)
	}
}

func TestProcessMalformedRecord(t *testing.T) {
	s, _ := newSession()
	_, err := s.Process("<Data Stream='Default' PSGuid='00000000-0000-0000-0000-000000000000'>not base64!</Data>")
	if !errors.Is(err, outofproc.ErrMalformedPacket) {
		t.Fatalf("Process() error = %v, want ErrMalformedPacket", err)
	}

	// The session keeps working.
	process(t, s, outofproc.FormatPacket(&outofproc.Packet{Type: outofproc.PacketTypeDataAck}))
	if st := s.Stats(); st.Records != 2 || st.Packets != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestProcessSkipsBanner(t *testing.T) {
	s, _ := newSession()
	p, err := s.Process("PowerShell 7.4.1")
	if p != nil || err != nil {
		t.Errorf("Process(banner) = %v, %v; want nil, nil", p, err)
	}
}

func TestProcessLittleEndianDecoder(t *testing.T) {
	data := (&messages.Message{
		Destination: messages.DestinationClient,
		Type:        messages.MessageTypePipelineState,
		Data:        []byte("<I32>4</I32>"),
	}).Encode(binary.LittleEndian)

	s, c := newSession(WithDecoder(messages.NewDecoder(messages.WithByteOrder(binary.LittleEndian))))
	p := process(t, s, dataLine(&fragments.Fragment{ObjectID: 1, Start: true, End: true, Data: data}))

	if len(p.Messages) != 1 || p.Messages[0].MessageType != "PIPELINE_STATE" || p.Messages[0].Destination != "Client" {
		t.Errorf("messages = %+v", p.Messages)
	}
	if len(c.diags) != 0 {
		t.Errorf("unexpected diagnostics: %v", c.diags)
	}
}

// Two sessions never share reassembly state.
func TestSessionsAreIndependent(t *testing.T) {
	s1, _ := newSession()
	s2, _ := newSession()

	process(t, s1, dataLine(&fragments.Fragment{ObjectID: 5, Start: true, Data: []byte("x")}))
	if len(s2.Pending()) != 0 {
		t.Errorf("second session sees %v", s2.Pending())
	}
	if len(s1.Pending()) != 1 {
		t.Errorf("first session pending = %v", s1.Pending())
	}
}

func TestDiagnosticsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewSession(WithLogger(zap.New(core)))

	process(t, s, dataLine(&fragments.Fragment{ObjectID: 4, FragmentID: 2, Start: true, Data: []byte("x")}))

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warns) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warns))
	}
	fields := warns[0].ContextMap()
	if fields["kind"] != string(KindRejectedFragment) || fields["object_id"] != uint64(4) || fields["record"] != int64(1) {
		t.Errorf("fields = %v", fields)
	}
	if logs.FilterMessage("record").Len() != 1 {
		t.Error("expected a debug line for the record")
	}
}

func TestDiagnosticString(t *testing.T) {
	d := Diagnostic{Kind: KindIncomplete, ObjectID: 3, Err: errors.New("object 3 incomplete")}
	if got := d.String(); got != "incomplete: object 3 incomplete" {
		t.Errorf("String() = %q", got)
	}
	d.Record = 9
	if got := d.String(); got != "incomplete (record 9): object 3 incomplete" {
		t.Errorf("String() = %q", got)
	}
}

// Length counts payload bytes, not the fragment header.
func TestFragmentLengthIsPayloadLength(t *testing.T) {
	s, _ := newSession()
	p := process(t, s, dataLine(
		&fragments.Fragment{ObjectID: 3, Start: true, Data: []byte("ABC")},
		&fragments.Fragment{ObjectID: 3, FragmentID: 1, Data: nil},
	))

	if len(p.Fragments) != 2 {
		t.Fatalf("Fragments = %+v", p.Fragments)
	}
	for i, want := range []int{3, 0} {
		if got := p.Fragments[i].Length; got != want {
			t.Errorf("Fragments[%d].Length = %d, want %d", i, got, want)
		}
	}
}
