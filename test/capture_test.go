package psrpwatch_test

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/smnsjas/go-psrpwatch/fragments"
	"github.com/smnsjas/go-psrpwatch/messages"
	"github.com/smnsjas/go-psrpwatch/outofproc"
)

const sessionCapabilityBody = `<Obj RefId="0"><MS><Version N="protocolversion">2.3</Version><Version N="PSVersion">2.0</Version><Version N="SerializationVersion">1.1.0.1</Version></MS></Obj>`

var (
	runspacePoolID = uuid.MustParse("3c6ab6b0-6bbf-4b2f-9a57-0a8b7c7bd0e1")
	pipelineID     = uuid.MustParse("9d0f3e55-4e2a-4e4e-8f7e-5a3f7c3f5b21")
)

// capture builds an OutOfProcess log the way a PowerShell host writes one.
type capture struct {
	buf        bytes.Buffer
	w          *outofproc.Writer
	fragmenter *fragments.Fragmenter
	order      binary.ByteOrder
}

func newCapture(order binary.ByteOrder, maxFragment int) *capture {
	c := &capture{
		fragmenter: fragments.NewFragmenter(maxFragment),
		order:      order,
	}
	c.w = outofproc.NewWriter(&c.buf)
	return c
}

// fragment encodes a message and splits it without writing anything.
func (c *capture) fragment(typ messages.MessageType, pid uuid.UUID, body string) []*fragments.Fragment {
	data := (&messages.Message{
		Destination: messages.DestinationClient,
		Type:        typ,
		RunspaceID:  runspacePoolID,
		PipelineID:  pid,
		Data:        []byte(body),
	}).Encode(c.order)
	return c.fragmenter.Fragment(data)
}

// message writes a whole message as a single Data line.
func (c *capture) message(typ messages.MessageType, pid uuid.UUID, body string) {
	c.data(c.fragment(typ, pid, body)...)
}

// data writes one Data line carrying frags.
func (c *capture) data(frags ...*fragments.Fragment) {
	if err := c.w.WriteData(outofproc.NullGUID, fragments.EncodeAll(frags)); err != nil {
		panic(err)
	}
}

func (c *capture) control(typ outofproc.PacketType, guid uuid.UUID) {
	if err := c.w.WriteControl(typ, guid); err != nil {
		panic(err)
	}
}

func (c *capture) raw(line string) {
	c.buf.WriteString(line + "\n")
}

func (c *capture) String() string {
	return c.buf.String()
}
