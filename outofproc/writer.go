package outofproc

import (
	"io"
	"sync"

	"github.com/google/uuid"
)

// Writer appends protocol lines to a capture. Tools and tests use it to
// produce logs in the format a host writes them.
type Writer struct {
	writer io.Writer
	mu     sync.Mutex // Protects writer
}

// NewWriter creates a Writer that appends to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w}
}

// WritePacket writes p as one line.
func (w *Writer) WritePacket(p *Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := io.WriteString(w.writer, FormatPacket(p)+"\n")
	return err
}

// WriteData writes a Data packet on the default stream.
// The data should be one or more complete PSRP fragments.
func (w *Writer) WriteData(psGuid uuid.UUID, data []byte) error {
	return w.WritePacket(&Packet{Type: PacketTypeData, PSGuid: psGuid, Stream: StreamDefault, Data: data})
}

// WriteControl writes a control packet such as DataAck or Close.
func (w *Writer) WriteControl(typ PacketType, psGuid uuid.UUID) error {
	return w.WritePacket(&Packet{Type: typ, PSGuid: psGuid})
}
