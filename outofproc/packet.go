package outofproc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Stream represents the data stream type in OutOfProcess protocol.
type Stream string

const (
	// StreamDefault is the default data stream.
	StreamDefault Stream = "Default"
	// StreamPromptResponse is used for host prompt responses.
	StreamPromptResponse Stream = "PromptResponse"
)

// NullGUID is the zero GUID used for runspace-level operations.
// Pipeline-specific operations use the pipeline's GUID.
var NullGUID = uuid.UUID{}

// PacketType represents the type of OutOfProcess packet.
type PacketType string

const (
	PacketTypeData       PacketType = "Data"
	PacketTypeDataAck    PacketType = "DataAck"
	PacketTypeCommand    PacketType = "Command"
	PacketTypeCommandAck PacketType = "CommandAck"
	PacketTypeClose      PacketType = "Close"
	PacketTypeCloseAck   PacketType = "CloseAck"
	PacketTypeSignal     PacketType = "Signal"
	PacketTypeSignalAck  PacketType = "SignalAck"
)

// Known reports whether t is one of the OutOfProcess packet types.
func (t PacketType) Known() bool {
	switch t {
	case PacketTypeData, PacketTypeDataAck, PacketTypeCommand, PacketTypeCommandAck,
		PacketTypeClose, PacketTypeCloseAck, PacketTypeSignal, PacketTypeSignalAck:
		return true
	}
	return false
}

var (
	// ErrNoElement is returned for a line that holds no XML element at all,
	// such as banner text a host prints before the protocol starts.
	ErrNoElement = errors.New("no XML element")
	// ErrMalformedPacket is returned for a line that is not a single
	// well-formed packet element.
	ErrMalformedPacket = errors.New("malformed packet")
)

// Packet is one parsed OutOfProcess envelope.
type Packet struct {
	Type   PacketType
	PSGuid uuid.UUID
	// Stream is only set for Data packets; it defaults to StreamDefault.
	Stream Stream
	Data   []byte // Decoded fragment data (only for Data packets)
}

// ParsePacket parses a single line of OutOfProcess protocol.
//
// A UTF-8 BOM and any text before the first '<' are ignored. The packet type
// is the root element name; unknown names are returned as they are so
// callers can decide what to do with them.
func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "\xEF\xBB\xBF"))

	idx := strings.Index(line, "<")
	if idx == -1 {
		return nil, fmt.Errorf("%w: %q", ErrNoElement, truncate(line, 100))
	}
	if idx > 0 {
		// Strip any leading non-XML content
		line = line[idx:]
	}

	packet, err := parsePacket(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w (line: %q)", ErrMalformedPacket, err, truncate(line, 100))
	}
	return packet, nil
}

func parsePacket(line string) (*Packet, error) {
	decoder := xml.NewDecoder(strings.NewReader(line))

	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	startElem, ok := token.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("expected start element, got %T", token)
	}

	packet := &Packet{
		Type: PacketType(startElem.Name.Local),
	}
	if packet.Type == PacketTypeData {
		packet.Stream = StreamDefault
	}

	for _, attr := range startElem.Attr {
		switch attr.Name.Local {
		case "PSGuid":
			guid, err := uuid.Parse(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("parse PSGuid %q: %w", attr.Value, err)
			}
			packet.PSGuid = guid
		case "Stream":
			if packet.Type == PacketTypeData {
				packet.Stream = Stream(attr.Value)
			}
		}
	}

	var content []byte
	for done := false; !done; {
		token, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("read %s content: %w", packet.Type, err)
		}
		switch t := token.(type) {
		case xml.CharData:
			content = append(content, t...)
		case xml.EndElement:
			done = true
		case xml.Comment:
		default:
			return nil, fmt.Errorf("unexpected %T in %s element", token, packet.Type)
		}
	}

	if err := expectEOF(decoder); err != nil {
		return nil, err
	}

	content = bytes.TrimSpace(content)
	if packet.Type != PacketTypeData {
		if len(content) > 0 {
			return nil, fmt.Errorf("unexpected text in %s element", packet.Type)
		}
		return packet, nil
	}

	if len(content) > 0 {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(content)))
		n, err := base64.StdEncoding.Decode(decoded, content)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		packet.Data = decoded[:n]
	}

	return packet, nil
}

// expectEOF checks nothing but whitespace follows the packet element.
func expectEOF(decoder *xml.Decoder) error {
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("after element: %w", err)
		}
		if cd, ok := token.(xml.CharData); ok && len(bytes.TrimSpace(cd)) == 0 {
			continue
		}
		return fmt.Errorf("unexpected %T after element", token)
	}
}

// FormatPacket renders p as one protocol line without the trailing newline,
// in the form PowerShell writes it.
func FormatPacket(p *Packet) string {
	if p.Type == PacketTypeData {
		stream := p.Stream
		if stream == "" {
			stream = StreamDefault
		}
		return fmt.Sprintf("<Data Stream='%s' PSGuid='%s'>%s</Data>",
			stream, formatGUID(p.PSGuid), base64.StdEncoding.EncodeToString(p.Data))
	}
	return fmt.Sprintf("<%s PSGuid='%s' />", p.Type, formatGUID(p.PSGuid))
}

// formatGUID formats a UUID in the PowerShell-expected format (lowercase with hyphens).
func formatGUID(id uuid.UUID) string {
	return strings.ToLower(id.String())
}

// IsSessionGUID returns true if the GUID is the null GUID used for session/runspace operations.
func IsSessionGUID(id uuid.UUID) bool {
	return id == NullGUID
}

// truncate shortens a string for error messages.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
