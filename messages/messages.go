// Package messages defines the PSRP message types and decodes message
// headers and bodies.
//
// A PSRP message is what the fragment layer reassembles. Each message has a
// type, a destination (client or server), the runspace pool and pipeline it
// is addressed to, and a CLIXML payload.
//
// # Message Structure
//
// All PSRP messages share a common header:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Destination (4 bytes) - 1=Client, 2=Server            │
//	├─────────────────────────────────────────────────────────┤
//	│  MessageType (4 bytes)                                  │
//	├─────────────────────────────────────────────────────────┤
//	│  RPID (16 bytes) - RunspacePool ID (GUID)              │
//	├─────────────────────────────────────────────────────────┤
//	│  PID (16 bytes) - Pipeline ID (GUID)                   │
//	├─────────────────────────────────────────────────────────┤
//	│  Data (variable) - UTF-8 CLIXML, optional BOM           │
//	└─────────────────────────────────────────────────────────┘
//
// # Byte Order (Endianness)
//
// The Destination and MessageType integers are read in a configurable byte
// order. Big-endian, the same order the fragment header uses, is the default.
// PowerShell itself writes these two fields little-endian following .NET
// conventions (MS-PSRP Section 2.2.5.2 states it for PUBLIC_KEY), so
// captures taken from a real host need
// WithByteOrder(binary.LittleEndian).
//
// GUIDs (RPID/PID) always use the .NET GUID serialization format (RFC 4122 mixed-endian):
//   - First 3 components (time-low, time-mid, time-hi) are little-endian
//   - Last 2 components (clock-seq, node) are big-endian
//
// # Message Categories
//
// Messages are grouped by functionality:
//
//   - Session messages: Capability exchange, key negotiation
//   - Runspace messages: Pool creation, state changes
//   - Pipeline messages: Command execution, output streaming
//   - Host messages: Interactive callbacks to the client
//
// # Reference
//
// MS-PSRP Section 2.2.1: https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-psrp/
package messages

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Destination indicates whether a message is for the client or server.
type Destination uint32

const (
	// DestinationClient indicates the message is for the client.
	DestinationClient Destination = 1
	// DestinationServer indicates the message is for the server.
	DestinationServer Destination = 2
)

// Valid reports whether d is Client or Server.
func (d Destination) Valid() bool {
	return d == DestinationClient || d == DestinationServer
}

func (d Destination) String() string {
	switch d {
	case DestinationClient:
		return "Client"
	case DestinationServer:
		return "Server"
	default:
		return fmt.Sprintf("Destination(%d)", uint32(d))
	}
}

// MessageType identifies the type of PSRP message.
type MessageType uint32

// Session and capability message types.
// Reference: MS-PSRP Section 2.2.1
const (
	// Session capability exchange - MS-PSRP 2.2.5.1
	MessageTypeSessionCapability MessageType = 0x00010002
	// Runspace pool initialization - MS-PSRP 2.2.2.1
	MessageTypeInitRunspacePool MessageType = 0x00010004
	// Public key for encryption - MS-PSRP 2.2.5.2
	MessageTypePublicKey MessageType = 0x00010005
	// Encrypted session key - MS-PSRP 2.2.5.3
	MessageTypeEncryptedSessionKey MessageType = 0x00010006
	// Request for public key - MS-PSRP 2.2.5.4
	MessageTypePublicKeyRequest MessageType = 0x00010007
	// Connect to existing runspace pool - MS-PSRP 2.2.2.9
	MessageTypeConnectRunspacePool MessageType = 0x00010008
	// Runspace pool state change - MS-PSRP 2.2.2.2
	MessageTypeRunspacePoolState MessageType = 0x00021005
)

// Runspace pool management message types.
// Reference: MS-PSRP Section 2.2.2
const (
	// Set maximum runspaces - MS-PSRP 2.2.2.3
	MessageTypeSetMaxRunspaces MessageType = 0x00021002
	// Set minimum runspaces - MS-PSRP 2.2.2.4
	MessageTypeSetMinRunspaces MessageType = 0x00021003
	// Runspace availability notification - MS-PSRP 2.2.2.5
	MessageTypeRunspaceAvailability MessageType = 0x00021004
	// Get available runspaces - MS-PSRP 2.2.2.6
	MessageTypeGetAvailableRunspaces MessageType = 0x00021007
	// User event - MS-PSRP 2.2.2.7
	MessageTypeUserEvent MessageType = 0x00021008
	// Application private data - MS-PSRP 2.2.2.8
	MessageTypeApplicationPrivate MessageType = 0x00021009
	// Get command metadata - MS-PSRP 2.2.3.1
	MessageTypeGetCommandMetadata MessageType = 0x0002100A
	// Runspace pool initialization data - MS-PSRP 2.2.2.10
	MessageTypeRunspacePoolInitData MessageType = 0x0002100B
	// Reset runspace state - MS-PSRP 2.2.2.11
	MessageTypeResetRunspaceState MessageType = 0x0002100C
)

// Host callback message types.
// Reference: MS-PSRP Section 2.2.4
const (
	// Runspace pool host call - MS-PSRP 2.2.4.1
	MessageTypeRunspaceHostCall MessageType = 0x00021100
	// Runspace pool host response - MS-PSRP 2.2.4.2
	MessageTypeRunspaceHostResponse MessageType = 0x00021101
)

// Pipeline message types.
// Reference: MS-PSRP Section 2.2.3
const (
	// Create pipeline - MS-PSRP 2.2.3.2
	MessageTypeCreatePipeline MessageType = 0x00021006
	// Signal pipeline (stop/interrupt) - MS-PSRP 2.2.3.13
	MessageTypeSignal MessageType = 0x00041001
	// Pipeline input data - MS-PSRP 2.2.3.3
	MessageTypePipelineInput MessageType = 0x00041002
	// End of pipeline input - MS-PSRP 2.2.3.4
	MessageTypeEndOfPipelineInput MessageType = 0x00041003
	// Pipeline output data - MS-PSRP 2.2.3.5
	MessageTypePipelineOutput MessageType = 0x00041004
	// Error record - MS-PSRP 2.2.3.6
	MessageTypeErrorRecord MessageType = 0x00041005
	// Pipeline state - MS-PSRP 2.2.3.7
	MessageTypePipelineState MessageType = 0x00041006
	// Debug record - MS-PSRP 2.2.3.8
	MessageTypeDebugRecord MessageType = 0x00041007
	// Verbose record - MS-PSRP 2.2.3.9
	MessageTypeVerboseRecord MessageType = 0x00041008
	// Warning record - MS-PSRP 2.2.3.10
	MessageTypeWarningRecord MessageType = 0x00041009
	// Progress record - MS-PSRP 2.2.3.11
	MessageTypeProgressRecord MessageType = 0x00041010
	// Information record - MS-PSRP 2.2.3.12
	MessageTypeInformationRecord MessageType = 0x00041011
	// Pipeline host call - MS-PSRP 2.2.4.3
	MessageTypePipelineHostCall MessageType = 0x00041100
	// Pipeline host response - MS-PSRP 2.2.4.4
	MessageTypePipelineHostResponse MessageType = 0x00041101
)

var messageTypeNames = map[MessageType]string{
	MessageTypeSessionCapability:     "SESSION_CAPABILITY",
	MessageTypeInitRunspacePool:      "INIT_RUNSPACEPOOL",
	MessageTypePublicKey:             "PUBLIC_KEY",
	MessageTypeEncryptedSessionKey:   "ENCRYPTED_SESSION_KEY",
	MessageTypePublicKeyRequest:      "PUBLIC_KEY_REQUEST",
	MessageTypeConnectRunspacePool:   "CONNECT_RUNSPACEPOOL",
	MessageTypeRunspacePoolState:     "RUNSPACEPOOL_STATE",
	MessageTypeSetMaxRunspaces:       "SET_MAX_RUNSPACES",
	MessageTypeSetMinRunspaces:       "SET_MIN_RUNSPACES",
	MessageTypeRunspaceAvailability:  "RUNSPACE_AVAILABILITY",
	MessageTypeGetAvailableRunspaces: "GET_AVAILABLE_RUNSPACES",
	MessageTypeUserEvent:             "USER_EVENT",
	MessageTypeApplicationPrivate:    "APPLICATION_PRIVATE_DATA",
	MessageTypeGetCommandMetadata:    "GET_COMMAND_METADATA",
	MessageTypeRunspacePoolInitData:  "RUNSPACEPOOL_INIT_DATA",
	MessageTypeResetRunspaceState:    "RESET_RUNSPACE_STATE",
	MessageTypeRunspaceHostCall:      "RUNSPACEPOOL_HOST_CALL",
	MessageTypeRunspaceHostResponse:  "RUNSPACEPOOL_HOST_RESPONSE",
	MessageTypeCreatePipeline:        "CREATE_PIPELINE",
	MessageTypeSignal:                "SIGNAL",
	MessageTypePipelineInput:         "PIPELINE_INPUT",
	MessageTypeEndOfPipelineInput:    "END_OF_PIPELINE_INPUT",
	MessageTypePipelineOutput:        "PIPELINE_OUTPUT",
	MessageTypeErrorRecord:           "ERROR_RECORD",
	MessageTypePipelineState:         "PIPELINE_STATE",
	MessageTypeDebugRecord:           "DEBUG_RECORD",
	MessageTypeVerboseRecord:         "VERBOSE_RECORD",
	MessageTypeWarningRecord:         "WARNING_RECORD",
	MessageTypeProgressRecord:        "PROGRESS_RECORD",
	MessageTypeInformationRecord:     "INFORMATION_RECORD",
	MessageTypePipelineHostCall:      "PIPELINE_HOST_CALL",
	MessageTypePipelineHostResponse:  "PIPELINE_HOST_RESPONSE",
}

// Valid reports whether t is a known PSRP message type.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// String returns the MS-PSRP name of the message type, or
// UNKNOWN(0x........) for values outside the catalog.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%08X)", uint32(t))
}

// HeaderSize is the message header size in bytes.
const HeaderSize = 40 // 4 (Destination) + 4 (MessageType) + 16 (RPID) + 16 (PID)

var (
	// ErrMessageTooShort is returned when message is smaller than header size.
	ErrMessageTooShort = errors.New("message too short")
	// ErrInvalidDestination is returned for a destination other than Client or Server.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrUnknownMessageType is returned for a message type outside the catalog.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Message represents a decoded PSRP message.
type Message struct {
	// ObjectID is the fragment object id the message was reassembled from.
	ObjectID    uint64
	Destination Destination
	Type        MessageType
	RunspaceID  uuid.UUID
	PipelineID  uuid.UUID
	// Data is the CLIXML body text without the header or a UTF-8 BOM.
	Data []byte
	// Body is the deserialized object graph of Data.
	Body []interface{}
	// Raw is Data pretty-printed for display.
	Raw string
}

// Encode serializes the message header and Data.
// Format: Destination (4) + MessageType (4) + RPID (16) + PID (16) + Data
// Reference: MS-PSRP Section 2.2.1
func (m *Message) Encode(order binary.ByteOrder) []byte {
	buf := make([]byte, HeaderSize+len(m.Data))

	order.PutUint32(buf[0:4], uint32(m.Destination))
	order.PutUint32(buf[4:8], uint32(m.Type))

	// RunspacePool ID and Pipeline ID (16 bytes each, .NET GUID format)
	copy(buf[8:24], uuidToLittleEndianBytes(m.RunspaceID))
	copy(buf[24:40], uuidToLittleEndianBytes(m.PipelineID))

	copy(buf[40:], m.Data)

	return buf
}

// DecodeHeader parses the 40-byte header and copies the remaining bytes
// into Data. It does not look at the body.
//
// A destination or type outside the known values still produces a Message
// together with an error wrapping ErrInvalidDestination or
// ErrUnknownMessageType, so callers can show what was read.
func DecodeHeader(data []byte, order binary.ByteOrder) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMessageTooShort, len(data), HeaderSize)
	}

	m := &Message{
		Destination: Destination(order.Uint32(data[0:4])),
		Type:        MessageType(order.Uint32(data[4:8])),
	}

	rpid, err := uuidFromLittleEndianBytes(data[8:24])
	if err != nil {
		return nil, fmt.Errorf("decode RPID: %w", err)
	}
	m.RunspaceID = rpid

	pid, err := uuidFromLittleEndianBytes(data[24:40])
	if err != nil {
		return nil, fmt.Errorf("decode PID: %w", err)
	}
	m.PipelineID = pid

	if len(data) > HeaderSize {
		m.Data = make([]byte, len(data)-HeaderSize)
		copy(m.Data, data[HeaderSize:])
	}

	var errs []error
	if !m.Destination.Valid() {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidDestination, uint32(m.Destination)))
	}
	if !m.Type.Valid() {
		errs = append(errs, fmt.Errorf("%w: 0x%08X", ErrUnknownMessageType, uint32(m.Type)))
	}
	return m, errors.Join(errs...)
}

// uuidToLittleEndianBytes converts a UUID to little-endian byte representation.
// .NET stores GUIDs in little-endian format, so we need to swap the byte order
// for the first three components while keeping the last two as-is.
func uuidToLittleEndianBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	ub := u[:]

	// Time-low (4 bytes) - reverse for little-endian
	b[0], b[1], b[2], b[3] = ub[3], ub[2], ub[1], ub[0]

	// Time-mid (2 bytes) - reverse for little-endian
	b[4], b[5] = ub[5], ub[4]

	// Time-hi-and-version (2 bytes) - reverse for little-endian
	b[6], b[7] = ub[7], ub[6]

	// Clock-seq and node (8 bytes) - keep as-is (already in correct order)
	copy(b[8:], ub[8:])

	return b
}

// uuidFromLittleEndianBytes converts little-endian bytes to a UUID.
func uuidFromLittleEndianBytes(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.Nil, fmt.Errorf("invalid UUID bytes: expected 16, got %d", len(b))
	}

	var u uuid.UUID

	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])

	return u, nil
}
