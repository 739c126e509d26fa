package watch

import (
	"github.com/google/uuid"

	"github.com/smnsjas/go-psrpwatch/fragments"
	"github.com/smnsjas/go-psrpwatch/messages"
	"github.com/smnsjas/go-psrpwatch/outofproc"
)

// Packet is the structured record emitted for one envelope.
type Packet struct {
	Type      outofproc.PacketType `json:"Type" yaml:"Type" msgpack:"Type"`
	PSGuid    uuid.UUID            `json:"PSGuid" yaml:"PSGuid" msgpack:"PSGuid"`
	Stream    outofproc.Stream     `json:"Stream,omitempty" yaml:"Stream,omitempty" msgpack:"Stream,omitempty"`
	Fragments []FragmentInfo       `json:"Fragments" yaml:"Fragments" msgpack:"Fragments"`
	Messages  []MessageInfo        `json:"Messages" yaml:"Messages" msgpack:"Messages"`
	Raw       string               `json:"Raw" yaml:"Raw" msgpack:"Raw"`
}

// FragmentInfo describes one fragment carried by a Data packet.
type FragmentInfo struct {
	ObjectID   uint64 `json:"ObjectID" yaml:"ObjectID" msgpack:"ObjectID"`
	FragmentID uint64 `json:"FragmentID" yaml:"FragmentID" msgpack:"FragmentID"`
	Start      bool   `json:"Start" yaml:"Start" msgpack:"Start"`
	End        bool   `json:"End" yaml:"End" msgpack:"End"`
	Length     int    `json:"Length" yaml:"Length" msgpack:"Length"`
}

// MessageInfo describes one message completed by a packet. When decoding
// failed, Error is set and the fields that could be read are still filled.
type MessageInfo struct {
	ObjectID       uint64        `json:"ObjectID" yaml:"ObjectID" msgpack:"ObjectID"`
	Destination    string        `json:"Destination" yaml:"Destination" msgpack:"Destination"`
	MessageType    string        `json:"MessageType" yaml:"MessageType" msgpack:"MessageType"`
	RunspacePoolID uuid.UUID     `json:"RunspacePoolId" yaml:"RunspacePoolId" msgpack:"RunspacePoolId"`
	PipelineID     uuid.UUID     `json:"PipelineId" yaml:"PipelineId" msgpack:"PipelineId"`
	Body           []interface{} `json:"Body,omitempty" yaml:"Body,omitempty" msgpack:"Body,omitempty"`
	// State names the reported state of *_STATE messages, e.g. "Completed".
	State          string        `json:"State,omitempty" yaml:"State,omitempty" msgpack:"State,omitempty"`
	RawText        string        `json:"RawText" yaml:"RawText" msgpack:"RawText"`
	Error          string        `json:"Error,omitempty" yaml:"Error,omitempty" msgpack:"Error,omitempty"`
}

func fragmentInfo(f *fragments.Fragment) FragmentInfo {
	return FragmentInfo{
		ObjectID:   f.ObjectID,
		FragmentID: f.FragmentID,
		Start:      f.Start,
		End:        f.End,
		Length:     len(f.Data),
	}
}

func messageInfo(objectID uint64, m *messages.Message, err error) MessageInfo {
	info := MessageInfo{ObjectID: objectID}
	if m != nil {
		info.Destination = m.Destination.String()
		info.MessageType = m.Type.String()
		info.RunspacePoolID = m.RunspaceID
		info.PipelineID = m.PipelineID
		info.Body = m.Body
		info.RawText = m.Raw
		info.State, _ = m.State()
	}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}
