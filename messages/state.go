package messages

import (
	"fmt"

	"github.com/smnsjas/go-psrpwatch/serialization"
)

// RunspacePoolState is the state carried by RUNSPACEPOOL_STATE messages.
// Reference: MS-PSRP 2.2.3.4
type RunspacePoolState int32

const (
	RunspacePoolStateBeforeOpen   RunspacePoolState = 0
	RunspacePoolStateOpening      RunspacePoolState = 1
	RunspacePoolStateOpened       RunspacePoolState = 2
	RunspacePoolStateClosing      RunspacePoolState = 3
	RunspacePoolStateClosed       RunspacePoolState = 4
	RunspacePoolStateBroken       RunspacePoolState = 5
	RunspacePoolStateDisconnected RunspacePoolState = 6
	RunspacePoolStateConnecting   RunspacePoolState = 7
)

func (s RunspacePoolState) String() string {
	switch s {
	case RunspacePoolStateBeforeOpen:
		return "BeforeOpen"
	case RunspacePoolStateOpening:
		return "Opening"
	case RunspacePoolStateOpened:
		return "Opened"
	case RunspacePoolStateClosing:
		return "Closing"
	case RunspacePoolStateClosed:
		return "Closed"
	case RunspacePoolStateBroken:
		return "Broken"
	case RunspacePoolStateDisconnected:
		return "Disconnected"
	case RunspacePoolStateConnecting:
		return "Connecting"
	default:
		return fmt.Sprintf("RunspacePoolState(%d)", int32(s))
	}
}

// PipelineState is the state carried by PIPELINE_STATE messages.
// Reference: MS-PSRP 2.2.3.5
type PipelineState int32

const (
	PipelineStateNotStarted   PipelineState = 0
	PipelineStateRunning      PipelineState = 1
	PipelineStateStopping     PipelineState = 2
	PipelineStateStopped      PipelineState = 3
	PipelineStateCompleted    PipelineState = 4
	PipelineStateFailed       PipelineState = 5
	PipelineStateDisconnected PipelineState = 6
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateNotStarted:
		return "NotStarted"
	case PipelineStateRunning:
		return "Running"
	case PipelineStateStopping:
		return "Stopping"
	case PipelineStateStopped:
		return "Stopped"
	case PipelineStateCompleted:
		return "Completed"
	case PipelineStateFailed:
		return "Failed"
	case PipelineStateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("PipelineState(%d)", int32(s))
	}
}

// State returns the name of the state a RUNSPACEPOOL_STATE or
// PIPELINE_STATE message reports. ok is false for other message types and
// for bodies without a state value.
//
// The state is either the first body object itself, as an Int32, or its
// RunspaceState / PipelineState property.
func (m *Message) State() (name string, ok bool) {
	if len(m.Body) == 0 {
		return "", false
	}

	switch m.Type {
	case MessageTypeRunspacePoolState:
		if v, ok := stateValue(m.Body[0], "RunspaceState", "RunspacePoolState"); ok {
			return RunspacePoolState(v).String(), true
		}
	case MessageTypePipelineState:
		if v, ok := stateValue(m.Body[0], "PipelineState"); ok {
			return PipelineState(v).String(), true
		}
	}
	return "", false
}

func stateValue(obj interface{}, props ...string) (int32, bool) {
	switch v := obj.(type) {
	case int32:
		return v, true
	case *serialization.PSObject:
		// An enum keeps its numeric value next to its ToString.
		if state, ok := v.Value.(int32); ok {
			return state, true
		}
		for _, name := range props {
			if p, ok := v.Property(name); ok {
				return stateValue(p)
			}
		}
	}
	return 0, false
}
