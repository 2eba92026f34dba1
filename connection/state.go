package connection

import (
	"fmt"
	"time"

	"github.com/srg/gattmgr/internal/device"
)

// Phase is the tag of a connection State.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseDiscovering
	PhaseReady
	PhaseDisconnecting
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseDiscovering:
		return "discovering"
	case PhaseReady:
		return "ready"
	case PhaseDisconnecting:
		return "disconnecting"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase_%d", int(p))
	}
}

// State is an immutable snapshot of the link lifecycle.
type State struct {
	Phase   Phase
	Address string        // peer address, empty while Disconnected
	Err     *device.Error // set only when Phase is PhaseError
}

func (s State) String() string {
	if s.Phase == PhaseError && s.Err != nil {
		return fmt.Sprintf("error(%s)", s.Err.Error())
	}
	return s.Phase.String()
}

// Is reports whether the state is one of phases.
func (s State) Is(phases ...Phase) bool {
	for _, p := range phases {
		if s.Phase == p {
			return true
		}
	}
	return false
}

// Transition is one journalled state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}
