package scanner

import (
	"fmt"

	"github.com/srg/gattmgr/internal/device"
)

// Phase is the tag of a scan State.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseStopped
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseStopped:
		return "stopped"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase_%d", int(p))
	}
}

// State is a snapshot of the discovery lifecycle.
//
// Results holds one record per address in first-discovery order; a newer
// advertisement from the same address replaces its record in place. Results are
// present while Scanning and keep the final session snapshot once Stopped.
// The slice must be treated as read-only.
type State struct {
	Phase   Phase
	Results []device.Record
	Err     *device.Error // set only when Phase is PhaseError
}

func (s State) String() string {
	switch s.Phase {
	case PhaseScanning:
		return fmt.Sprintf("scanning(%d)", len(s.Results))
	case PhaseError:
		if s.Err != nil {
			return fmt.Sprintf("error(%s)", s.Err.Error())
		}
	}
	return s.Phase.String()
}

// Find returns the record for address, if present.
func (s State) Find(address string) (device.Record, bool) {
	for _, r := range s.Results {
		if r.Address == address {
			return r, true
		}
	}
	return device.Record{}, false
}
