package render

import "fmt"

// State is the render loop lifecycle: Idle -> Running -> Stopped, and Stopped -> Running on restart.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// StatusKind is what the pipeline reports to whoever is presenting it.
type StatusKind int

const (
	// StatusTracking: a fresh face is anchoring stickers.
	StatusTracking StatusKind = iota
	// StatusNoFace: the detector found no face. Informational, anchored stickers are hidden.
	StatusNoFace
	// StatusStale: the last detection is too old to anchor to. Informational.
	StatusStale
	// StatusDeviceError: the camera was lost and the loop stopped.
	StatusDeviceError
	// StatusStopped: the loop stopped without a device failure.
	StatusStopped
)

func (k StatusKind) String() string {
	switch k {
	case StatusTracking:
		return "tracking"
	case StatusNoFace:
		return "no face"
	case StatusStale:
		return "stale"
	case StatusDeviceError:
		return "device error"
	case StatusStopped:
		return "stopped"
	}
	return fmt.Sprintf("StatusKind(%d)", int(k))
}

// Status is delivered through Loop.OnStatus whenever the kind changes.
type Status struct {
	Kind StatusKind
	Err  error
}

// Fatal reports whether the pipeline stopped because of this status.
func (s Status) Fatal() bool {
	return s.Kind == StatusDeviceError
}
