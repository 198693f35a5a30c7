package conversation

import "github.com/LeventeLantos/rescue-dispatch/internal/model"

type State int

const (
	StateUnknown State = iota
	StateIdle
	StatePendingLocation
	StateActiveUnavailable
	StateActiveAvailable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePendingLocation:
		return "pending_location"
	case StateActiveUnavailable:
		return "active_unavailable"
	case StateActiveAvailable:
		return "active_available"
	default:
		return "unknown"
	}
}

// Classify derives the conversation state from a cached session. A nil
// session is Unknown.
func Classify(s *model.Session) State {
	switch {
	case s == nil:
		return StateUnknown
	case s.AlertActive && s.Disponible:
		return StateActiveAvailable
	case s.AlertActive:
		return StateActiveUnavailable
	case s.InfoAlert != nil:
		return StatePendingLocation
	default:
		return StateIdle
	}
}
