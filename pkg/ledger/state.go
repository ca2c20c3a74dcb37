package ledger

import (
	"errors"

	"github.com/harunnryd/scribe/pkg/errorsx"
)

var validTransitions = map[State][]State{
	StateRecording: {StateFinished},
	StateFinished:  {StateUploading},
	StateUploading: {StateCompleted, StateFailed},
	StateFailed:    {StateUploading},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkTransition returns an InvalidTransitionError for illegal moves.
func checkTransition(id int64, from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return errorsx.Wrap(&InvalidTransitionError{SessionID: id, From: from, To: to}, errorsx.ReasonInvalidTransition)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	SessionID int64
	From      State
	To        State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// IsInvalidTransition reports whether err carries an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// Pending reports whether a session still has to be uploaded.
func (s State) Pending() bool {
	return s == StateFinished || s == StateUploading || s == StateFailed
}
