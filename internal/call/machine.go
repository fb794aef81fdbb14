package call

import (
	"fmt"
	"slices"

	"github.com/matheus3301/nova/internal/model"
)

// validTransitions defines allowed call state transitions. Every state may
// end; ended always falls back to idle once the session is cleaned up.
var validTransitions = map[model.CallState][]model.CallState{
	model.CallIdle:            {model.CallOutgoingRinging, model.CallIncomingRinging, model.CallEnded},
	model.CallOutgoingRinging: {model.CallConnected, model.CallEnded},
	model.CallIncomingRinging: {model.CallConnected, model.CallEnded},
	model.CallConnected:       {model.CallEnded},
	model.CallEnded:           {model.CallIdle},
}

func checkTransition(from, to model.CallState) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	return nil
}
