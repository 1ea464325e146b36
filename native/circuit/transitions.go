package circuit

import "fmt"

// transition checks a move from status from to to. Forced moves (kills and
// reverts) carry their cause; everything else must follow the status graph.
// It returns the status the order actually lands in: a revert below Ready
// degrades to a kill and a revert of a finished order changes nothing.
func transition(from, to Status, cause Cause) (Status, error) {
	if from == StatusKilled || from == StatusReverted {
		return from, fmt.Errorf("%w: order already %s", ErrXtxAlreadyFinalized, from)
	}
	switch to {
	case StatusKilled:
		switch cause {
		case CauseIntentionalKill:
			if from <= StatusPendingBidding {
				return StatusKilled, nil
			}
		case CauseTimeout, CauseDroppedAtBidding:
			if from <= StatusInBidding {
				return StatusKilled, nil
			}
		}
		return from, fmt.Errorf("%w: %s -> killed(%s)", ErrIllegalTransition, from, cause)
	case StatusReverted:
		if cause == CauseNone || cause == CauseDroppedAtBidding {
			return from, fmt.Errorf("%w: revert needs timeout or intentional kill", ErrIllegalTransition)
		}
		if from < StatusReady {
			return StatusKilled, nil
		}
		if from >= StatusFinishedAllSteps {
			return from, nil
		}
		return StatusReverted, nil
	}
	if allowed(from, to) {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

func allowed(from, to Status) bool {
	switch from {
	case StatusRequested:
		return to == StatusRequested || to == StatusPendingBidding || to == StatusInBidding
	case StatusPendingBidding:
		return to == StatusInBidding || to == StatusReady
	case StatusInBidding:
		return to == StatusInBidding || to == StatusReady
	case StatusReady:
		return to == StatusPendingExecution || to == StatusFinishedAllSteps
	case StatusPendingExecution:
		return to == StatusPendingExecution || to == StatusFinished || to == StatusFinishedAllSteps || to == StatusCommitted
	case StatusFinished:
		return to == StatusPendingExecution || to == StatusReady || to == StatusFinishedAllSteps
	case StatusFinishedAllSteps:
		return to == StatusCommitted
	}
	return false
}
