package lifecycle

import (
	"fmt"

	"github.com/TobiSchelling/CourseForge/internal/database"
)

// Event is an input to the proposal state machine.
type Event string

const (
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventStart    Event = "start generation"
	EventComplete Event = "all sections ok"
	EventFail     Event = "generation failed"
	EventRetry    Event = "retry"
)

var transitions = map[database.ProposalStatus]map[Event]database.ProposalStatus{
	database.ProposalNew: {
		EventApprove: database.ProposalApproved,
		EventReject:  database.ProposalRejected,
	},
	database.ProposalApproved: {
		EventReject: database.ProposalRejected,
		EventStart:  database.ProposalGenerating,
	},
	database.ProposalGenerating: {
		EventComplete: database.ProposalCompleted,
		EventFail:     database.ProposalFailed,
	},
	database.ProposalFailed: {
		EventRetry: database.ProposalGenerating,
	},
}

// TransitionError reports an event the current status does not accept.
type TransitionError struct {
	From  database.ProposalStatus
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a proposal in status %s", e.Event, e.From)
}

// Next returns the status reached from from on ev.
func Next(from database.ProposalStatus, ev Event) (database.ProposalStatus, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return "", &TransitionError{From: from, Event: ev}
	}
	return to, nil
}
