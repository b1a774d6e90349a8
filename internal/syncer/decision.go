package syncer

// Action is what the export pipeline does for a partner in one cycle.
type Action int

const (
	ActionIdle Action = iota
	ActionExport
	ActionRemoveFeedback
	ActionFeedbackPending
)

func (a Action) String() string {
	switch a {
	case ActionExport:
		return "export"
	case ActionRemoveFeedback:
		return "remove_feedback"
	case ActionFeedbackPending:
		return "feedback_pending"
	default:
		return "idle"
	}
}

// Decide maps the observed sentinel files to an action. It holds no state;
// every cycle observes the drop site again.
func Decide(requestExists, feedbackExists bool) Action {
	switch {
	case requestExists && !feedbackExists:
		return ActionExport
	case !requestExists && feedbackExists:
		return ActionRemoveFeedback
	case requestExists && feedbackExists:
		return ActionFeedbackPending
	default:
		return ActionIdle
	}
}
