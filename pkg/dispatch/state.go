package dispatch

// State is the dispatcher's position in a run.
type State int32

const (
	StateInit State = iota
	StateClearing
	StateEnqueueing
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateClearing:
		return "CLEARING"
	case StateEnqueueing:
		return "ENQUEUEING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}
