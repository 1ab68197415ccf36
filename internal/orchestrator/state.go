package orchestrator

// State is the phase of the current crawl pass.
type State int32

// Pass phases in the order they occur.
const (
	StateIdle State = iota
	StateRunning
	StateAggregating
	StatePersisted
	StateScheduledNext
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateAggregating:
		return "aggregating"
	case StatePersisted:
		return "persisted"
	case StateScheduledNext:
		return "scheduled_next"
	default:
		return "unknown"
	}
}
