package engine

// State is the foreground run state of an Engine.
type State int

const (
	StateIdle State = iota
	StateSending
	StateToolExecuting
	StateRunningCommand
	StateAborted
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateSending:        "sending",
	StateToolExecuting:  "tool_executing",
	StateRunningCommand: "running_command",
	StateAborted:        "aborted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Busy reports whether foreground work is in flight.
func (s State) Busy() bool {
	return s == StateSending || s == StateToolExecuting || s == StateRunningCommand
}
