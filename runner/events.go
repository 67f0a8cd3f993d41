package runner

import (
	"time"
)

// EventKind identifies the type of event emitted by the runner.
type EventKind string

const (
	// EventRunStarted is emitted once before the first case.
	EventRunStarted EventKind = "run.started"

	// EventCaseStarted is emitted when a case moves from pending to executing.
	EventCaseStarted EventKind = "case.started"

	// EventCaseFinished is emitted when a case reaches a terminal state.
	EventCaseFinished EventKind = "case.finished"

	// EventRunFinished is emitted once after every case has finished.
	EventRunFinished EventKind = "run.finished"
)

func (k EventKind) String() string {
	return string(k)
}

// Event is one state transition of a run or a case.
type Event struct {
	Kind  EventKind
	RunID string
	Time  time.Time

	// Transport and Endpoint identify the server under test.
	Transport string
	Endpoint  string

	// Index is the case position in the table; -1 for run-level events.
	Index int
	Case  Case
	State State

	// Result is set on EventCaseFinished.
	Result *Result

	// Elapsed is the case or run duration on finish events.
	Elapsed time.Duration

	// Total and Failed summarize the run on EventRunFinished.
	Total  int
	Failed int

	// TraceID and SpanID are hex-encoded and empty when tracing is off.
	TraceID string
	SpanID  string
}

// EventHandler receives runner events. With parallelism above one it is
// called from several goroutines at once.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
