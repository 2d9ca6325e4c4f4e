// Package notifier posts job outcomes to an optional external sink,
// grounded on original_source/src/notifier: the daemon tells a human (or
// a commit status) whether a deployment, service update, or service
// delete succeeded, failed, or rolled back. A nil Sink is never
// configured; Noop fills that role instead, preferring an explicit
// always-present collaborator over an optional pointer.
package notifier

import (
	"context"

	kitlog "github.com/go-kit/kit/log"
)

// Kind discriminates the three event shapes original_source/notifier/events.rs
// emits.
type Kind int

const (
	KindDeployment Kind = iota
	KindServiceUpdate
	KindServiceDelete
)

func (k Kind) String() string {
	switch k {
	case KindDeployment:
		return "deployment"
	case KindServiceUpdate:
		return "service update"
	case KindServiceDelete:
		return "service delete"
	default:
		return "unknown"
	}
}

// State is the outcome of the event being reported.
type State int

const (
	StatePending State = iota
	StateSuccess
	StateFailure
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is one reportable outcome.
type Event struct {
	Kind      Kind
	Commit    string // set for KindDeployment
	ServiceID string // set for KindServiceUpdate / KindServiceDelete
	State     State
	Err       error // set when State is StateFailure
}

// Sink dispatches an Event to an external service. Implementations must
// not block the caller indefinitely; a sink that talks to a flaky
// webhook should apply its own timeout.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// Noop discards every event. It is the default Sink when no notifier is
// configured.
type Noop struct{}

func (Noop) Notify(ctx context.Context, event Event) {}

// Fanout dispatches every event to each of its Sinks. A notification
// failure must never fail the job it is reporting on, so each concrete
// Sink is responsible for logging its own delivery errors rather than
// returning them here.
type Fanout struct {
	sinks  []Sink
	logger kitlog.Logger
}

// NewFanout builds a Fanout over the given sinks.
func NewFanout(logger kitlog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, event Event) {
	for _, sink := range f.sinks {
		sink.Notify(ctx, event)
	}
}

var (
	_ Sink = Noop{}
	_ Sink = (*Fanout)(nil)
)
