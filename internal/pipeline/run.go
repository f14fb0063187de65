package pipeline

import (
	"slices"

	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/router"
)

// Run is the state of one event's processing. Stages take a Run by value and
// return a new one; a Run is never modified in place.
type Run struct {
	Event       ledger.Event
	Route       router.Intent
	Traces      []ledger.Trace
	Projections []ledger.Projection
	Affected    []string
	Reply       string
	Dispatched  []string
	// Resumed is set when an earlier run stored the event but did not finish.
	Resumed bool
}

func newRun(ev ledger.Event) Run {
	return Run{Event: ev}
}

func (r Run) withRoute(intent router.Intent) Run {
	r.Route = intent
	return r
}

func (r Run) withStep(t ledger.Trace, ps []ledger.Projection) Run {
	r.Traces = append(slices.Clip(r.Traces), t)
	r.Projections = append(slices.Clip(r.Projections), ps...)
	return r
}

// withProjections records projections created outside a new trace.
func (r Run) withProjections(ps ...ledger.Projection) Run {
	r.Projections = append(slices.Clip(r.Projections), ps...)
	return r
}

// withAffected records projections changed by the run without a new trace.
func (r Run) withAffected(ids ...string) Run {
	r.Affected = append(slices.Clip(r.Affected), ids...)
	return r
}

func (r Run) withReply(text string) Run {
	r.Reply = text
	return r
}

func (r Run) withDispatch(kind string) Run {
	r.Dispatched = append(slices.Clip(r.Dispatched), kind)
	return r
}

// lastChain is the chain of the most recent trace, or nil for a run that has
// recorded none.
func (r Run) lastChain() []string {
	if len(r.Traces) == 0 {
		return nil
	}
	return slices.Clone(r.Traces[len(r.Traces)-1].TraceChain)
}

// Result summarizes a completed run.
type Result struct {
	EventID       string        `json:"event_id"`
	EventType     string        `json:"event_type"`
	Duplicate     bool          `json:"duplicate,omitempty"`
	Resumed       bool          `json:"resumed,omitempty"`
	Route         router.Intent `json:"route,omitempty"`
	TraceIDs      []string      `json:"trace_ids,omitempty"`
	ProjectionIDs []string      `json:"projection_ids,omitempty"`
	Reply         string        `json:"reply,omitempty"`
	Dispatched    []string      `json:"dispatched,omitempty"`
}

// Result builds the summary of r. ProjectionIDs lists created projections
// followed by existing projections the run changed.
func (r Run) Result() Result {
	res := Result{
		EventID:    r.Event.ID,
		EventType:  r.Event.EventType,
		Resumed:    r.Resumed,
		Route:      r.Route,
		Reply:      r.Reply,
		Dispatched: slices.Clone(r.Dispatched),
	}
	for _, t := range r.Traces {
		res.TraceIDs = append(res.TraceIDs, t.ID)
	}
	for _, p := range r.Projections {
		res.ProjectionIDs = append(res.ProjectionIDs, p.ID)
	}
	res.ProjectionIDs = append(res.ProjectionIDs, r.Affected...)
	return res
}
