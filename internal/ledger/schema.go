package ledger

import (
	"encoding/json"
	"time"
)

// Event is a raw occurrence captured exactly once per (event_type, idempotency_key).
type Event struct {
	ID             string          `json:"id"`
	ReceivedAt     time.Time       `json:"received_at"`
	EventType      string          `json:"event_type"`
	Source         string          `json:"source"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	// ProcessedAt is set once the event's run reached a final outcome. A
	// stored event without it is resumed when the submission is repeated.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Trace is one executed reasoning step. TraceChain runs from the root step to
// this trace, inclusive.
type Trace struct {
	ID                  string     `json:"id"`
	EventID             string     `json:"event_id"`
	TraceChain          []string   `json:"trace_chain"`
	StepName            StepName   `json:"step_name"`
	Data                TraceData  `json:"data"`
	CreatedAt           time.Time  `json:"created_at"`
	VoidedAt            *time.Time `json:"voided_at,omitempty"`
	SupersededByTraceID string     `json:"superseded_by_trace_id,omitempty"`
}

// StepOrder is the 1-based depth of the trace in its ancestry.
func (t Trace) StepOrder() int { return len(t.TraceChain) }

// ParentID returns the id of the preceding step, or "" for a root trace.
func (t Trace) ParentID() string {
	if len(t.TraceChain) < 2 {
		return ""
	}
	return t.TraceChain[len(t.TraceChain)-2]
}

// Projection is a typed fact derived from an event through a trace.
type Projection struct {
	ID                       string         `json:"id"`
	TraceID                  string         `json:"trace_id"`
	EventID                  string         `json:"event_id"`
	TraceChain               []string       `json:"trace_chain"`
	ProjectionType           string         `json:"projection_type"`
	Category                 string         `json:"category,omitempty"`
	ThreadID                 string         `json:"thread_id,omitempty"`
	Data                     ProjectionData `json:"data"`
	Status                   Status         `json:"status"`
	CreatedAt                time.Time      `json:"created_at"`
	ConfirmedAt              *time.Time     `json:"confirmed_at,omitempty"`
	VoidedAt                 *time.Time     `json:"voided_at,omitempty"`
	VoidedReason             VoidReason     `json:"voided_reason,omitempty"`
	SupersededByProjectionID string         `json:"superseded_by_projection_id,omitempty"`
	SupersedesProjectionID   string         `json:"supersedes_projection_id,omitempty"`
}

// Current reports whether the projection is part of the latest confirmed truth.
func (p Projection) Current() bool {
	return (p.Status == StatusAutoConfirmed || p.Status == StatusConfirmed) && p.SupersededByProjectionID == ""
}

// Status is the lifecycle state of a projection.
type Status string

const (
	StatusPending       Status = "pending"
	StatusAutoConfirmed Status = "auto_confirmed"
	StatusConfirmed     Status = "confirmed"
	StatusVoided        Status = "voided"
)

// VoidReason explains why a projection was voided.
type VoidReason string

const (
	ReasonUserCorrection   VoidReason = "user_correction"
	ReasonUserRejected     VoidReason = "user_rejected"
	ReasonDuplicate        VoidReason = "duplicate"
	ReasonSuperseded       VoidReason = "superseded"
	ReasonSystemCorrection VoidReason = "system_correction"
)

func (r VoidReason) valid() bool {
	switch r {
	case ReasonUserCorrection, ReasonUserRejected, ReasonDuplicate, ReasonSuperseded, ReasonSystemCorrection:
		return true
	}
	return false
}

// Well-known event types. The column is open; unknown types are stored as-is.
const (
	EventMessage          = "message"
	EventReaction         = "reaction"
	EventCorrection       = "correction"
	EventScheduledTrigger = "scheduled-trigger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	received_at DATETIME NOT NULL,
	event_type TEXT NOT NULL,
	source TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	idempotency_key TEXT NOT NULL,
	processed_at DATETIME,
	UNIQUE(event_type, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at);

CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL REFERENCES events(id),
	trace_chain TEXT NOT NULL CHECK (trace_chain <> '[]'),
	step_name TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	voided_at DATETIME,
	superseded_by_trace_id TEXT REFERENCES traces(id)
);
CREATE INDEX IF NOT EXISTS idx_traces_event ON traces(event_id);

CREATE TABLE IF NOT EXISTS projections (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL REFERENCES traces(id),
	event_id TEXT NOT NULL REFERENCES events(id),
	trace_chain TEXT NOT NULL CHECK (trace_chain <> '[]'),
	projection_type TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL CHECK (status IN ('pending', 'auto_confirmed', 'confirmed', 'voided')),
	created_at DATETIME NOT NULL,
	confirmed_at DATETIME,
	voided_at DATETIME,
	voided_reason TEXT CHECK (voided_reason IS NULL OR voided_reason IN ('user_correction', 'user_rejected', 'duplicate', 'superseded', 'system_correction')),
	superseded_by_projection_id TEXT REFERENCES projections(id),
	supersedes_projection_id TEXT REFERENCES projections(id),
	CHECK ((status = 'voided') = (voided_reason IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_projections_event ON projections(event_id);
CREATE INDEX IF NOT EXISTS idx_projections_trace ON projections(trace_id);
CREATE INDEX IF NOT EXISTS idx_projections_type_status ON projections(projection_type, status);
CREATE INDEX IF NOT EXISTS idx_projections_thread ON projections(thread_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL,
	event_type TEXT NOT NULL,
	source TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	idempotency_key TEXT NOT NULL,
	processed_at TIMESTAMPTZ,
	UNIQUE(event_type, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at);

CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL REFERENCES events(id),
	trace_chain JSONB NOT NULL CHECK (jsonb_array_length(trace_chain) > 0),
	step_name TEXT NOT NULL,
	data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	voided_at TIMESTAMPTZ,
	superseded_by_trace_id TEXT REFERENCES traces(id)
);
CREATE INDEX IF NOT EXISTS idx_traces_event ON traces(event_id);

CREATE TABLE IF NOT EXISTS projections (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL REFERENCES traces(id),
	event_id TEXT NOT NULL REFERENCES events(id),
	trace_chain JSONB NOT NULL CHECK (jsonb_array_length(trace_chain) > 0),
	projection_type TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL DEFAULT '',
	data JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL CHECK (status IN ('pending', 'auto_confirmed', 'confirmed', 'voided')),
	created_at TIMESTAMPTZ NOT NULL,
	confirmed_at TIMESTAMPTZ,
	voided_at TIMESTAMPTZ,
	voided_reason TEXT CHECK (voided_reason IS NULL OR voided_reason IN ('user_correction', 'user_rejected', 'duplicate', 'superseded', 'system_correction')),
	superseded_by_projection_id TEXT REFERENCES projections(id),
	supersedes_projection_id TEXT REFERENCES projections(id),
	CHECK ((status = 'voided') = (voided_reason IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_projections_event ON projections(event_id);
CREATE INDEX IF NOT EXISTS idx_projections_trace ON projections(trace_id);
CREATE INDEX IF NOT EXISTS idx_projections_type_status ON projections(projection_type, status);
CREATE INDEX IF NOT EXISTS idx_projections_thread ON projections(thread_id);
`

// Columns added after the first release. Each statement is applied only when
// the column is missing.
var sqliteUpgrades = []columnUpgrade{
	{Table: "events", Column: "processed_at", DDL: `ALTER TABLE events ADD COLUMN processed_at DATETIME`},
}

var postgresUpgrades = []string{
	`ALTER TABLE events ADD COLUMN IF NOT EXISTS processed_at TIMESTAMPTZ`,
}

type columnUpgrade struct {
	Table, Column, DDL string
}
