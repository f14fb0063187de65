package query

// Built-in query names.
const (
	RecentCategories   = "recent_categories"
	ProjectionsByEvent = "projections_by_event"
	ProjectionsByTrace = "projections_by_trace"
	CurrentProjections = "current_projections"
	ThreadProjections  = "thread_projections"
	EventByKey         = "event_by_key"
	ProjectionByID     = "projection_by_id"
	RecentProjections  = "recent_projections"
)

const defaultLimit = 50

const projectionSelect = `SELECT id, trace_id, event_id, trace_chain, projection_type, category, thread_id, data, status,
	created_at, confirmed_at, voided_at, voided_reason, superseded_by_projection_id, supersedes_projection_id
	FROM projections`

const currentFilter = `status IN ('auto_confirmed', 'confirmed') AND superseded_by_projection_id IS NULL`

var builtin = map[string]Named{
	// Category vocabulary of current facts, most recently used first. An
	// empty projection_type matches every type.
	RecentCategories: {
		SQL: `SELECT category, COUNT(*) AS uses, MAX(created_at) AS last_used FROM projections
			WHERE category <> '' AND ` + currentFilter + ` AND (? = '' OR projection_type = ?)
			GROUP BY category ORDER BY last_used DESC, category LIMIT ?`,
		Params: []Param{{Name: "projection_type", Default: ""}, {Name: "limit", Default: 20}},
		Args:   []string{"projection_type", "projection_type", "limit"},
	},
	ProjectionsByEvent: {
		SQL:    projectionSelect + ` WHERE event_id = ? ORDER BY created_at, id`,
		Params: []Param{{Name: "event_id", Required: true}},
		Args:   []string{"event_id"},
	},
	ProjectionsByTrace: {
		SQL:    projectionSelect + ` WHERE trace_id = ? ORDER BY created_at, id`,
		Params: []Param{{Name: "trace_id", Required: true}},
		Args:   []string{"trace_id"},
	},
	CurrentProjections: {
		SQL: projectionSelect + ` WHERE ` + currentFilter + ` AND (? = '' OR projection_type = ?)
			ORDER BY created_at DESC, id LIMIT ?`,
		Params: []Param{{Name: "projection_type", Default: ""}, {Name: "limit", Default: defaultLimit}},
		Args:   []string{"projection_type", "projection_type", "limit"},
	},
	// The newest limit turns of a thread, oldest first.
	ThreadProjections: {
		SQL: `SELECT * FROM (` + projectionSelect + ` WHERE thread_id = ? AND status <> 'voided'
			ORDER BY created_at DESC, id DESC LIMIT ?) AS recent ORDER BY created_at, id`,
		Params: []Param{{Name: "thread_id", Required: true}, {Name: "limit", Default: defaultLimit}},
		Args:   []string{"thread_id", "limit"},
	},
	EventByKey: {
		SQL:    `SELECT id, received_at, event_type, source, payload, idempotency_key, processed_at FROM events WHERE event_type = ? AND idempotency_key = ?`,
		Params: []Param{{Name: "event_type", Required: true}, {Name: "idempotency_key", Required: true}},
		Args:   []string{"event_type", "idempotency_key"},
	},
	ProjectionByID: {
		SQL:    projectionSelect + ` WHERE id = ?`,
		Params: []Param{{Name: "id", Required: true}},
		Args:   []string{"id"},
	},
	RecentProjections: {
		SQL:    projectionSelect + ` WHERE ` + currentFilter + ` AND created_at >= ? ORDER BY created_at, id LIMIT ?`,
		Params: []Param{{Name: "since", Required: true}, {Name: "limit", Default: defaultLimit}},
		Args:   []string{"since", "limit"},
	},
}
