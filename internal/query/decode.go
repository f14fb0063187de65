package query

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kairon-os/kairon/internal/ledger"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func (r Row) time(col string) (*time.Time, error) {
	switch v := r[col].(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return &t, nil
			}
		}
		return nil, fmt.Errorf("column %s: unrecognized time %q", col, v)
	default:
		return nil, fmt.Errorf("column %s: unexpected time type %T", col, v)
	}
}

// Projection decodes a row returned by one of the projection queries.
func (r Row) Projection() (ledger.Projection, error) {
	p := ledger.Projection{
		ID:                       r.String("id"),
		TraceID:                  r.String("trace_id"),
		EventID:                  r.String("event_id"),
		ProjectionType:           r.String("projection_type"),
		Category:                 r.String("category"),
		ThreadID:                 r.String("thread_id"),
		Status:                   ledger.Status(r.String("status")),
		VoidedReason:             ledger.VoidReason(r.String("voided_reason")),
		SupersededByProjectionID: r.String("superseded_by_projection_id"),
		SupersedesProjectionID:   r.String("supersedes_projection_id"),
	}
	if err := json.Unmarshal([]byte(r.String("trace_chain")), &p.TraceChain); err != nil {
		return ledger.Projection{}, fmt.Errorf("decode trace chain: %w", err)
	}
	data, err := ledger.DecodeProjectionData(p.ProjectionType, []byte(r.String("data")))
	if err != nil {
		return ledger.Projection{}, err
	}
	p.Data = data
	created, err := r.time("created_at")
	if err != nil {
		return ledger.Projection{}, err
	}
	if created != nil {
		p.CreatedAt = *created
	}
	if p.ConfirmedAt, err = r.time("confirmed_at"); err != nil {
		return ledger.Projection{}, err
	}
	if p.VoidedAt, err = r.time("voided_at"); err != nil {
		return ledger.Projection{}, err
	}
	return p, nil
}

// Projections decodes every row of a projection query result.
func (res Result) Projections() ([]ledger.Projection, error) {
	out := make([]ledger.Projection, 0, len(res.Rows))
	for _, row := range res.Rows {
		p, err := row.Projection()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Categories returns the category column of a recent_categories result.
func (res Result) Categories() []string {
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if c := row.String("category"); c != "" {
			out = append(out, c)
		}
	}
	return out
}
