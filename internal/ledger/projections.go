package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProjectionInput is one typed output of a reasoning step.
type ProjectionInput struct {
	Data   ProjectionData
	Status Status
	// ThreadID overrides the thread taken from Data, if any.
	ThreadID string
}

func (in ProjectionInput) validate() error {
	if in.Data == nil || in.Data.ProjectionType() == "" {
		return fmt.Errorf("%w: projection data and type are required", ErrValidation)
	}
	switch in.Status {
	case StatusPending, StatusAutoConfirmed, StatusConfirmed:
		return nil
	}
	return fmt.Errorf("%w: projection cannot be created with status %q", ErrValidation, in.Status)
}

// RecordStep writes one trace and every projection it produced in a single
// transaction.
func (s *Service) RecordStep(ctx context.Context, step TraceInput, outputs []ProjectionInput) (Trace, []Projection, error) {
	if err := step.validate(); err != nil {
		return Trace{}, nil, err
	}
	for _, in := range outputs {
		if err := in.validate(); err != nil {
			return Trace{}, nil, err
		}
	}
	var (
		trace Trace
		projs []Projection
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		trace, err = s.insertTrace(ctx, tx, step)
		if err != nil {
			return err
		}
		projs = make([]Projection, 0, len(outputs))
		for _, in := range outputs {
			p, err := s.insertProjection(ctx, tx, trace, in, "")
			if err != nil {
				return err
			}
			projs = append(projs, p)
		}
		return nil
	})
	if err != nil {
		return Trace{}, nil, err
	}
	return trace, projs, nil
}

func (s *Service) insertProjection(ctx context.Context, e execer, trace Trace, in ProjectionInput, supersedes string) (Projection, error) {
	data, err := json.Marshal(in.Data)
	if err != nil {
		return Projection{}, fmt.Errorf("encode projection data: %w", err)
	}
	chainJSON, err := json.Marshal(trace.TraceChain)
	if err != nil {
		return Projection{}, fmt.Errorf("encode trace chain: %w", err)
	}
	now := s.now()
	p := Projection{
		ID:                     s.newID(),
		TraceID:                trace.ID,
		EventID:                trace.EventID,
		TraceChain:             append([]string(nil), trace.TraceChain...),
		ProjectionType:         in.Data.ProjectionType(),
		Category:               categoryOf(in.Data),
		ThreadID:               in.ThreadID,
		Data:                   in.Data,
		Status:                 in.Status,
		CreatedAt:              now,
		SupersedesProjectionID: supersedes,
	}
	if p.ThreadID == "" {
		p.ThreadID = threadOf(in.Data)
	}
	var confirmedAt any
	if p.Status != StatusPending {
		p.ConfirmedAt = &now
		confirmedAt = now
	}
	if _, err := s.exec(ctx, e, `INSERT INTO projections (id, trace_id, event_id, trace_chain, projection_type,
		category, thread_id, data, status, created_at, confirmed_at, supersedes_projection_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TraceID, p.EventID, string(chainJSON), p.ProjectionType,
		p.Category, p.ThreadID, string(data), string(p.Status), p.CreatedAt, confirmedAt, nullString(supersedes)); err != nil {
		return Projection{}, fmt.Errorf("insert projection: %w", err)
	}
	return p, nil
}

const projectionColumns = `id, trace_id, event_id, trace_chain, projection_type, category, thread_id, data, status,
	created_at, confirmed_at, voided_at, voided_reason, superseded_by_projection_id, supersedes_projection_id`

// GetProjection returns a projection by id regardless of status.
func (s *Service) GetProjection(ctx context.Context, id string) (Projection, error) {
	return s.getProjection(ctx, s.db, id)
}

func (s *Service) getProjection(ctx context.Context, e execer, id string) (Projection, error) {
	p, err := scanProjection(s.queryRow(ctx, e, `SELECT `+projectionColumns+` FROM projections WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Projection{}, fmt.Errorf("projection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Projection{}, fmt.Errorf("get projection: %w", err)
	}
	return p, nil
}

// ProjectionsForEvent returns all projections derived from an event, including voided ones.
func (s *Service) ProjectionsForEvent(ctx context.Context, eventID string) ([]Projection, error) {
	return s.listWhere(ctx, `event_id = ?`, []any{eventID}, 0)
}

// ProjectionsForTrace returns all projections produced by one trace.
func (s *Service) ProjectionsForTrace(ctx context.Context, traceID string) ([]Projection, error) {
	return s.listWhere(ctx, `trace_id = ?`, []any{traceID}, 0)
}

// ProjectionFilter narrows ListProjections.
type ProjectionFilter struct {
	Type string
	// CurrentOnly keeps auto_confirmed and confirmed rows.
	CurrentOnly bool
	// ExcludeSuperseded drops rows that have a replacement.
	ExcludeSuperseded bool
	ThreadID          string
	Limit             int
}

// ListProjections returns projections newest first.
func (s *Service) ListProjections(ctx context.Context, f ProjectionFilter) ([]Projection, error) {
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "projection_type = ?")
		args = append(args, f.Type)
	}
	if f.CurrentOnly {
		conds = append(conds, "status IN ('auto_confirmed', 'confirmed')")
	}
	if f.ExcludeSuperseded {
		conds = append(conds, "superseded_by_projection_id IS NULL")
	}
	if f.ThreadID != "" {
		conds = append(conds, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	where := "1 = 1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	return s.listWhere(ctx, where, args, f.Limit)
}

func (s *Service) listWhere(ctx context.Context, where string, args []any, limit int) ([]Projection, error) {
	q := `SELECT ` + projectionColumns + ` FROM projections WHERE ` + where + ` ORDER BY created_at DESC, id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list projections: %w", err)
	}
	defer rows.Close()
	var out []Projection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProjection(row rowScanner) (Projection, error) {
	var (
		p                          Projection
		chain, data, status        string
		confirmedAt, voidedAt      sql.NullTime
		reason, supersededBy, sups sql.NullString
	)
	if err := row.Scan(&p.ID, &p.TraceID, &p.EventID, &chain, &p.ProjectionType, &p.Category, &p.ThreadID,
		&data, &status, &p.CreatedAt, &confirmedAt, &voidedAt, &reason, &supersededBy, &sups); err != nil {
		return Projection{}, err
	}
	if err := json.Unmarshal([]byte(chain), &p.TraceChain); err != nil {
		return Projection{}, fmt.Errorf("decode trace chain: %w", err)
	}
	d, err := DecodeProjectionData(p.ProjectionType, []byte(data))
	if err != nil {
		return Projection{}, err
	}
	p.Data = d
	p.Status = Status(status)
	p.ConfirmedAt = nullTime(confirmedAt)
	p.VoidedAt = nullTime(voidedAt)
	p.VoidedReason = VoidReason(reason.String)
	p.SupersededByProjectionID = supersededBy.String
	p.SupersedesProjectionID = sups.String
	return p, nil
}
