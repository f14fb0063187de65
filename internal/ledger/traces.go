package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// TraceInput describes a reasoning step to append. Parent is the producing
// step's chain, or nil for a root step.
type TraceInput struct {
	EventID string
	Parent  []string
	Data    TraceData
	// Final marks the event processed in the same transaction.
	Final bool
}

func (in TraceInput) validate() error {
	if in.EventID == "" {
		return fmt.Errorf("%w: trace event_id is required", ErrValidation)
	}
	if in.Data == nil {
		return fmt.Errorf("%w: trace data is required", ErrValidation)
	}
	for _, id := range in.Parent {
		if id == "" {
			return fmt.Errorf("%w: parent chain contains an empty id", ErrValidation)
		}
	}
	return nil
}

// AppendTrace stores one reasoning step with chain = parent + [id].
func (s *Service) AppendTrace(ctx context.Context, in TraceInput) (Trace, error) {
	if err := in.validate(); err != nil {
		return Trace{}, err
	}
	var out Trace
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.insertTrace(ctx, tx, in)
		return err
	})
	return out, err
}

func (s *Service) insertTrace(ctx context.Context, e execer, in TraceInput) (Trace, error) {
	if err := s.checkParent(ctx, e, in); err != nil {
		return Trace{}, err
	}
	id := s.newID()
	chain := make([]string, 0, len(in.Parent)+1)
	chain = append(chain, in.Parent...)
	chain = append(chain, id)

	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return Trace{}, fmt.Errorf("encode trace chain: %w", err)
	}
	data, err := json.Marshal(in.Data)
	if err != nil {
		return Trace{}, fmt.Errorf("encode trace data: %w", err)
	}
	t := Trace{
		ID:         id,
		EventID:    in.EventID,
		TraceChain: chain,
		StepName:   in.Data.StepName(),
		Data:       in.Data,
		CreatedAt:  s.now(),
	}
	if _, err := s.exec(ctx, e, `INSERT INTO traces (id, event_id, trace_chain, step_name, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.EventID, string(chainJSON), string(t.StepName), string(data), t.CreatedAt); err != nil {
		return Trace{}, fmt.Errorf("insert trace: %w", err)
	}
	if in.Final {
		if err := s.markProcessed(ctx, e, in.EventID); err != nil {
			return Trace{}, err
		}
	}
	return t, nil
}

// checkParent requires the parent chain to end at a stored trace of the same
// event whose own chain is exactly that parent chain.
func (s *Service) checkParent(ctx context.Context, e execer, in TraceInput) error {
	if len(in.Parent) == 0 {
		return nil
	}
	last := in.Parent[len(in.Parent)-1]
	parent, err := s.getTrace(ctx, e, last)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: parent trace %s does not exist", ErrValidation, last)
	}
	if err != nil {
		return err
	}
	if parent.EventID != in.EventID {
		return fmt.Errorf("%w: parent trace %s belongs to event %s, not %s", ErrValidation, last, parent.EventID, in.EventID)
	}
	if !slices.Equal(parent.TraceChain, in.Parent) {
		return fmt.Errorf("%w: parent chain %v does not match stored chain %v", ErrValidation, in.Parent, parent.TraceChain)
	}
	return nil
}

const traceColumns = `id, event_id, trace_chain, step_name, data, created_at, voided_at, superseded_by_trace_id`

// GetTrace returns a trace by id, voided or not.
func (s *Service) GetTrace(ctx context.Context, id string) (Trace, error) {
	return s.getTrace(ctx, s.db, id)
}

func (s *Service) getTrace(ctx context.Context, e execer, id string) (Trace, error) {
	t, err := scanTrace(s.queryRow(ctx, e, `SELECT `+traceColumns+` FROM traces WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Trace{}, fmt.Errorf("trace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Trace{}, fmt.Errorf("get trace: %w", err)
	}
	return t, nil
}

// TracesForEvent returns every trace of an event, root steps first.
func (s *Service) TracesForEvent(ctx context.Context, eventID string) ([]Trace, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+traceColumns+` FROM traces WHERE event_id = ? ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("traces for event: %w", err)
	}
	defer rows.Close()
	var out []Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TraceLineage loads the traces named in chain with one query and returns
// them in chain order.
func (s *Service) TraceLineage(ctx context.Context, chain []string) ([]Trace, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty trace chain", ErrValidation)
	}
	args := make([]any, len(chain))
	for i, id := range chain {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chain)), ", ")
	rows, err := s.query(ctx, s.db, `SELECT `+traceColumns+` FROM traces WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("trace lineage: %w", err)
	}
	defer rows.Close()
	byID := make(map[string]Trace, len(chain))
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Trace, 0, len(chain))
	for _, id := range chain {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("trace %s in lineage: %w", id, ErrNotFound)
		}
		out = append(out, t)
	}
	return out, nil
}

// VoidTrace marks reasoning as judged incorrect. The row is kept.
func (s *Service) VoidTrace(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTrace(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.VoidedAt != nil {
			return fmt.Errorf("trace %s: %w", id, ErrAlreadyVoided)
		}
		_, err = s.exec(ctx, tx, `UPDATE traces SET voided_at = ? WHERE id = ? AND voided_at IS NULL`, s.now(), id)
		return err
	})
}

// SupersedeTrace voids the trace at id and records a replacement step with the
// same parent ancestry.
func (s *Service) SupersedeTrace(ctx context.Context, id string, data TraceData) (Trace, error) {
	if data == nil {
		return Trace{}, fmt.Errorf("%w: trace data is required", ErrValidation)
	}
	var out Trace
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		old, err := s.getTrace(ctx, tx, id)
		if err != nil {
			return err
		}
		if old.SupersededByTraceID != "" {
			return fmt.Errorf("trace %s: %w", id, ErrAlreadySuperseded)
		}
		if old.VoidedAt != nil {
			return fmt.Errorf("trace %s: %w", id, ErrAlreadyVoided)
		}
		parent := old.TraceChain[:len(old.TraceChain)-1]
		out, err = s.insertTrace(ctx, tx, TraceInput{EventID: old.EventID, Parent: parent, Data: data})
		if err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `UPDATE traces SET voided_at = ?, superseded_by_trace_id = ?
			WHERE id = ? AND voided_at IS NULL AND superseded_by_trace_id IS NULL`, s.now(), out.ID, id)
		if err != nil {
			return fmt.Errorf("supersede trace: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("trace %s: %w", id, ErrAlreadySuperseded)
		}
		return nil
	})
	return out, err
}

func scanTrace(row rowScanner) (Trace, error) {
	var (
		t            Trace
		chain, data  string
		step         string
		voidedAt     sql.NullTime
		supersededBy sql.NullString
	)
	if err := row.Scan(&t.ID, &t.EventID, &chain, &step, &data, &t.CreatedAt, &voidedAt, &supersededBy); err != nil {
		return Trace{}, err
	}
	if err := json.Unmarshal([]byte(chain), &t.TraceChain); err != nil {
		return Trace{}, fmt.Errorf("decode trace chain: %w", err)
	}
	t.StepName = StepName(step)
	d, err := DecodeTraceData(t.StepName, []byte(data))
	if err != nil {
		return Trace{}, err
	}
	t.Data = d
	t.VoidedAt = nullTime(voidedAt)
	t.SupersededByTraceID = supersededBy.String
	return t, nil
}
