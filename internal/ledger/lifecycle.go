package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const maxHistoryDepth = 100

// Confirm moves a pending projection to confirmed.
func (s *Service) Confirm(ctx context.Context, id string) (Projection, error) {
	var out Projection
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := s.getProjection(ctx, tx, id)
		if err != nil {
			return err
		}
		switch p.Status {
		case StatusVoided:
			return fmt.Errorf("projection %s: %w", id, ErrAlreadyVoided)
		case StatusPending:
		default:
			return fmt.Errorf("projection %s is %s: %w", id, p.Status, ErrInvalidTransition)
		}
		now := s.now()
		res, err := s.exec(ctx, tx, `UPDATE projections SET status = 'confirmed', confirmed_at = ?
			WHERE id = ? AND status = 'pending'`, now, id)
		if err != nil {
			return fmt.Errorf("confirm projection: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("projection %s: %w", id, ErrInvalidTransition)
		}
		p.Status = StatusConfirmed
		p.ConfirmedAt = &now
		out = p
		return nil
	})
	return out, err
}

// Reject voids a projection without a replacement.
func (s *Service) Reject(ctx context.Context, id string) (Projection, error) {
	return s.Void(ctx, id, ReasonUserRejected)
}

// Void moves any non-voided projection to voided with reason.
func (s *Service) Void(ctx context.Context, id string, reason VoidReason) (Projection, error) {
	if !reason.valid() {
		return Projection{}, fmt.Errorf("%w: unknown void reason %q", ErrValidation, reason)
	}
	var out Projection
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := s.getProjection(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status == StatusVoided {
			return fmt.Errorf("projection %s: %w", id, ErrAlreadyVoided)
		}
		now := s.now()
		if err := s.voidRow(ctx, tx, id, reason, now, ""); err != nil {
			return err
		}
		p.Status = StatusVoided
		p.VoidedAt = &now
		p.VoidedReason = reason
		out = p
		return nil
	})
	return out, err
}

// voidRow refuses rows that are already voided or superseded.
func (s *Service) voidRow(ctx context.Context, e execer, id string, reason VoidReason, at time.Time, supersededBy string) error {
	res, err := s.exec(ctx, e, `UPDATE projections
		SET status = 'voided', voided_at = ?, voided_reason = ?, superseded_by_projection_id = COALESCE(?, superseded_by_projection_id)
		WHERE id = ? AND status <> 'voided' AND superseded_by_projection_id IS NULL`,
		at, string(reason), nullString(supersededBy), id)
	if err != nil {
		return fmt.Errorf("void projection: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("projection %s: %w", id, ErrAlreadyVoided)
	}
	return nil
}

// Correction replaces a projection's data with a corrected version.
type Correction struct {
	ProjectionID string
	Data         ProjectionData
	// Reason is user_correction or system_correction; empty means user_correction.
	Reason VoidReason
}

// Correct voids the projection and records its replacement, linking both
// ways, in one transaction. The replacement keeps the original trace and event.
func (s *Service) Correct(ctx context.Context, c Correction) (old, replacement Projection, err error) {
	if c.Data == nil || c.Data.ProjectionType() == "" {
		return Projection{}, Projection{}, fmt.Errorf("%w: corrected data is required", ErrValidation)
	}
	reason := c.Reason
	if reason == "" {
		reason = ReasonUserCorrection
	}
	status := StatusConfirmed
	switch reason {
	case ReasonUserCorrection:
	case ReasonSystemCorrection:
		status = StatusAutoConfirmed
	default:
		return Projection{}, Projection{}, fmt.Errorf("%w: correction reason must be user_correction or system_correction", ErrValidation)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.getProjection(ctx, tx, c.ProjectionID)
		if err != nil {
			return err
		}
		if prev.SupersededByProjectionID != "" {
			return fmt.Errorf("projection %s: %w", prev.ID, ErrAlreadySuperseded)
		}
		if prev.Status == StatusVoided {
			return fmt.Errorf("projection %s: %w", prev.ID, ErrAlreadyVoided)
		}
		producer := Trace{ID: prev.TraceID, EventID: prev.EventID, TraceChain: prev.TraceChain}
		next, err := s.insertProjection(ctx, tx, producer, ProjectionInput{
			Data:     c.Data,
			Status:   status,
			ThreadID: prev.ThreadID,
		}, prev.ID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := s.voidRow(ctx, tx, prev.ID, reason, now, next.ID); err != nil {
			return err
		}
		prev.Status = StatusVoided
		prev.VoidedAt = &now
		prev.VoidedReason = reason
		prev.SupersededByProjectionID = next.ID
		old, replacement = prev, next
		return nil
	})
	if err != nil {
		return Projection{}, Projection{}, err
	}
	return old, replacement, nil
}

// ProjectionHistory returns every version of the fact that id belongs to,
// oldest first.
func (s *Service) ProjectionHistory(ctx context.Context, id string) ([]Projection, error) {
	start, err := s.GetProjection(ctx, id)
	if err != nil {
		return nil, err
	}
	var before []Projection
	cur := start
	for cur.SupersedesProjectionID != "" && len(before) < maxHistoryDepth {
		prev, err := s.GetProjection(ctx, cur.SupersedesProjectionID)
		if err != nil {
			return nil, err
		}
		before = append(before, prev)
		cur = prev
	}
	out := make([]Projection, 0, len(before)+1)
	for i := len(before) - 1; i >= 0; i-- {
		out = append(out, before[i])
	}
	out = append(out, start)
	cur = start
	for cur.SupersededByProjectionID != "" && len(out) < 2*maxHistoryDepth {
		next, err := s.GetProjection(ctx, cur.SupersededByProjectionID)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}
