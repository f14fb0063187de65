package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiryPolicy decides whether a pending projection has waited too long.
type ExpiryPolicy interface {
	Expired(p Projection, now time.Time) bool
}

// NoExpiry keeps pending projections forever.
type NoExpiry struct{}

func (NoExpiry) Expired(Projection, time.Time) bool { return false }

// MaxAge expires pending projections older than the window.
type MaxAge time.Duration

func (m MaxAge) Expired(p Projection, now time.Time) bool {
	return m > 0 && p.Status == StatusPending && now.Sub(p.CreatedAt) > time.Duration(m)
}

// ExpirePending voids pending projections the policy rejects, with reason
// system_correction. Rows confirmed concurrently are skipped.
func (s *Service) ExpirePending(ctx context.Context, policy ExpiryPolicy) (int, error) {
	if policy == nil {
		return 0, nil
	}
	pending, err := s.listWhere(ctx, `status = 'pending'`, nil, 0)
	if err != nil {
		return 0, err
	}
	now := s.now()
	expired := 0
	for _, p := range pending {
		if !policy.Expired(p, now) {
			continue
		}
		res, err := s.exec(ctx, s.db, `UPDATE projections SET status = 'voided', voided_at = ?, voided_reason = ?
			WHERE id = ? AND status = 'pending'`, now, string(ReasonSystemCorrection), p.ID)
		if err != nil {
			return expired, fmt.Errorf("expire projection: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			expired++
		}
	}
	if expired > 0 {
		slog.Info("Expired pending projections", "count", expired)
	}
	return expired, nil
}
