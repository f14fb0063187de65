package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kairon-os/kairon/internal/ledger"
)

var (
	correctData   string
	correctSystem bool
	expireOlder   time.Duration
)

var confirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Confirm a pending projection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, svc *ledger.Service) error {
			p, err := svc.Confirm(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Confirmed %s %s\n", okMark(true), p.ProjectionType, p.ID)
			return nil
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Void a projection as a user correction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, svc *ledger.Service) error {
			p, err := svc.Reject(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Rejected %s %s\n", okMark(true), p.ProjectionType, p.ID)
			return nil
		})
	},
}

var correctCmd = &cobra.Command{
	Use:   "correct <id> --data '<json>'",
	Short: "Replace a projection with corrected data",
	Long: `Void the projection and record a replacement carrying --data. The
replacement keeps the original event and trace lineage. The data must be the
full payload for the projection's type.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, svc *ledger.Service) error {
			old, next, err := correctProjection(ctx, svc, args[0], correctData, correctSystem)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s superseded by %s [%s]\n", okMark(true), old.ProjectionType, old.ID, next.ID, next.Status)
			return nil
		})
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Void pending projections older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if expireOlder <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		return withLedger(func(ctx context.Context, svc *ledger.Service) error {
			n, err := svc.ExpirePending(ctx, ledger.MaxAge(expireOlder))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d pending projection(s)\n", n)
			return nil
		})
	},
}

func init() {
	correctCmd.Flags().StringVarP(&correctData, "data", "d", "", "corrected JSON payload")
	correctCmd.Flags().BoolVar(&correctSystem, "system", false, "record as a system correction (auto_confirmed)")
	correctCmd.MarkFlagRequired("data")
	expireCmd.Flags().DurationVar(&expireOlder, "older-than", 72*time.Hour, "age after which pending projections are voided")
}

// correctProjection decodes data as the type of the projection at id and
// supersedes it.
func correctProjection(ctx context.Context, svc *ledger.Service, id, data string, system bool) (ledger.Projection, ledger.Projection, error) {
	if !json.Valid([]byte(data)) {
		return ledger.Projection{}, ledger.Projection{}, fmt.Errorf("%w: --data is not valid JSON", ledger.ErrValidation)
	}
	cur, err := svc.GetProjection(ctx, id)
	if err != nil {
		return ledger.Projection{}, ledger.Projection{}, err
	}
	payload, err := ledger.DecodeProjectionData(cur.ProjectionType, []byte(data))
	if err != nil {
		return ledger.Projection{}, ledger.Projection{}, err
	}
	reason := ledger.ReasonUserCorrection
	if system {
		reason = ledger.ReasonSystemCorrection
	}
	return svc.Correct(ctx, ledger.Correction{ProjectionID: id, Data: payload, Reason: reason})
}
