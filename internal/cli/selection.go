package cli

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/service"
)

// NewSelectCommand creates the select command.
func NewSelectCommand(opts *RootOptions) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Run the selection round",
		Long: `Run the selection round: waiting sessions at or below capacity become
selected, the rest rejected, and the queue closes.

Running it again, or from several hosts at once, selects nobody twice.
With --wait the command sleeps until the countdown window ends first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts.Config, func(svc *service.AdmissionService) error {
				if wait {
					if err := waitForCountdown(cmd.Context(), svc); err != nil {
						return err
					}
				}
				result, err := svc.RunSelection(cmd.Context())
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), opts.Format, result)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the countdown to expire before selecting")

	return cmd
}

// waitForCountdown blocks until the countdown window has ended. The window is
// re-read after each sleep in case an operator moved it.
func waitForCountdown(ctx context.Context, svc *service.AdmissionService) error {
	for {
		resp, err := svc.GetCountdown(ctx)
		if err != nil {
			return err
		}
		if resp.Expired {
			return nil
		}
		remaining := time.Duration(resp.RemainingSeconds) * time.Second
		log.Infof("waiting %s for the countdown to end", remaining)
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(remaining):
		}
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session, application and waitlist counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts.Config, func(svc *service.AdmissionService) error {
				stats, err := svc.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), opts.Format, stats)
			})
		},
	}
}
