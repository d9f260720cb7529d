package cli

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/service"
)

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and administer the queue",
	}

	queueAction := func(use, short string, args cobra.PositionalArgs,
		action func(ctx context.Context, svc *service.AdmissionService, args []string) (*model.QueueState, error),
	) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), opts.Config, func(svc *service.AdmissionService) error {
					q, err := action(cmd.Context(), svc, args)
					if err != nil {
						return err
					}
					return printResult(cmd.OutOrStdout(), opts.Format, q)
				})
			},
		}
	}

	cmd.AddCommand(queueAction("status", "Show the queue state", cobra.NoArgs,
		func(ctx context.Context, svc *service.AdmissionService, _ []string) (*model.QueueState, error) {
			return svc.GetQueueState(ctx)
		}))
	cmd.AddCommand(queueAction("open", "Open the queue", cobra.NoArgs,
		func(ctx context.Context, svc *service.AdmissionService, _ []string) (*model.QueueState, error) {
			return svc.OpenQueue(ctx)
		}))
	cmd.AddCommand(queueAction("close", "Close the queue", cobra.NoArgs,
		func(ctx context.Context, svc *service.AdmissionService, _ []string) (*model.QueueState, error) {
			return svc.CloseQueue(ctx)
		}))
	cmd.AddCommand(queueAction("capacity <max-users>", "Set how many positions selection admits", cobra.ExactArgs(1),
		func(ctx context.Context, svc *service.AdmissionService, args []string) (*model.QueueState, error) {
			maxUsers, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, errors.Errorf("capacity must be an integer, got %q", args[0])
			}
			return svc.SetCapacity(ctx, maxUsers)
		}))

	return cmd
}
