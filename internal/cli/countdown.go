package cli

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/service"
)

// CountdownSetOptions holds flags for countdown set.
type CountdownSetOptions struct {
	Start    string
	End      string
	Duration time.Duration
}

// NewCountdownCommand creates the countdown command and its subcommands.
func NewCountdownCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "countdown",
		Short: "Inspect and set the countdown window",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the countdown window and time remaining",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts.Config, func(svc *service.AdmissionService) error {
				resp, err := svc.GetCountdown(cmd.Context())
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), opts.Format, resp)
			})
		},
	})

	setOpts := &CountdownSetOptions{}
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the countdown window",
		Long: `Replace the countdown window. Either give --start and --end as RFC 3339
timestamps, or --duration to start now and end after that long.

Example:
  waitroom countdown set --duration 30m
  waitroom countdown set --start 2026-03-01T09:00:00Z --end 2026-03-01T10:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := setOpts.request(time.Now())
			if err != nil {
				return err
			}
			return withService(cmd.Context(), opts.Config, func(svc *service.AdmissionService) error {
				w, err := svc.UpdateCountdown(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), opts.Format, w)
			})
		},
	}
	set.Flags().StringVar(&setOpts.Start, "start", "", "window start (RFC 3339)")
	set.Flags().StringVar(&setOpts.End, "end", "", "window end (RFC 3339)")
	set.Flags().DurationVar(&setOpts.Duration, "duration", 0, "window length starting now")
	set.MarkFlagsMutuallyExclusive("duration", "start")
	set.MarkFlagsMutuallyExclusive("duration", "end")
	set.MarkFlagsRequiredTogether("start", "end")
	cmd.AddCommand(set)

	return cmd
}

func (o *CountdownSetOptions) request(now time.Time) (model.UpdateCountdownRequest, error) {
	if o.Duration > 0 {
		return model.UpdateCountdownRequest{StartTime: now, EndTime: now.Add(o.Duration)}, nil
	}
	if o.Start == "" || o.End == "" {
		return model.UpdateCountdownRequest{}, errors.New("either --duration or both --start and --end are required")
	}
	start, err := time.Parse(time.RFC3339, o.Start)
	if err != nil {
		return model.UpdateCountdownRequest{}, errors.Wrap(err, "--start")
	}
	end, err := time.Parse(time.RFC3339, o.End)
	if err != nil {
		return model.UpdateCountdownRequest{}, errors.Wrap(err, "--end")
	}
	return model.UpdateCountdownRequest{StartTime: start, EndTime: end}, nil
}
