package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/modules/tracking"
	"trackline/internal/types"
)

var followCmd = &cobra.Command{
	Use:   "follow ORDER_ID",
	Short: "Print the order view every time it changes, until the order is terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		token := viper.GetString("token")
		enc := json.NewEncoder(cmd.OutOrStdout())
		f := tracking.NewFollower(types.ID(args[0]),
			tracking.NewPushSource(baseURL(), token),
			tracking.NewHTTPSource(baseURL(), token, nil),
			tracking.FollowerConfig{
				PollEvery:      viper.GetDuration("poll-every"),
				RetryPushAfter: viper.GetDuration("retry-push-after"),
			},
			func(s tracking.Snapshot) { _ = enc.Encode(s) })

		err := f.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("follow %s: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	followCmd.Flags().Duration("poll-every", tracking.DefaultPollEvery, "Snapshot poll interval while the socket is down")
	followCmd.Flags().Duration("retry-push-after", tracking.DefaultRetryPushAfter, "How long to poll before dialling the socket again")
	_ = viper.BindPFlags(followCmd.Flags())
}
