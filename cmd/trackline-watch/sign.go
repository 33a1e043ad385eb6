package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/modules/payment"
)

var signCmd = &cobra.Command{
	Use:   "sign [FILE]",
	Short: "Print the webhook signature header for a payment event body",
	Long: `sign reads a payment event body from FILE (or stdin) and prints the
X-Webhook-Signature value for it. With --send the signed body is posted to
/webhooks/payments and the response is printed instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("secret")
		if secret == "" {
			return errors.New("--secret (or TRACKLINE_WATCH_SECRET) is required")
		}
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		body, err := io.ReadAll(io.LimitReader(in, 1<<20))
		if err != nil {
			return err
		}
		sig := payment.Sign([]byte(secret), body)
		if !viper.GetBool("send") {
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		}

		api := newAPIClient(baseURL(), "")
		r, err := api.do(cmd.Context(), http.MethodPost, "/webhooks/payments", body,
			http.Header{payment.SignatureHeader: []string{sig}})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", r.Status, r.Raw)
		return r.err()
	},
}

func init() {
	signCmd.Flags().String("secret", "", "Shared webhook secret")
	signCmd.Flags().Bool("send", false, "Post the signed body to the webhook endpoint")
	_ = viper.BindPFlags(signCmd.Flags())
}
