package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/modules/location"
	"trackline/internal/types"
)

var emitCmd = &cobra.Command{
	Use:   "emit ORDER_ID",
	Short: "Simulate the assigned courier driving a straight route to the customer",
	Long: `emit posts one location sample per step from --from to --to. With --accept it
first accepts the order; with --deliver it walks the order through picked_up and
out_for_delivery before the route and marks it delivered at the end. The token
must belong to a driver.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		from, err := parsePoint(viper.GetString("from"))
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to, err := parsePoint(viper.GetString("to"))
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		interval := viper.GetDuration("interval")
		if interval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}
		api := newAPIClient(baseURL(), viper.GetString("token"))
		prefix := "/api/drivers/orders/" + args[0]
		deliver := viper.GetBool("deliver")
		out := cmd.OutOrStdout()

		if viper.GetBool("accept") {
			r, err := api.do(ctx, http.MethodPost, prefix+"/accept", nil, nil)
			if err != nil {
				return err
			}
			if err := r.err(); err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			fmt.Fprintf(out, "accepted %s\n", args[0])
		}
		if deliver {
			for _, st := range []string{"picked_up", "out_for_delivery"} {
				if err := setStatus(ctx, api, prefix, st); err != nil {
					return err
				}
				fmt.Fprintf(out, "status %s\n", st)
			}
		}

		route := location.Route(from, to, viper.GetInt("steps"))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i, p := range route {
			bearing := 0
			if i+1 < len(route) {
				bearing = location.Bearing(p, route[i+1])
			} else if i > 0 {
				bearing = location.Bearing(route[i-1], p)
			}
			r, err := api.do(ctx, http.MethodPost, prefix+"/location", map[string]any{
				"lat":         p.Lat,
				"lng":         p.Lng,
				"bearing":     bearing,
				"captured_at": time.Now().UTC(),
			}, nil)
			if err != nil {
				return err
			}
			if err := r.err(); err != nil {
				return fmt.Errorf("location %d: %w", i, err)
			}
			fmt.Fprintf(out, "sample %d/%d %.5f,%.5f bearing=%d accepted=%v\n", i+1, len(route), p.Lat, p.Lng, bearing, r.Body["accepted"])

			if i+1 == len(route) {
				break
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		if deliver {
			if err := setStatus(ctx, api, prefix, "delivered"); err != nil {
				return err
			}
			fmt.Fprintln(out, "status delivered")
		}
		return nil
	},
}

func setStatus(ctx context.Context, api *apiClient, prefix, status string) error {
	r, err := api.do(ctx, http.MethodPost, prefix+"/status", map[string]string{"status": status}, nil)
	if err != nil {
		return err
	}
	if err := r.err(); err != nil {
		return fmt.Errorf("status %s: %w", status, err)
	}
	return nil
}

// parsePoint reads "lat,lng".
func parsePoint(v string) (types.Point, error) {
	lat, lng, ok := strings.Cut(v, ",")
	if !ok {
		return types.Point{}, fmt.Errorf("want lat,lng, got %q", v)
	}
	var p types.Point
	var err error
	if p.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return types.Point{}, err
	}
	if p.Lng, err = strconv.ParseFloat(strings.TrimSpace(lng), 64); err != nil {
		return types.Point{}, err
	}
	if !p.Valid() {
		return types.Point{}, fmt.Errorf("%q is out of range", v)
	}
	return p, nil
}

func init() {
	emitCmd.Flags().String("from", "25.0330,121.5654", "Route start as lat,lng")
	emitCmd.Flags().String("to", "25.0478,121.5170", "Route end as lat,lng")
	emitCmd.Flags().Int("steps", 20, "Number of route segments")
	emitCmd.Flags().Duration("interval", 2*time.Second, "Delay between samples")
	emitCmd.Flags().Bool("accept", false, "Accept the order before driving")
	emitCmd.Flags().Bool("deliver", false, "Advance the order to out_for_delivery first and to delivered at the end")
	_ = viper.BindPFlags(emitCmd.Flags())
}
