// README: Operator CLI; follows an order, simulates a driver, signs webhook bodies and runs smoke checks.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trackline-watch",
	Short: "Client tooling for the trackline order tracking API",
	Long: `trackline-watch talks to a running trackline-api. It can follow an order the way
a customer app does (socket first, polling while the socket is down), drive a
simulated courier along a straight route, sign payment webhook bodies, and run
a smoke suite against a deployment.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.trackline-watch.yaml)")
	rootCmd.PersistentFlags().String("base-url", "http://localhost:8080", "API base URL")
	rootCmd.PersistentFlags().String("token", "", "Firebase ID token sent as the bearer credential")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(followCmd, emitCmd, signCmd, smokeCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".trackline-watch")
	}

	// TRACKLINE_WATCH_BASE_URL, TRACKLINE_WATCH_TOKEN, ...
	viper.SetEnvPrefix("trackline_watch")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func baseURL() string {
	return strings.TrimRight(viper.GetString("base-url"), "/")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
