package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	cfg         *config.ControllerConfig
)

// errOutcome marks an error outcome that was already printed.
var errOutcome = errors.New("operation ended with status error")

var rootCmd = &cobra.Command{
	Use:   "tradectl",
	Short: "tradectl - one-shot cTrader browser operations",
	Long: `tradectl drives the cTrader web platform from the command line using the
same persistent browser profiles as the controller.

Examples:
  tradectl run --identity trader1 --operation account-check-only --account 40192
  tradectl run --identity trader1 --operation place-order --symbol EURUSD --direction buy --amount 0.10
  tradectl patch-profile trader1
  tradectl targets --cdp-url http://127.0.0.1:9222`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		var err error
		cfg, err = config.LoadController()
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging to stderr")
	rootCmd.AddCommand(runCmd, patchProfileCmd, targetsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errOutcome) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
