package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/controller"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/session"
	"github.com/spf13/cobra"
)

var runReq dispatch.Request

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one operation and print RESULT_JSON",
	Long: `Run one operation for an identity and print the outcome as a single
RESULT_JSON:{...} line on stdout. The exit code is 1 only for status "error".

The password is read from CTRADER_PASSWORD and only used when the profile
needs a fresh login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := runReq
		if pw := os.Getenv("CTRADER_PASSWORD"); pw != "" {
			req.Credentials = &dispatch.Credentials{Password: pw}
		}
		if err := controller.ValidateRequest(req); err != nil {
			return err
		}

		catalog, err := cfg.Catalog()
		if err != nil {
			return fmt.Errorf("load selector catalog: %w", err)
		}
		m, err := session.New(cdpcontrol.NewDriver(cfg.DriverConfig()), session.Config{
			ProfilesRoot: cfg.ProfilesDir,
			BaseURL:      cfg.BaseURL,
			URLMatch:     cfg.URLMatch,
			Catalog:      catalog,
		})
		if err != nil {
			return err
		}
		defer m.CloseAll()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, cfg.OperationBudget)
		defer cancel()

		out, err := m.Execute(ctx, req)
		return printResult(cmd.OutOrStdout(), out, err)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runReq.Identity, "identity", "", "platform login (required)")
	f.StringVar(&runReq.Operation, "operation", "default", "default, place-order, edit-place-order, input-order, auto-place-order or account-check-only")
	f.StringVar(&runReq.Symbol, "symbol", "", "instrument, e.g. EURUSD")
	f.StringVar(&runReq.Direction, "direction", "", "buy or sell")
	f.StringVar(&runReq.Amount, "amount", "", "order quantity")
	f.StringVar(&runReq.TakeProfit, "take-profit", "", "take-profit value")
	f.StringVar(&runReq.StopLoss, "stop-loss", "", "stop-loss value")
	f.StringVar(&runReq.AccountID, "account", "", "account id to select")
	_ = runCmd.MarkFlagRequired("identity")
}

// printResult writes the RESULT_JSON line and maps status "error" to
// errOutcome. A fault that came with any other status is returned as is.
func printResult(w io.Writer, out dispatch.Outcome, fault error) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "RESULT_JSON:%s\n", raw); err != nil {
		return err
	}
	if out.Status == dispatch.StatusError {
		if fault != nil {
			slog.Debug("operation fault", "operation", out.Details.Operation, "error", fault)
		}
		return errOutcome
	}
	return fault
}
