package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/session"
	"github.com/dgnsrekt/ctrader_agent/internal/snapshot"
)

type runIDKey struct{}

// WithRunID tags ctx with the run id so failure hooks can link artifacts.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run id stored by WithRunID.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// SnapshotHook captures a screenshot of the tab for every failed or errored
// run. Capture is best effort.
func SnapshotHook(snaps *snapshot.Store) session.FailureHook {
	return func(ctx context.Context, page driver.Page, req dispatch.Request, state session.State, out dispatch.Outcome) {
		if snaps == nil || page == nil || page.Closed() {
			return
		}
		shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		image, err := page.Screenshot(shotCtx)
		if err != nil {
			slog.Debug("failure screenshot skipped", "identity", req.Identity, "error", err)
			return
		}
		url, _ := page.URL(shotCtx)
		reason := out.Reason
		if reason == "" {
			reason = out.Warning
		}
		if _, err := snaps.Save(snapshot.Meta{
			RunID:     RunIDFrom(ctx),
			Identity:  req.Identity,
			Operation: req.Operation,
			State:     state.String(),
			Status:    out.Status,
			Reason:    reason,
			PageURL:   url,
			Format:    "png",
		}, image); err != nil {
			slog.Warn("failure screenshot not saved", "identity", req.Identity, "error", err)
		}
	}
}
