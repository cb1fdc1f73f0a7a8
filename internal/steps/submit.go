package steps

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/human"
)

const noConfirmation = "no confirmation signal"

// Blocker explains why a submission control must not be clicked.
type Blocker struct {
	Reason string
	// Warning is the literal blocking message shown near the control, if any.
	Warning string
}

// CheckBlocked inspects a submission control. Warnings near the control win
// over style-based signals so the caller sees the platform's own words.
func (f *Flow) CheckBlocked(ctx context.Context, control *driver.Element) (*Blocker, error) {
	rules := f.cat.Submit
	around, err := f.page.TextAround(ctx, control.Ref, rules.WarningDepth)
	if err != nil {
		return nil, err
	}
	if w := findWarning(around, rules.BlockingWarnings); w != "" {
		return &Blocker{Reason: "blocked: " + w, Warning: w}, nil
	}

	st, err := f.page.State(ctx, control.Ref)
	if err != nil {
		return nil, err
	}
	for _, cls := range st.Classes {
		if slices.Contains(rules.DisabledClasses, strings.ToLower(cls)) {
			return &Blocker{Reason: fmt.Sprintf("submit control disabled (class %s)", cls)}, nil
		}
	}
	switch {
	case st.Opacity < rules.OpacityThreshold:
		return &Blocker{Reason: fmt.Sprintf("submit control disabled (opacity %.2f)", st.Opacity)}, nil
	case strings.EqualFold(st.PointerEvents, "none"):
		return &Blocker{Reason: "submit control disabled (pointer events suppressed)"}, nil
	case st.AriaDisabled || st.Disabled:
		return &Blocker{Reason: "submit control disabled"}, nil
	}
	return nil, nil
}

// findWarning returns the first blocking phrase found in text, cut from text
// itself so the original casing is kept.
func findWarning(text string, phrases []string) string {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		i := strings.Index(lower, p)
		if i < 0 {
			continue
		}
		if len(lower) != len(text) {
			return p
		}
		// Keep a short lead-in such as "The" in "The market is closed".
		start := strings.LastIndexAny(lower[:i], ".!?\n") + 1
		if len(strings.Fields(lower[start:i])) > 2 {
			start = i
		}
		return strings.TrimSpace(text[start : i+len(p)])
	}
	return ""
}

// SubmitOrder clicks the submission control unless it looks disabled, then
// looks for a confirmation toast or the control going away.
func (f *Flow) SubmitOrder(ctx context.Context) (Result, error) {
	return f.guard(ctx, "submit order", func() (Result, error) {
		return f.submitWith(ctx, config.TargetSubmitButton, "order submitted")
	})
}

func (f *Flow) submitWith(ctx context.Context, target, done string) (Result, error) {
	control, err := f.wait(ctx, target, f.cat.Timeouts.Field)
	if err != nil {
		return Result{}, err
	}
	blocked, err := f.CheckBlocked(ctx, control)
	if err != nil {
		return Result{}, err
	}
	if blocked != nil {
		return Result{Reason: blocked.Reason, Warning: blocked.Warning}, nil
	}
	if err := f.act.Click(ctx, f.page, control); err != nil {
		return Result{}, err
	}
	confirmed, err := f.awaitConfirmation(ctx, control)
	if err != nil {
		return Result{}, err
	}
	if !confirmed {
		return Result{Success: true, Message: done, Warning: noConfirmation}, nil
	}
	return Result{Success: true, Confirmed: true, Message: done}, nil
}

// awaitConfirmation polls for a toast or for control to disappear.
func (f *Flow) awaitConfirmation(ctx context.Context, control *driver.Element) (bool, error) {
	deadline := time.Now().Add(f.cat.Timeouts.Toast)
	for {
		toast, err := f.probe(ctx, config.TargetConfirmationToast, 0)
		if err != nil {
			return false, err
		}
		if toast != nil {
			return true, nil
		}
		st, err := f.page.State(ctx, control.Ref)
		if err != nil {
			return false, err
		}
		if !st.Present || !st.Visible {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := sleep(ctx, 250*time.Millisecond); err != nil {
			return false, err
		}
	}
}

// ConfirmPosition reports whether a position row for symbol shows up.
func (f *Flow) ConfirmPosition(ctx context.Context, symbol string) (bool, error) {
	if symbol == "" {
		return false, nil
	}
	el, err := human.TryProbe(ctx, f.page, f.chain(config.TargetPositionRow).WithText(symbol), f.cat.Timeouts.Position)
	if err != nil {
		return false, err
	}
	return el != nil, nil
}

// ModifyPendingOrder opens the pending order for o.Symbol, refills its
// quantity and price fields, and applies the change.
func (f *Flow) ModifyPendingOrder(ctx context.Context, o Order) (Result, error) {
	return f.guard(ctx, "modify pending order", func() (Result, error) {
		if o.Symbol == "" {
			return failed("symbol is required to locate the pending order"), nil
		}
		row, err := human.TryProbe(ctx, f.page, f.chain(config.TargetOrderRow).WithText(o.Symbol), f.cat.Timeouts.Panel)
		if err != nil {
			return Result{}, err
		}
		if row == nil {
			return failed("pending order for %s not found", o.Symbol), nil
		}
		if err := f.act.DoubleClick(ctx, f.page, row); err != nil {
			return Result{}, err
		}
		if err := f.act.Pause(ctx, human.Medium); err != nil {
			return Result{}, err
		}
		if err := f.fillFields(ctx, o); err != nil {
			return Result{}, err
		}
		return f.submitWith(ctx, config.TargetModifyButton, "pending order modified")
	})
}
