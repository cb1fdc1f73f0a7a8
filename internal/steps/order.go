package steps

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/human"
)

// FillOrderForm selects the instrument and direction and fills quantity,
// take-profit and stop-loss. Blank optional fields are left untouched.
func (f *Flow) FillOrderForm(ctx context.Context, o Order) (Result, error) {
	return f.guard(ctx, "fill order form", func() (Result, error) {
		dir := strings.ToLower(strings.TrimSpace(o.Direction))
		if dir != "buy" && dir != "sell" {
			return failed("invalid direction %q", o.Direction), nil
		}
		if o.Symbol != "" {
			if err := f.selectSymbol(ctx, o.Symbol); err != nil {
				return Result{}, err
			}
		}
		target := config.TargetBuyButton
		if dir == "sell" {
			target = config.TargetSellButton
		}
		if err := f.clickTarget(ctx, target, f.cat.Timeouts.Field, human.Short); err != nil {
			return Result{}, err
		}
		if err := f.fillFields(ctx, o); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Message: "order form filled"}, nil
	})
}

// fillFields fills quantity and the two collapsible price fields.
func (f *Flow) fillFields(ctx context.Context, o Order) error {
	t := f.cat.Timeouts
	if o.Amount != "" {
		if err := f.fillTarget(ctx, config.TargetQuantityInput, o.Amount, t.Field); err != nil {
			return err
		}
	}
	if o.TakeProfit != "" {
		if err := f.toggleAndFill(ctx, config.TargetTakeProfitInput, config.TargetTakeProfitLabel, o.TakeProfit); err != nil {
			return err
		}
	}
	if o.StopLoss != "" {
		if err := f.toggleAndFill(ctx, config.TargetStopLossInput, config.TargetStopLossLabel, o.StopLoss); err != nil {
			return err
		}
	}
	return nil
}

// selectSymbol opens the instrument search, types the symbol and picks the
// exact match. When the dropdown trigger cannot be found it clicks at a
// fixed offset from the sell button.
func (f *Flow) selectSymbol(ctx context.Context, symbol string) error {
	t := f.cat.Timeouts
	trigger, err := f.probe(ctx, config.TargetSymbolTrigger, t.Probe)
	if err != nil {
		return err
	}
	if trigger != nil {
		if err := f.act.Click(ctx, f.page, trigger); err != nil {
			return err
		}
	} else {
		anchor, err := f.wait(ctx, config.TargetSellButton, t.Field)
		if err != nil {
			return err
		}
		off := f.cat.SymbolFallback
		x, y := anchor.Box.X+off.X, anchor.Box.Y+off.Y
		slog.Debug("symbol trigger missing, using sell button offset", "x", x, "y", y)
		if err := f.act.ClickAt(ctx, f.page, x, y, 1); err != nil {
			return err
		}
	}
	if err := f.act.Pause(ctx, human.Medium); err != nil {
		return err
	}

	search, err := f.wait(ctx, config.TargetSymbolSearch, t.Field)
	if err != nil {
		return err
	}
	if err := f.act.Fill(ctx, f.page, search, symbol); err != nil {
		return err
	}
	if err := f.act.Pause(ctx, human.Long); err != nil {
		return err
	}

	result, err := f.waitText(ctx, config.TargetSymbolResult, symbol, t.Panel)
	if err != nil {
		return err
	}
	if err := f.act.Click(ctx, f.page, result); err != nil {
		return err
	}
	return f.act.Pause(ctx, human.Medium)
}

// toggleAndFill fills a field that may sit collapsed behind its label. The
// label is clicked at most once, and only when the input is not usable.
func (f *Flow) toggleAndFill(ctx context.Context, inputTarget, labelTarget, value string) error {
	t := f.cat.Timeouts
	input, err := f.probe(ctx, inputTarget, t.Probe)
	if err != nil {
		return err
	}
	if input != nil {
		usable, err := f.usable(ctx, input)
		if err != nil {
			return err
		}
		if !usable {
			input = nil
		}
	}
	if input == nil {
		label, err := f.wait(ctx, labelTarget, t.Probe)
		if err != nil {
			return err
		}
		if err := f.act.Click(ctx, f.page, label); err != nil {
			return err
		}
		if err := f.act.Pause(ctx, human.Short); err != nil {
			return err
		}
		if input, err = f.wait(ctx, inputTarget, t.Field); err != nil {
			return err
		}
	}
	if err := f.act.Fill(ctx, f.page, input, value); err != nil {
		return err
	}
	return f.act.Pause(ctx, human.Short)
}

func (f *Flow) usable(ctx context.Context, el *driver.Element) (bool, error) {
	st, err := f.page.State(ctx, el.Ref)
	if err != nil {
		return false, err
	}
	return st.Present && st.Visible && !st.Disabled && !st.AriaDisabled, nil
}
