// Package dispatch routes a trade operation to its page steps and folds the
// step result into an Outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/ctrader_agent/internal/steps"
)

// Handler runs one operation. A returned error is an infrastructure fault;
// everything else travels in the result value.
type Handler func(ctx context.Context, f *steps.Flow, req Request) (any, error)

// Dispatcher maps every Operation to exactly one handler.
type Dispatcher struct {
	handlers map[Operation]Handler
}

// New returns a dispatcher wired to the page steps.
func New() *Dispatcher {
	h := map[Operation]Handler{
		Default:          inputOrder,
		PlaceOrder:       placeOrder,
		EditPlaceOrder:   editPlaceOrder,
		InputOrder:       inputOrder,
		AutoPlaceOrder:   autoPlaceOrder,
		AccountCheckOnly: accountCheck,
	}
	h[Unspecified] = h[Default]
	return &Dispatcher{handlers: h}
}

// Dispatch runs the handler for req and normalizes its result. Only
// infrastructure faults are returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, f *steps.Flow, req Request) (Outcome, error) {
	op := req.Kind()
	if op == Unspecified {
		slog.Warn("unrecognized operation, using default order entry", "operation", req.Operation, "identity", req.Identity)
	}
	handler, ok := d.handlers[op]
	if !ok {
		return Outcome{}, fmt.Errorf("no handler for operation %s", op)
	}
	raw, err := handler(ctx, f, req)
	if err != nil {
		return Outcome{}, err
	}
	out := Normalize(raw, req)
	if op == Unspecified && out.Message != "" {
		out.Message += fmt.Sprintf(" (operation %q treated as default)", req.Operation)
	}
	return out, nil
}

// Normalize folds a step result into an Outcome: booleans map to success or
// a generic failure, steps.Result passes through, anything else fails.
func Normalize(raw any, req Request) Outcome {
	out := Outcome{Details: Echo(req)}
	switch v := raw.(type) {
	case bool:
		if v {
			out.Status = StatusSuccess
			out.Message = "operation completed"
		} else {
			out.Status = StatusFailed
			out.Message = "operation failed"
			out.Reason = "operation reported failure"
		}
	case steps.Result:
		fromResult(&out, v)
	case *steps.Result:
		if v == nil {
			out.Status = StatusFailed
			out.Message = "operation failed"
			out.Reason = "unrecognized result format"
			break
		}
		fromResult(&out, *v)
	default:
		out.Status = StatusFailed
		out.Message = "operation failed"
		out.Reason = "unrecognized result format"
	}
	return out
}

func fromResult(out *Outcome, r steps.Result) {
	out.Reason = r.Reason
	out.Warning = r.Warning
	out.Message = r.Message
	if r.Success {
		out.Status = StatusSuccess
		out.Confirmed = r.Confirmed
		if out.Message == "" {
			out.Message = "operation completed"
		}
		return
	}
	out.Status = StatusFailed
	out.Confirmed = false
	if out.Message == "" {
		out.Message = "operation failed"
	}
	if out.Reason == "" {
		out.Reason = "operation reported failure"
	}
}

func order(req Request) steps.Order {
	return steps.Order{
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Amount:     req.Amount,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
	}
}

func inputOrder(ctx context.Context, f *steps.Flow, req Request) (any, error) {
	return f.FillOrderForm(ctx, order(req))
}

func placeOrder(ctx context.Context, f *steps.Flow, req Request) (any, error) {
	res, err := f.FillOrderForm(ctx, order(req))
	if err != nil || !res.Success {
		return res, err
	}
	return f.SubmitOrder(ctx)
}

// autoPlaceOrder also looks for the new position when the submit gave no
// confirmation signal.
func autoPlaceOrder(ctx context.Context, f *steps.Flow, req Request) (any, error) {
	raw, err := placeOrder(ctx, f, req)
	if err != nil {
		return nil, err
	}
	res := raw.(steps.Result)
	if !res.Success || res.Confirmed {
		return res, nil
	}
	found, err := f.ConfirmPosition(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if found {
		res.Confirmed = true
		res.Warning = ""
		res.Message = "order placed, position open"
	}
	return res, nil
}

func editPlaceOrder(ctx context.Context, f *steps.Flow, req Request) (any, error) {
	return f.ModifyPendingOrder(ctx, order(req))
}

// accountCheck runs after the session has already verified the account.
// Without an account id only the identity was checked.
func accountCheck(_ context.Context, _ *steps.Flow, req Request) (any, error) {
	msg := "account check completed for " + req.AccountID
	if req.AccountID == "" {
		msg = "account check completed for " + req.Identity + ", current account kept"
	}
	return steps.Result{Success: true, Confirmed: true, Message: msg}, nil
}
