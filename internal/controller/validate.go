package controller

import (
	"strings"

	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/shopspring/decimal"
)

func requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func validatePositive(value, fieldName string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " must be a decimal number", Cause: err}
	}
	if !d.IsPositive() {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " must be positive"}
	}
	return nil
}

// ValidateRequest checks req without changing it; the values are echoed to
// the caller verbatim.
func ValidateRequest(req dispatch.Request) error {
	if err := requireNonEmpty(req.Identity, "identity"); err != nil {
		return err
	}
	kind := req.Kind()
	if kind == dispatch.AccountCheckOnly {
		return nil
	}
	if err := requireNonEmpty(req.Symbol, "symbol"); err != nil {
		return err
	}
	if kind != dispatch.EditPlaceOrder {
		if err := requireNonEmpty(req.Direction, "direction"); err != nil {
			return err
		}
		if err := requireNonEmpty(req.Amount, "amount"); err != nil {
			return err
		}
	}
	if d := strings.ToLower(strings.TrimSpace(req.Direction)); d != "" && d != "buy" && d != "sell" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: `direction must be "buy" or "sell"`}
	}
	for _, f := range []struct{ value, name string }{
		{req.Amount, "amount"},
		{req.TakeProfit, "takeProfit"},
		{req.StopLoss, "stopLoss"},
	} {
		if err := validatePositive(f.value, f.name); err != nil {
			return err
		}
	}
	return nil
}
