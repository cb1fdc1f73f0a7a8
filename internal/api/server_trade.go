package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
)

type tradeInput struct {
	Body struct {
		Identity    string `json:"identity" doc:"Platform login; one browser profile per identity" example:"trader1@example.com"`
		Operation   string `json:"operation,omitempty" doc:"default, place-order, edit-place-order, input-order, auto-place-order or account-check-only. Unknown values run default." example:"place-order"`
		Credentials *struct {
			Password string `json:"password"`
		} `json:"credentials,omitempty" doc:"Only used when the profile needs a fresh login"`
		Symbol     string `json:"symbol,omitempty" example:"EURUSD"`
		Direction  string `json:"direction,omitempty" example:"buy"`
		Amount     string `json:"amount,omitempty" example:"0.10"`
		TakeProfit string `json:"takeProfit,omitempty"`
		StopLoss   string `json:"stopLoss,omitempty"`
		AccountID  string `json:"accountId,omitempty" example:"40192"`
	}
}

func (in *tradeInput) request() dispatch.Request {
	req := dispatch.Request{
		Identity:   in.Body.Identity,
		Operation:  in.Body.Operation,
		Symbol:     in.Body.Symbol,
		Direction:  in.Body.Direction,
		Amount:     in.Body.Amount,
		TakeProfit: in.Body.TakeProfit,
		StopLoss:   in.Body.StopLoss,
		AccountID:  in.Body.AccountID,
	}
	if in.Body.Credentials != nil {
		req.Credentials = &dispatch.Credentials{Password: in.Body.Credentials.Password}
	}
	return req
}

type tradeOutput struct {
	RunID string `header:"X-Run-Id"`
	Body  dispatch.Outcome
}

func registerTradeHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "trade-ctrader",
		Method:      http.MethodPost,
		Path:        "/api/v1/trade/ctrader",
		Summary:     "Run a trade operation",
		Description: "Runs login-or-skip, account verification and the requested operation for one identity. Browser faults are reported as status \"error\" in a 200 body.",
		Tags:        []string{"Trade"},
	}, func(ctx context.Context, input *tradeInput) (*tradeOutput, error) {
		res, err := svc.Trade(ctx, input.request())
		if err != nil {
			return nil, mapErr(err)
		}
		return &tradeOutput{RunID: res.RunID, Body: res.Outcome}, nil
	})
}
