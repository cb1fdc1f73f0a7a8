package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/ctrader_agent/internal/controller"
	"github.com/dgnsrekt/ctrader_agent/internal/store"
)

type automationRefInput struct {
	Ref string `path:"ref" doc:"Automation id, or name for its latest version"`
}

func registerAutomationHandlers(api huma.API, svc Service) {
	type listAutomationsOutput struct {
		Body struct {
			Automations []store.Automation `json:"automations"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-automations", Method: http.MethodGet, Path: "/api/v1/automations", Summary: "List automations", Tags: []string{"Automations"}},
		func(ctx context.Context, input *struct{}) (*listAutomationsOutput, error) {
			list, err := svc.ListAutomations(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listAutomationsOutput{}
			out.Body.Automations = list
			if out.Body.Automations == nil {
				out.Body.Automations = []store.Automation{}
			}
			return out, nil
		})

	type automationOutput struct {
		Body store.Automation
	}
	huma.Register(api, huma.Operation{OperationID: "get-automation", Method: http.MethodGet, Path: "/api/v1/automations/{ref}", Summary: "Resolve an automation", Tags: []string{"Automations"}},
		func(ctx context.Context, input *automationRefInput) (*automationOutput, error) {
			a, err := svc.GetAutomation(ctx, input.Ref)
			if err != nil {
				return nil, mapErr(err)
			}
			return &automationOutput{Body: a}, nil
		})

	type runOutput struct {
		Body controller.AutomationRun
	}
	huma.Register(api, huma.Operation{OperationID: "run-automation", Method: http.MethodPost, Path: "/api/v1/runner/{ref}", Summary: "Run an automation through the robot", Tags: []string{"Automations"}},
		func(ctx context.Context, input *struct {
			Ref  string `path:"ref"`
			Body struct {
				Input map[string]any `json:"input,omitempty" doc:"Arguments passed to the robot as JSON"`
			}
		}) (*runOutput, error) {
			run, err := svc.RunAutomation(ctx, input.Ref, input.Body.Input)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Body: run}, nil
		})

	type runsOutput struct {
		Body struct {
			Runs []store.Run `json:"runs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "recent-runs", Method: http.MethodGet, Path: "/api/v1/runs", Summary: "Recent trade and automation runs", Tags: []string{"Automations"}},
		func(ctx context.Context, input *struct {
			Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
		}) (*runsOutput, error) {
			runs, err := svc.RecentRuns(ctx, input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &runsOutput{}
			out.Body.Runs = runs
			if out.Body.Runs == nil {
				out.Body.Runs = []store.Run{}
			}
			return out, nil
		})
}
