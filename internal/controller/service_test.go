package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/driver/drivertest"
	"github.com/dgnsrekt/ctrader_agent/internal/events"
	"github.com/dgnsrekt/ctrader_agent/internal/notify"
	"github.com/dgnsrekt/ctrader_agent/internal/runner"
	"github.com/dgnsrekt/ctrader_agent/internal/session"
	"github.com/dgnsrekt/ctrader_agent/internal/snapshot"
	"github.com/dgnsrekt/ctrader_agent/internal/storage"
	"github.com/dgnsrekt/ctrader_agent/internal/store"
	"github.com/dgnsrekt/ctrader_agent/internal/worker"
)

type fakeSessions struct {
	execute func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)
	closed  []string
}

func (f *fakeSessions) Execute(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
	return f.execute(ctx, req)
}
func (f *fakeSessions) Count() int                                  { return 1 }
func (f *fakeSessions) Sessions(ctx context.Context) []session.Info { return nil }
func (f *fakeSessions) Close(ctx context.Context, identity string) error {
	f.closed = append(f.closed, identity)
	return nil
}

type fakeRecords struct {
	mu         sync.Mutex
	runs       []store.Run
	automation store.Automation
}

func (f *fakeRecords) ListAutomations(ctx context.Context) ([]store.Automation, error) {
	return []store.Automation{f.automation}, nil
}

func (f *fakeRecords) ResolveAutomation(ctx context.Context, ref string) (store.Automation, error) {
	if ref != f.automation.Name {
		return store.Automation{}, store.ErrNotFound
	}
	return f.automation, nil
}

func (f *fakeRecords) InsertRun(ctx context.Context, r store.Run) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, r)
	return r, nil
}

func (f *fakeRecords) RecentRuns(ctx context.Context, limit int) ([]store.Run, error) {
	return f.runs, nil
}

type fakeRobot struct {
	res  runner.Result
	err  error
	path string
}

func (f *fakeRobot) Run(ctx context.Context, path string, input map[string]any) (runner.Result, error) {
	f.path = path
	return f.res, f.err
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func orderRequest() dispatch.Request {
	return dispatch.Request{Identity: "trader1", Operation: "place-order", Symbol: "EURUSD", Direction: "buy", Amount: "0.10"}
}

func codeOf(err error) string {
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*dispatch.Request)
		wantErr string
	}{
		{name: "valid order"},
		{name: "missing identity", mutate: func(r *dispatch.Request) { r.Identity = " " }, wantErr: "identity is required"},
		{name: "missing symbol", mutate: func(r *dispatch.Request) { r.Symbol = "" }, wantErr: "symbol is required"},
		{name: "bad direction", mutate: func(r *dispatch.Request) { r.Direction = "hold" }, wantErr: "direction must be"},
		{name: "amount not decimal", mutate: func(r *dispatch.Request) { r.Amount = "ten" }, wantErr: "amount must be a decimal number"},
		{name: "negative stop loss", mutate: func(r *dispatch.Request) { r.StopLoss = "-1.2" }, wantErr: "stopLoss must be positive"},
		{name: "account check needs only identity", mutate: func(r *dispatch.Request) {
			*r = dispatch.Request{Identity: "trader1", Operation: "account-check-only"}
		}},
		{name: "edit needs no amount", mutate: func(r *dispatch.Request) {
			r.Operation = "edit-place-order"
			r.Direction, r.Amount = "", ""
		}},
		{name: "unknown operation validated as default", mutate: func(r *dispatch.Request) {
			r.Operation = "yolo"
			r.Amount = ""
		}, wantErr: "amount is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := orderRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			err := ValidateRequest(req)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateRequest() = %v; want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ValidateRequest() = %v; want %q", err, tt.wantErr)
			}
			if codeOf(err) != cdpcontrol.CodeValidation {
				t.Fatalf("code = %q; want VALIDATION", codeOf(err))
			}
		})
	}
}

func TestTradeRecordsOutcome(t *testing.T) {
	dir := t.TempDir()
	journal := storage.NewJournal(dir, 8, 1)
	records := &fakeRecords{}

	var event notify.Event
	hookClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		return &http.Response{StatusCode: http.StatusNoContent, Body: io.NopCloser(strings.NewReader("")), Header: make(http.Header)}, nil
	})}

	var seenRunID string
	sessions := &fakeSessions{execute: func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
		seenRunID = RunIDFrom(ctx)
		return dispatch.Outcome{Status: dispatch.StatusSuccess, Message: "order placed", Confirmed: true, Details: dispatch.Echo(req)}, nil
	}}
	broker := events.NewBroker()
	_, stream := broker.Subscribe()
	svc := NewService(sessions, Options{
		Pool:    worker.New[dispatch.Outcome](worker.Config{Concurrency: 1, Budget: time.Second}),
		Records: records,
		Journal: journal,
		Webhook: notify.NewWebhook(hookClient, "http://hooks.local/outcome"),
		Events:  broker,
	})

	res, err := svc.Trade(context.Background(), orderRequest())
	if err != nil {
		t.Fatalf("Trade() error = %v", err)
	}
	if res.Outcome.Status != dispatch.StatusSuccess || !res.Outcome.Confirmed {
		t.Fatalf("outcome = %+v; want confirmed success", res.Outcome)
	}
	if seenRunID != res.RunID {
		t.Fatalf("run id in context = %q; want %q", seenRunID, res.RunID)
	}
	if len(records.runs) != 1 || records.runs[0].Operation != "place-order" || records.runs[0].Automation != TradeAutomation {
		t.Fatalf("runs = %+v; want one place-order run", records.runs)
	}
	if event.RunID != res.RunID || event.Status != dispatch.StatusSuccess {
		t.Fatalf("webhook event = %+v", event)
	}
	select {
	case evt := <-stream:
		if evt.Kind != events.KindOutcome || !strings.Contains(string(evt.Data), res.RunID) {
			t.Fatalf("stream event = %+v", evt)
		}
	default:
		t.Fatal("no outcome event published")
	}

	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*", "trader1", "outcomes.jsonl"))
	if len(matches) != 1 {
		t.Fatalf("journal files = %v; want one", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), res.RunID) {
		t.Fatalf("journal = %q; want run id", data)
	}
}

func TestTradeRejectsInvalidRequest(t *testing.T) {
	sessions := &fakeSessions{execute: func(context.Context, dispatch.Request) (dispatch.Outcome, error) {
		t.Fatal("Execute called for an invalid request")
		return dispatch.Outcome{}, nil
	}}
	svc := NewService(sessions, Options{})
	defer svc.Close(context.Background())

	req := orderRequest()
	req.Amount = "abc"
	if _, err := svc.Trade(context.Background(), req); codeOf(err) != cdpcontrol.CodeValidation {
		t.Fatalf("Trade() error = %v; want VALIDATION", err)
	}
}

func TestTradeBudgetExceeded(t *testing.T) {
	sessions := &fakeSessions{execute: func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
		<-ctx.Done()
		return dispatch.Outcome{}, ctx.Err()
	}}
	svc := NewService(sessions, Options{Pool: worker.New[dispatch.Outcome](worker.Config{Budget: 30 * time.Millisecond})})
	defer svc.Close(context.Background())

	res, err := svc.Trade(context.Background(), orderRequest())
	if err != nil {
		t.Fatalf("Trade() error = %v", err)
	}
	if res.Outcome.Status != dispatch.StatusError || res.Outcome.Reason != "operation budget exceeded" {
		t.Fatalf("outcome = %+v; want budget error", res.Outcome)
	}
	if res.Outcome.Details.Amount != "0.10" {
		t.Fatalf("details = %+v; want echoed request", res.Outcome.Details)
	}
}

func TestTradeInfrastructureFaultIsAnOutcome(t *testing.T) {
	fault := cdpcontrol.NewError(cdpcontrol.CodeNavigationFailed, "platform did not render", nil)
	sessions := &fakeSessions{execute: func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
		return dispatch.ErrorOutcome(req, "platform failed to load", fault), fault
	}}
	svc := NewService(sessions, Options{})
	defer svc.Close(context.Background())

	res, err := svc.Trade(context.Background(), orderRequest())
	if err != nil {
		t.Fatalf("Trade() error = %v; want nil", err)
	}
	if res.Outcome.Status != dispatch.StatusError || res.Outcome.Message != "platform failed to load" {
		t.Fatalf("outcome = %+v", res.Outcome)
	}
}

func TestTradeAfterClose(t *testing.T) {
	svc := NewService(&fakeSessions{}, Options{})
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := svc.Trade(context.Background(), orderRequest()); codeOf(err) != cdpcontrol.CodeBusy {
		t.Fatalf("Trade() error = %v; want BUSY", err)
	}
}

func TestRunAutomation(t *testing.T) {
	records := &fakeRecords{automation: store.Automation{ID: "a1", Name: "close-positions", Version: 3, Path: "close/v3.nupkg"}}
	robot := &fakeRobot{res: runner.Result{Status: "success", Stdout: "done"}}
	svc := NewService(&fakeSessions{}, Options{Records: records, Robot: robot})
	defer svc.Close(context.Background())

	run, err := svc.RunAutomation(context.Background(), "close-positions", map[string]any{"account": "40192"})
	if err != nil {
		t.Fatalf("RunAutomation() error = %v", err)
	}
	if run.Result.Status != "success" || robot.path != "close/v3.nupkg" {
		t.Fatalf("run = %+v, path = %q", run, robot.path)
	}
	if len(records.runs) != 1 || records.runs[0].Automation != "close-positions" || records.runs[0].Operation != "runner" {
		t.Fatalf("runs = %+v", records.runs)
	}

	if _, err := svc.RunAutomation(context.Background(), "missing", nil); codeOf(err) != cdpcontrol.CodeNotFound {
		t.Fatalf("RunAutomation(missing) error = %v; want NOT_FOUND", err)
	}
}

func TestRunAutomationRecordsRobotFailure(t *testing.T) {
	records := &fakeRecords{automation: store.Automation{Name: "report", Path: "/b/report.nupkg"}}
	robotErr := cdpcontrol.NewError(cdpcontrol.CodeRunnerFailure, "automation timed out after 5m0s", nil)
	svc := NewService(&fakeSessions{}, Options{Records: records, Robot: &fakeRobot{err: robotErr}})
	defer svc.Close(context.Background())

	if _, err := svc.RunAutomation(context.Background(), "report", nil); !errors.Is(err, robotErr) {
		t.Fatalf("RunAutomation() error = %v; want robot error", err)
	}
	if len(records.runs) != 1 || records.runs[0].Status != dispatch.StatusError {
		t.Fatalf("runs = %+v; want one error run", records.runs)
	}
}

func TestStoreDisabled(t *testing.T) {
	svc := NewService(&fakeSessions{}, Options{Robot: &fakeRobot{}})
	defer svc.Close(context.Background())

	if _, err := svc.ListAutomations(context.Background()); codeOf(err) != cdpcontrol.CodeStoreFailure {
		t.Fatalf("ListAutomations() error = %v; want STORE_FAILURE", err)
	}
	if _, err := svc.RunAutomation(context.Background(), "x", nil); codeOf(err) != cdpcontrol.CodeStoreFailure {
		t.Fatalf("RunAutomation() error = %v; want STORE_FAILURE", err)
	}
}

func TestSnapshotHookSavesScreenshot(t *testing.T) {
	snaps, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	page := drivertest.NewPage("tab-1", "https://app.ctrader.com/", nil)
	hook := SnapshotHook(snaps)

	ctx := WithRunID(context.Background(), "run-7")
	out := dispatch.FailedOutcome(orderRequest(), "order not placed", "", "blocked: market is closed")
	hook(ctx, page, orderRequest(), session.StateOperationDispatched, out)

	metas, err := snaps.List("trader1")
	if err != nil || len(metas) != 1 {
		t.Fatalf("List() = %v, %v; want one snapshot", metas, err)
	}
	m := metas[0]
	if m.RunID != "run-7" || m.State != "OPERATION_DISPATCHED" || m.Reason != "blocked: market is closed" {
		t.Fatalf("meta = %+v", m)
	}

	hook(ctx, nil, orderRequest(), session.StateContextReady, out)
	if metas, _ := snaps.List(""); len(metas) != 1 {
		t.Fatalf("nil page produced a snapshot")
	}
}

func TestCloseSessionRequiresIdentity(t *testing.T) {
	sessions := &fakeSessions{}
	svc := NewService(sessions, Options{})
	defer svc.Close(context.Background())

	if err := svc.CloseSession(context.Background(), " "); codeOf(err) != cdpcontrol.CodeValidation {
		t.Fatalf("CloseSession() error = %v; want VALIDATION", err)
	}
	if err := svc.CloseSession(context.Background(), " trader1 "); err != nil || len(sessions.closed) != 1 || sessions.closed[0] != "trader1" {
		t.Fatalf("CloseSession() = %v, closed = %v", err, sessions.closed)
	}
}
