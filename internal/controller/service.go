package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/events"
	"github.com/dgnsrekt/ctrader_agent/internal/notify"
	"github.com/dgnsrekt/ctrader_agent/internal/runner"
	"github.com/dgnsrekt/ctrader_agent/internal/session"
	"github.com/dgnsrekt/ctrader_agent/internal/snapshot"
	"github.com/dgnsrekt/ctrader_agent/internal/storage"
	"github.com/dgnsrekt/ctrader_agent/internal/store"
	"github.com/dgnsrekt/ctrader_agent/internal/worker"
	"github.com/google/uuid"
)

// TradeAutomation names trade runs in the run history.
const TradeAutomation = "ctrader"

// Sessions is the part of the session manager the service drives.
type Sessions interface {
	Execute(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)
	Count() int
	Sessions(ctx context.Context) []session.Info
	Close(ctx context.Context, identity string) error
}

// Records is the metadata store.
type Records interface {
	ListAutomations(ctx context.Context) ([]store.Automation, error)
	ResolveAutomation(ctx context.Context, ref string) (store.Automation, error)
	InsertRun(ctx context.Context, r store.Run) (store.Run, error)
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Robot runs non-browser automations.
type Robot interface {
	Run(ctx context.Context, path string, input map[string]any) (runner.Result, error)
}

// Options wires the optional collaborators. Nil fields disable the feature.
type Options struct {
	Pool      *worker.Pool[dispatch.Outcome]
	Records   Records
	Journal   *storage.Journal
	Webhook   *notify.Webhook
	Snapshots *snapshot.Store
	Robot     Robot
	Events    *events.Broker
}

// Service glues the HTTP surface to sessions, workers and records.
type Service struct {
	sessions Sessions
	pool     *worker.Pool[dispatch.Outcome]
	records  Records
	journal  *storage.Journal
	webhook  *notify.Webhook
	snaps    *snapshot.Store
	robot    Robot
	events   *events.Broker
}

func NewService(sessions Sessions, opts Options) *Service {
	pool := opts.Pool
	if pool == nil {
		pool = worker.New[dispatch.Outcome](worker.Config{})
	}
	return &Service{
		sessions: sessions,
		pool:     pool,
		records:  opts.Records,
		journal:  opts.Journal,
		webhook:  opts.Webhook,
		snaps:    opts.Snapshots,
		robot:    opts.Robot,
		events:   opts.Events,
	}
}

// TradeResult pairs an outcome with the id it was recorded under.
type TradeResult struct {
	RunID   string
	Outcome dispatch.Outcome
}

// Trade validates req, runs it on a worker within the operation budget and
// records the outcome. Only validation and shutdown are returned as errors;
// infrastructure faults come back as a status "error" outcome.
func (s *Service) Trade(ctx context.Context, req dispatch.Request) (TradeResult, error) {
	if err := ValidateRequest(req); err != nil {
		return TradeResult{}, err
	}
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Kind() == dispatch.Unspecified {
		slog.Warn("unknown operation routed to default", "identity", req.Identity, "operation", req.Operation)
	}

	runID := uuid.NewString()
	ctx = WithRunID(ctx, runID)
	started := time.Now()

	out, err := s.pool.Submit(ctx, req.Identity, func(jobCtx context.Context) (dispatch.Outcome, error) {
		return s.sessions.Execute(jobCtx, req)
	})
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrClosed):
		return TradeResult{}, cdpcontrol.NewError(cdpcontrol.CodeBusy, "controller is shutting down", err)
	case errors.Is(err, worker.ErrBudgetExceeded):
		out = dispatch.ErrorOutcome(req, "operation timed out", nil)
		out.Reason = worker.ErrBudgetExceeded.Error()
	case ctx.Err() != nil:
		slog.Warn("caller left before the outcome was ready", "identity", req.Identity, "run_id", runID)
		return TradeResult{}, ctx.Err()
	default:
		slog.Error("trade run failed", "identity", req.Identity, "run_id", runID, "operation", req.Operation, "error", err)
		if out.Status == "" {
			out = dispatch.ErrorOutcome(req, "session fault", err)
		}
	}

	s.record(ctx, runID, req, out, started)
	return TradeResult{RunID: runID, Outcome: out}, nil
}

func (s *Service) record(ctx context.Context, runID string, req dispatch.Request, out dispatch.Outcome, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	finished := time.Now()

	if s.journal != nil {
		if err := s.journal.Record(storage.Entry{Time: finished.UTC(), RunID: runID, Identity: req.Identity, State: out.Status, Outcome: out}); err != nil {
			slog.Warn("journal write failed", "run_id", runID, "error", err)
		}
	}
	if s.records != nil {
		_, err := s.records.InsertRun(ctx, store.Run{
			ID:         runID,
			Automation: TradeAutomation,
			Identity:   req.Identity,
			Operation:  req.Kind().String(),
			Status:     out.Status,
			Message:    out.Message,
			StartedAt:  started,
			FinishedAt: finished,
		})
		if err != nil {
			slog.Warn("run record failed", "run_id", runID, "error", err)
		}
	}
	if s.webhook != nil {
		hookCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := s.webhook.Notify(hookCtx, notify.Event{
			RunID:     runID,
			Identity:  req.Identity,
			Operation: req.Operation,
			Status:    out.Status,
			Message:   out.Message,
			Reason:    out.Reason,
			Warning:   out.Warning,
			Confirmed: out.Confirmed,
			Finished:  finished.UTC(),
		})
		if err != nil {
			slog.Warn("outcome webhook failed", "run_id", runID, "error", err)
		}
	}
	s.events.Publish(events.KindOutcome, req.Identity, struct {
		RunID    string           `json:"run_id"`
		Identity string           `json:"identity"`
		Outcome  dispatch.Outcome `json:"outcome"`
	}{runID, req.Identity, out})
	slog.Info("trade outcome", "run_id", runID, "identity", req.Identity, "operation", req.Operation,
		"status", out.Status, "confirmed", out.Confirmed, "duration_ms", finished.Sub(started).Milliseconds())
}

// Health is the liveness summary.
type Health struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	WorkersBusy int64  `json:"workers_busy"`
}

func (s *Service) Health(ctx context.Context) Health {
	return Health{Status: "ok", Sessions: s.sessions.Count(), WorkersBusy: s.pool.Busy()}
}

func (s *Service) ListSessions(ctx context.Context) []session.Info {
	return s.sessions.Sessions(ctx)
}

func (s *Service) CloseSession(ctx context.Context, identity string) error {
	if err := requireNonEmpty(identity, "identity"); err != nil {
		return err
	}
	return s.sessions.Close(ctx, strings.TrimSpace(identity))
}

func (s *Service) requireRecords() error {
	if s.records == nil {
		return cdpcontrol.NewError(cdpcontrol.CodeStoreFailure, "metadata store is disabled (DATABASE_URL is empty)", nil)
	}
	return nil
}

func storeErr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return cdpcontrol.NewError(cdpcontrol.CodeNotFound, what+" not found", err)
	}
	return cdpcontrol.NewError(cdpcontrol.CodeStoreFailure, "store query failed", err)
}

func (s *Service) ListAutomations(ctx context.Context) ([]store.Automation, error) {
	if err := s.requireRecords(); err != nil {
		return nil, err
	}
	list, err := s.records.ListAutomations(ctx)
	if err != nil {
		return nil, storeErr(err, "automations")
	}
	return list, nil
}

func (s *Service) GetAutomation(ctx context.Context, ref string) (store.Automation, error) {
	if err := s.requireRecords(); err != nil {
		return store.Automation{}, err
	}
	if err := requireNonEmpty(ref, "ref"); err != nil {
		return store.Automation{}, err
	}
	a, err := s.records.ResolveAutomation(ctx, ref)
	if err != nil {
		return store.Automation{}, storeErr(err, fmt.Sprintf("automation %q", strings.TrimSpace(ref)))
	}
	return a, nil
}

func (s *Service) RecentRuns(ctx context.Context, limit int) ([]store.Run, error) {
	if err := s.requireRecords(); err != nil {
		return nil, err
	}
	runs, err := s.records.RecentRuns(ctx, limit)
	if err != nil {
		return nil, storeErr(err, "runs")
	}
	return runs, nil
}

// AutomationRun is the result of one robot execution.
type AutomationRun struct {
	RunID      string           `json:"run_id"`
	Automation store.Automation `json:"automation"`
	Result     runner.Result    `json:"result"`
}

// RunAutomation resolves ref and runs it through the robot.
func (s *Service) RunAutomation(ctx context.Context, ref string, input map[string]any) (AutomationRun, error) {
	if s.robot == nil {
		return AutomationRun{}, cdpcontrol.NewError(cdpcontrol.CodeRunnerFailure, "robot runner is not configured", nil)
	}
	a, err := s.GetAutomation(ctx, ref)
	if err != nil {
		return AutomationRun{}, err
	}

	started := time.Now()
	res, runErr := s.robot.Run(ctx, a.Path, input)
	run := store.Run{
		ID:         uuid.NewString(),
		Automation: a.Name,
		Operation:  "runner",
		Status:     res.Status,
		Message:    res.Message,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if runErr != nil {
		run.Status = dispatch.StatusError
		run.Message = runErr.Error()
	}
	if _, err := s.records.InsertRun(context.WithoutCancel(ctx), run); err != nil {
		slog.Warn("run record failed", "run_id", run.ID, "automation", a.Name, "error", err)
	}
	if runErr != nil {
		return AutomationRun{}, runErr
	}
	return AutomationRun{RunID: run.ID, Automation: a, Result: res}, nil
}

func (s *Service) requireSnapshots() error {
	if s.snaps == nil {
		return cdpcontrol.NewError(cdpcontrol.CodeNotFound, "snapshot store is disabled", nil)
	}
	return nil
}

func (s *Service) ListSnapshots(ctx context.Context, identity string) ([]snapshot.Meta, error) {
	if err := s.requireSnapshots(); err != nil {
		return nil, err
	}
	return s.snaps.List(strings.TrimSpace(identity))
}

func (s *Service) ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error) {
	if err := s.requireSnapshots(); err != nil {
		return nil, "", err
	}
	if err := requireNonEmpty(id, "snapshot_id"); err != nil {
		return nil, "", err
	}
	data, format, err := s.snaps.ReadImage(strings.TrimSpace(id))
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, "", cdpcontrol.NewError(cdpcontrol.CodeNotFound, "snapshot not found", err)
	}
	return data, format, err
}

// Close stops accepting work and waits for running jobs before flushing the
// journal.
func (s *Service) Close(ctx context.Context) error {
	err := s.pool.Close(ctx)
	if s.journal != nil {
		if jerr := s.journal.Close(); jerr != nil && err == nil {
			err = jerr
		}
	}
	return err
}
