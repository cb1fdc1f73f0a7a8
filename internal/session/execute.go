package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/steps"
)

// State is a node of the per-request acquisition state machine.
type State int

const (
	StateStart State = iota
	StateContextReady
	StatePageReady
	StateNavigated
	StateLoginChecked
	StateAccountVerified
	StateOperationDispatched
	StateDone
	StateError
)

var stateNames = [...]string{
	"START", "CONTEXT_READY", "PAGE_READY", "NAVIGATED", "LOGIN_CHECKED",
	"ACCOUNT_VERIFIED", "OPERATION_DISPATCHED", "DONE", "ERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// tracker records the last state reached for one run.
type tracker struct {
	identity string
	observe  StateObserver
	state    State
	// failedAt is the state the run was trying to reach when it failed.
	failedAt State
}

func (t *tracker) advance(to State) {
	slog.Info("session state", "identity", t.identity, "from", t.state, "to", to)
	t.notify(to)
	t.state = to
}

func (t *tracker) notify(to State) {
	if t.observe != nil {
		t.observe(t.identity, t.state, to)
	}
}

func (t *tracker) fail(err error, reason string) {
	t.failedAt = t.state + 1
	slog.Warn("session state", "identity", t.identity, "from", t.state, "to", StateError, "failed_at", t.failedAt, "reason", reason, "error", err)
	t.notify(StateError)
	t.state = StateError
}

// Execute runs req through the whole cycle with the identity checked out:
// acquire, load, login-or-skip, verify account, dispatch. Infrastructure and
// navigation faults come back as an error together with a status "error"
// outcome; business failures are only an outcome.
func (m *Manager) Execute(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Identity == "" {
		err := cdpcontrol.NewError(cdpcontrol.CodeValidation, "identity is required", nil)
		return dispatch.ErrorOutcome(req, "invalid request", err), err
	}
	release, err := m.checkout(ctx, req.Identity)
	if err != nil {
		return dispatch.ErrorOutcome(req, "session unavailable", err), err
	}
	defer release()

	t := &tracker{identity: req.Identity, observe: m.observe, failedAt: StateError}
	var page driver.Page
	out, err := m.run(ctx, t, req, &page)
	if err != nil {
		from := t.state
		t.fail(err, "infrastructure fault")
		if from == StateContextReady {
			m.purge(req.Identity)
		}
		out = dispatch.ErrorOutcome(req, errorMessage(t.failedAt), err)
	}
	if out.Status != dispatch.StatusSuccess && m.onFailure != nil {
		m.onFailure(ctx, page, req, t.failedAt, out)
	}
	return out, err
}

func (m *Manager) run(ctx context.Context, t *tracker, req dispatch.Request, page *driver.Page) (dispatch.Outcome, error) {
	e, err := m.contextFor(ctx, req.Identity)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	t.advance(StateContextReady)

	p, err := m.resolvePage(ctx, e)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	*page = p
	t.advance(StatePageReady)

	act := m.newActor()
	if err := m.EnsurePageLoaded(ctx, p, act, m.cfg.BaseURL); err != nil {
		return dispatch.Outcome{}, err
	}
	t.advance(StateNavigated)

	f := steps.NewFlow(p, act, m.cfg.Catalog)
	res, err := m.EnsureLoggedIn(ctx, f, req.Identity, req.Credentials)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if !res.Success {
		t.fail(nil, res.Reason)
		return dispatch.FailedOutcome(req, "login failed", res.Reason, res.Warning), nil
	}
	t.advance(StateLoginChecked)

	res, err = f.VerifyAccountSelection(ctx, req.Identity, req.AccountID)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if !res.Success {
		t.fail(nil, res.Reason)
		return dispatch.FailedOutcome(req, "account verification failed", res.Reason, res.Warning), nil
	}
	t.advance(StateAccountVerified)

	out, err := m.dispatcher.Dispatch(ctx, f, req)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	t.advance(StateOperationDispatched)
	if out.Status != dispatch.StatusSuccess {
		t.failedAt = StateOperationDispatched
	}
	t.advance(StateDone)
	return out, nil
}

// purge closes and forgets identity after its context could not yield a
// usable tab, so the next request launches a fresh one.
func (m *Manager) purge(identity string) {
	if e := m.lookup(identity); e != nil {
		slog.Warn("purging session after context failure", "identity", identity)
		m.discard(e)
	}
}

func errorMessage(at State) string {
	switch at {
	case StateContextReady:
		return "browser context unavailable"
	case StatePageReady:
		return "browser tab unavailable"
	case StateNavigated:
		return "platform failed to load"
	default:
		return "session fault"
	}
}

// IsNavigation reports whether err is a load escalation failure.
func IsNavigation(err error) bool {
	return cdpcontrol.HasCode(err, cdpcontrol.CodeNavigationFailed)
}
