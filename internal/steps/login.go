package steps

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/human"
)

// Login opens the login panel, submits credentials and waits for the
// workspace. A visible error message fails the step; so does the absence of
// the dashboard landmark once the error window has passed.
func (f *Flow) Login(ctx context.Context, identity, password string) (Result, error) {
	return f.guard(ctx, "login", func() (Result, error) {
		if identity == "" || password == "" {
			return failed("login required but no credentials supplied"), nil
		}
		t := f.cat.Timeouts

		if el, err := f.probe(ctx, config.TargetLoginAffordance, t.Probe); err != nil {
			return Result{}, err
		} else if el != nil {
			if err := f.act.Click(ctx, f.page, el); err != nil {
				return Result{}, err
			}
			if err := f.act.Pause(ctx, human.Medium); err != nil {
				return Result{}, err
			}
		}

		// The panel may open on the sign-up tab.
		if tab, err := f.probe(ctx, config.TargetLoginTab, t.Probe); err != nil {
			return Result{}, err
		} else if tab != nil {
			if err := f.act.Click(ctx, f.page, tab); err != nil {
				return Result{}, err
			}
			if err := f.act.Pause(ctx, human.Short); err != nil {
				return Result{}, err
			}
		}

		if err := f.fillTarget(ctx, config.TargetIdentityInput, identity, t.Field); err != nil {
			return Result{}, err
		}
		if err := f.fillTarget(ctx, config.TargetPasswordInput, password, t.Field); err != nil {
			return Result{}, err
		}
		if err := f.clickTarget(ctx, config.TargetLoginSubmit, t.Field, human.Medium); err != nil {
			return Result{}, err
		}
		return f.awaitLogin(ctx)
	})
}

// awaitLogin watches for an error message and the dashboard together during
// the error window, then keeps waiting for the dashboard alone.
func (f *Flow) awaitLogin(ctx context.Context) (Result, error) {
	t := f.cat.Timeouts
	errDeadline := time.Now().Add(t.LoginError)
	deadline := time.Now().Add(t.Dashboard)
	if errDeadline.After(deadline) {
		deadline = errDeadline
	}
	for {
		if time.Now().Before(errDeadline) {
			msg, err := f.probe(ctx, config.TargetLoginError, 0)
			if err != nil {
				return Result{}, err
			}
			if msg != nil {
				slog.Warn("login rejected", "message", msg.Text)
				return failed("login failed: %s", strings.TrimSpace(msg.Text)), nil
			}
		}
		dash, err := f.probe(ctx, config.TargetDashboard, 0)
		if err != nil {
			return Result{}, err
		}
		if dash != nil {
			return Result{Success: true, Confirmed: true, Message: "logged in"}, nil
		}
		if !time.Now().Before(deadline) {
			return failed("login not confirmed: dashboard did not appear"), nil
		}
		if err := sleep(ctx, 200*time.Millisecond); err != nil {
			return Result{}, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isNotFound reports an expected miss from WaitFor.
func isNotFound(err error) bool {
	return errors.Is(err, human.ErrNotFound)
}
