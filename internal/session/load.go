package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/human"
	"github.com/dgnsrekt/ctrader_agent/internal/steps"
)

// landmark matches either the login affordance or the workspace, whichever
// state the platform renders.
func (m *Manager) landmark() driver.Chain {
	cat := m.cfg.Catalog
	var c driver.Chain
	c = append(c, cat.Chain(config.TargetDashboard)...)
	return append(c, cat.Chain(config.TargetLoginAffordance)...)
}

type loadTier struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// EnsurePageLoaded leaves a page that is already on the platform alone.
// Otherwise it escalates from navigate, to reload, to a keyboard-driven
// hard refresh, each tier waiting for the same landmark.
func (m *Manager) EnsurePageLoaded(ctx context.Context, page driver.Page, act *human.Actor, url string) error {
	cur, err := page.URL(ctx)
	if err != nil {
		return err
	}
	if m.cfg.URLMatch != "" && strings.Contains(cur, m.cfg.URLMatch) {
		slog.Debug("page already on platform, skipping navigation", "page_id", page.ID(), "url", cur)
		return nil
	}

	t := m.cfg.Catalog.Timeouts
	tiers := []loadTier{
		{"navigate", t.Navigate, func(ctx context.Context) error { return page.Navigate(ctx, url) }},
		{"reload", t.Reload, func(ctx context.Context) error { return page.Reload(ctx, false) }},
		{"hard_refresh", t.HardRefresh, func(ctx context.Context) error { return m.hardRefresh(ctx, page, act) }},
	}
	var lastErr error
	for _, tier := range tiers {
		err := tier.run(ctx)
		if err == nil {
			var el *driver.Element
			el, err = human.TryProbe(ctx, page, m.landmark(), tier.timeout)
			if err == nil && el != nil {
				slog.Info("page loaded", "page_id", page.ID(), "tier", tier.name)
				return nil
			}
			if err == nil {
				err = fmt.Errorf("no landmark within %s", tier.timeout)
			}
		}
		if driver.IsInfra(err) || ctx.Err() != nil {
			return err
		}
		slog.Warn("page load tier failed", "page_id", page.ID(), "tier", tier.name, "error", err)
		lastErr = err
	}
	return cdpcontrol.NewError(cdpcontrol.CodeNavigationFailed, "platform did not render after reload escalation", lastErr)
}

// hardRefresh focuses the document with a click on a neutral area, then
// sends Ctrl+Shift+R and a cache-bypassing reload.
func (m *Manager) hardRefresh(ctx context.Context, page driver.Page, act *human.Actor) error {
	focus, err := human.TryProbe(ctx, page, m.cfg.Catalog.Chain(config.TargetSafeFocus), m.cfg.Catalog.Timeouts.Probe)
	if err != nil {
		return err
	}
	if focus != nil {
		if err := act.Click(ctx, page, focus); err != nil {
			return err
		}
	} else {
		vp, err := page.Viewport(ctx)
		if err != nil {
			return err
		}
		if err := act.ClickAt(ctx, page, vp.Width/2, vp.Height-10, 1); err != nil {
			return err
		}
	}
	if err := act.Pause(ctx, human.Short); err != nil {
		return err
	}
	if err := act.Shortcut(ctx, page, "r", driver.ModCtrl|driver.ModShift); err != nil {
		return err
	}
	return page.Reload(ctx, true)
}

// EnsureLoggedIn logs in only when the login affordance shows up within a
// short probe; a persistent profile usually carries a valid session.
func (m *Manager) EnsureLoggedIn(ctx context.Context, f *steps.Flow, identity string, creds *dispatch.Credentials) (steps.Result, error) {
	t := m.cfg.Catalog.Timeouts
	need, err := f.Visible(ctx, config.TargetLoginAffordance, t.LoginProbe)
	if err != nil {
		return steps.Result{}, err
	}
	if !need {
		slog.Debug("login affordance absent, reusing profile session", "identity", identity)
		return steps.Result{Success: true, Message: "already logged in"}, nil
	}
	if creds == nil || creds.Password == "" {
		return steps.Result{Reason: "login required but no credentials were supplied"}, nil
	}

	res, err := f.Login(ctx, identity, creds.Password)
	if err != nil || !res.Success {
		return res, err
	}
	if err := f.Page().WaitNetworkIdle(ctx, t.NetworkQuiet, t.NetworkIdle); err != nil {
		if driver.IsInfra(err) || ctx.Err() != nil {
			return steps.Result{}, err
		}
		slog.Warn("network did not settle after login", "identity", identity, "error", err)
	}
	return res, nil
}
