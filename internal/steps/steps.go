// Package steps holds the page procedures for the trading platform: login,
// account verification, order entry, submission and pending-order edits.
//
// Every step is bounded. Expected misses come back as a failed Result; only
// faults that make the tab or browser unusable are returned as errors.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/human"
)

// Result is the structured outcome of a step.
type Result struct {
	Success   bool
	Confirmed bool
	Message   string
	Reason    string
	Warning   string
}

func failed(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Order carries the order parameters as supplied by the caller.
type Order struct {
	Symbol     string
	Direction  string
	Amount     string
	TakeProfit string
	StopLoss   string
}

// Flow runs steps against one page.
type Flow struct {
	page driver.Page
	act  *human.Actor
	cat  *config.Catalog
}

// NewFlow binds a page to an actor and a locator catalog.
func NewFlow(page driver.Page, act *human.Actor, cat *config.Catalog) *Flow {
	return &Flow{page: page, act: act, cat: cat}
}

// Page returns the page the flow drives.
func (f *Flow) Page() driver.Page { return f.page }

// Actor returns the flow's input actor.
func (f *Flow) Actor() *human.Actor { return f.act }

// Catalog returns the locator catalog.
func (f *Flow) Catalog() *config.Catalog { return f.cat }

// fatal reports whether err must escape the step boundary.
func fatal(ctx context.Context, err error) bool {
	return driver.IsInfra(err) || ctx.Err() != nil
}

// guard runs fn, converting panics and page-level errors into a failed
// Result. Infrastructure faults and context expiry pass through.
func (f *Flow) guard(ctx context.Context, name string, fn func() (Result, error)) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("step panicked", "step", name, "panic", r)
			res, err = failed("%s: unexpected fault: %v", name, r), nil
		}
	}()
	res, err = fn()
	if err == nil {
		return res, nil
	}
	if fatal(ctx, err) {
		return Result{}, err
	}
	slog.Warn("step failed", "step", name, "error", err)
	return failed("%s: %v", name, err), nil
}

func (f *Flow) chain(target string) driver.Chain {
	return f.cat.Chain(target)
}

func (f *Flow) probe(ctx context.Context, target string, timeout time.Duration) (*driver.Element, error) {
	return human.TryProbe(ctx, f.page, f.chain(target), timeout)
}

func (f *Flow) wait(ctx context.Context, target string, timeout time.Duration) (*driver.Element, error) {
	return human.WaitFor(ctx, f.page, target, f.chain(target), timeout)
}

func (f *Flow) waitText(ctx context.Context, target, text string, timeout time.Duration) (*driver.Element, error) {
	return human.WaitFor(ctx, f.page, target, f.chain(target).WithText(text), timeout)
}

// clickTarget waits for target and clicks it, then pauses.
func (f *Flow) clickTarget(ctx context.Context, target string, timeout time.Duration, after human.Class) error {
	el, err := f.wait(ctx, target, timeout)
	if err != nil {
		return err
	}
	if err := f.act.Click(ctx, f.page, el); err != nil {
		return err
	}
	return f.act.Pause(ctx, after)
}

// fillTarget waits for target and replaces its value.
func (f *Flow) fillTarget(ctx context.Context, target, value string, timeout time.Duration) error {
	el, err := f.wait(ctx, target, timeout)
	if err != nil {
		return err
	}
	if err := f.act.Fill(ctx, f.page, el, value); err != nil {
		return err
	}
	return f.act.Pause(ctx, human.Short)
}

// Visible reports whether target shows up within timeout.
func (f *Flow) Visible(ctx context.Context, target string, timeout time.Duration) (bool, error) {
	el, err := f.probe(ctx, target, timeout)
	return el != nil, err
}
