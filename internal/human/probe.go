package human

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/driver"
)

// ErrNotFound is returned by WaitFor when no candidate became visible.
var ErrNotFound = errors.New("element not found")

const probeInterval = 100 * time.Millisecond

// TryProbe polls the chain until a candidate resolves to a visible element
// or timeout elapses. A miss returns (nil, nil); only page faults are errors.
func TryProbe(ctx context.Context, page driver.Page, chain driver.Chain, timeout time.Duration) (*driver.Element, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, sel := range chain {
			el, err := page.Query(ctx, sel)
			if err != nil {
				return nil, err
			}
			if el != nil && el.Visible {
				return el, nil
			}
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		wait := probeInterval
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// WaitFor is TryProbe that treats a miss as ErrNotFound naming the target.
func WaitFor(ctx context.Context, page driver.Page, name string, chain driver.Chain, timeout time.Duration) (*driver.Element, error) {
	el, err := TryProbe(ctx, page, chain, timeout)
	if err != nil {
		return nil, err
	}
	if el == nil {
		slog.Debug("probe missed", "target", name, "timeout", timeout)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return el, nil
}
