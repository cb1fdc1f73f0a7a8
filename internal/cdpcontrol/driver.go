package cdpcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/browser"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/netutil"
)

// DriverConfig configures how execution contexts are started.
type DriverConfig struct {
	Browser     browser.Config // template; ProfileDir and CDPPort are set per launch
	PortBase    int
	PortSpan    int
	SharedURL   string // attach here instead of launching when set
	URLMatch    string
	EvalTimeout time.Duration
}

// Driver launches one browser per identity, or attaches to a shared one.
type Driver struct {
	cfg DriverConfig

	// launchMu keeps two launches from claiming the same free port.
	launchMu sync.Mutex
}

var _ driver.Driver = (*Driver)(nil)

func NewDriver(cfg DriverConfig) *Driver {
	if cfg.EvalTimeout < time.Second {
		cfg.EvalTimeout = time.Second
	}
	if cfg.Browser.CDPAddress == "" {
		cfg.Browser.CDPAddress = "127.0.0.1"
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Launch(ctx context.Context, identity, profileDir string) (driver.Context, error) {
	if d.cfg.SharedURL != "" {
		slog.Info("cdpcontrol attaching to shared browser", "identity", identity, "cdp_url", d.cfg.SharedURL)
		b, err := connectBrowser(ctx, identity, d.cfg.SharedURL, d.cfg.URLMatch, d.cfg.EvalTimeout, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	d.launchMu.Lock()
	defer d.launchMu.Unlock()

	port, err := netutil.FreePort(d.cfg.Browser.CDPAddress, d.cfg.PortBase, d.cfg.PortSpan)
	if err != nil {
		return nil, newError(CodeLaunchFailed, "no free CDP port", err)
	}
	cfg := d.cfg.Browser
	cfg.ProfileDir = profileDir
	cfg.CDPPort = port

	l := browser.NewLauncher(cfg)
	if err := l.Launch(ctx); err != nil {
		return nil, newError(CodeLaunchFailed, fmt.Sprintf("launch browser for %s", identity), err)
	}
	b, err := connectBrowser(ctx, identity, l.HTTPBase(), d.cfg.URLMatch, d.cfg.EvalTimeout, l.Stop)
	if err != nil {
		l.Stop()
		return nil, err
	}
	return b, nil
}
