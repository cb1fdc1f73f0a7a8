package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/ctrader_agent/internal/browser"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
)

// Browser is one execution context: a browser process (or a shared remote
// browser) reached through a single CDP connection.
type Browser struct {
	identity    string
	httpBase    string
	urlMatch    string
	evalTimeout time.Duration
	cdp         *rawCDP
	stop        func()

	mu       sync.Mutex
	pages    map[target.ID]*Page
	closeFns []func()
	closed   bool
	unsub    []func()
}

var _ driver.Context = (*Browser)(nil)

func connectBrowser(ctx context.Context, identity, httpBase, urlMatch string, evalTimeout time.Duration, stop func()) (*Browser, error) {
	b := &Browser{
		identity:    identity,
		httpBase:    httpBase,
		urlMatch:    urlMatch,
		evalTimeout: evalTimeout,
		cdp:         newRawCDP(httpBase),
		stop:        stop,
		pages:       make(map[target.ID]*Page),
	}
	b.cdp.onDisconnect = b.handleDisconnect

	if err := b.cdp.connect(ctx); err != nil {
		return nil, newError(CodeCDPUnavailable, "connect to CDP failed", errors.Join(driver.ErrUnavailable, err))
	}
	b.subscribe()
	if err := b.cdp.discoverTargets(ctx); err != nil {
		b.cdp.close()
		return nil, newError(CodeCDPUnavailable, "target discovery failed", errors.Join(driver.ErrUnavailable, err))
	}
	slog.Info("cdpcontrol browser connected", "identity", identity, "cdp_url", httpBase)
	return b, nil
}

func (b *Browser) subscribe() {
	b.unsub = append(b.unsub,
		b.cdp.registerEventHandler("Target.targetDestroyed", func(_ string, params json.RawMessage) {
			var ev struct {
				TargetID target.ID `json:"targetId"`
			}
			if json.Unmarshal(params, &ev) != nil {
				return
			}
			b.mu.Lock()
			p := b.pages[ev.TargetID]
			delete(b.pages, ev.TargetID)
			b.mu.Unlock()
			if p != nil {
				p.markClosed()
			}
		}),
		b.cdp.registerEventHandler("Target.detachedFromTarget", func(_ string, params json.RawMessage) {
			var ev struct {
				SessionID string `json:"sessionId"`
			}
			if json.Unmarshal(params, &ev) != nil {
				return
			}
			if p := b.pageBySession(ev.SessionID); p != nil {
				p.resetSession()
			}
		}),
		b.cdp.registerEventHandler("Network.requestWillBeSent", b.networkHandler(true)),
		b.cdp.registerEventHandler("Network.loadingFinished", b.networkHandler(false)),
		b.cdp.registerEventHandler("Network.loadingFailed", b.networkHandler(false)),
	)
}

func (b *Browser) networkHandler(start bool) func(string, json.RawMessage) {
	return func(sessionID string, params json.RawMessage) {
		var ev struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		p := b.pageBySession(sessionID)
		if p == nil {
			return
		}
		if start {
			p.requestStarted(ev.RequestID)
		} else {
			p.requestDone(ev.RequestID)
		}
	}
}

func (b *Browser) pageBySession(sessionID string) *Page {
	if sessionID == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pages {
		p.mu.Lock()
		match := p.sessionID == sessionID
		p.mu.Unlock()
		if match {
			return p
		}
	}
	return nil
}

func (b *Browser) handleDisconnect() {
	b.mu.Lock()
	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	fns := b.closeFns
	b.closeFns = nil
	wasClosed := b.closed
	b.closed = true
	b.mu.Unlock()

	for _, p := range pages {
		p.markClosed()
	}
	if !wasClosed {
		slog.Warn("cdpcontrol browser disconnected", "identity", b.identity)
	}
	for _, fn := range fns {
		fn()
	}
}

// Alive reports whether the CDP socket is up and the endpoint still answers.
func (b *Browser) Alive(ctx context.Context) bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || !b.cdp.connected() {
		return false
	}
	if _, err := b.cdp.version(ctx, time.Second); err != nil {
		slog.Debug("cdpcontrol liveness probe failed", "identity", b.identity, "error", err)
		return false
	}
	return true
}

func (b *Browser) page(id target.ID) *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pages[id]; ok && !p.closed.Load() {
		return p
	}
	p := newPage(b, id)
	b.pages[id] = p
	return p
}

// Pages lists open tabs, tabs on the platform first.
func (b *Browser) Pages(ctx context.Context) ([]driver.Page, error) {
	infos, err := browser.ListPageTargets(ctx, b.httpBase)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "list pages failed", errors.Join(driver.ErrUnavailable, err))
	}
	infos = browser.PreferMatching(infos, b.urlMatch)
	out := make([]driver.Page, 0, len(infos))
	for _, info := range infos {
		out = append(out, b.page(info.TargetID))
	}
	return out, nil
}

func (b *Browser) NewPage(ctx context.Context) (driver.Page, error) {
	id, err := b.cdp.createTarget(ctx, "about:blank")
	if err != nil {
		if isTransient(err) {
			return nil, newError(CodeTargetClosed, "create tab failed", errors.Join(driver.ErrTargetClosed, err))
		}
		return nil, newError(CodeCDPUnavailable, "create tab failed", errors.Join(driver.ErrUnavailable, err))
	}
	slog.Debug("cdpcontrol tab created", "identity", b.identity, "target_id", id)
	return b.page(id), nil
}

func (b *Browser) OnClose(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		go fn()
		return
	}
	b.closeFns = append(b.closeFns, fn)
}

// Close detaches and, for launched browsers, stops the process.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed && !b.cdp.connected() {
		b.mu.Unlock()
		return nil
	}
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	b.cdp.close()
	if b.stop != nil {
		b.stop()
	}
	return nil
}
