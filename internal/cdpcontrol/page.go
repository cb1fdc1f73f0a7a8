package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/ctrader_agent/internal/driver"
)

// transientHints are substrings in error causes that mean the target or its
// session went away underneath us.
var transientHints = []string{
	"target closed",
	"session closed",
	"no target with given id",
	"no session with given id",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, h := range transientHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

// Page drives one tab over a flattened CDP session.
type Page struct {
	browser *Browser
	id      target.ID

	mu        sync.Mutex
	sessionID string

	closed atomic.Bool

	netMu        sync.Mutex
	inflight     map[string]struct{}
	lastActivity time.Time
}

var _ driver.Page = (*Page)(nil)

func newPage(b *Browser, id target.ID) *Page {
	return &Page{browser: b, id: id, inflight: make(map[string]struct{}), lastActivity: time.Now()}
}

func (p *Page) ID() string { return string(p.id) }

func (p *Page) Closed() bool { return p.closed.Load() || !p.browser.cdp.connected() }

func (p *Page) markClosed() {
	if p.closed.CompareAndSwap(false, true) {
		slog.Debug("cdpcontrol page closed", "identity", p.browser.identity, "target_id", p.id)
	}
}

// session attaches lazily and enables the event domains once. p.mu is never
// held across a CDP round trip: the read loop takes it to route events.
func (p *Page) session(ctx context.Context) (string, error) {
	if p.Closed() {
		return "", newError(CodeTargetClosed, "page is closed", driver.ErrTargetClosed)
	}
	p.mu.Lock()
	sid := p.sessionID
	p.mu.Unlock()
	if sid != "" {
		return sid, nil
	}

	sid, err := p.browser.cdp.attachToTarget(ctx, p.id)
	if err != nil {
		return "", p.wrap("attach to target failed", err)
	}
	p.mu.Lock()
	p.sessionID = sid
	p.mu.Unlock()

	if err := p.browser.cdp.enableDomains(ctx, sid); err != nil {
		slog.Warn("cdpcontrol enable domains failed", "target_id", p.id, "error", err)
	}
	slog.Debug("cdpcontrol session attached", "target_id", p.id, "session_id", sid)
	return sid, nil
}

func (p *Page) resetSession() {
	p.mu.Lock()
	p.sessionID = ""
	p.mu.Unlock()
}

// wrap classifies a CDP error, marking the page closed when the target is gone.
func (p *Page) wrap(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeEvalTimeout, msg, err)
	}
	if isTransient(err) {
		lower := strings.ToLower(err.Error())
		if strings.Contains(lower, "no target") || strings.Contains(lower, "target closed") {
			p.markClosed()
		}
		p.resetSession()
		return newError(CodeTargetClosed, msg, errors.Join(driver.ErrTargetClosed, err))
	}
	return newError(CodeCDPUnavailable, msg, errors.Join(driver.ErrUnavailable, err))
}

func (p *Page) eval(ctx context.Context, js string, out any) error {
	sid, err := p.session(ctx)
	if err != nil {
		return err
	}
	evalCtx, cancel := context.WithTimeout(ctx, p.browser.evalTimeout)
	defer cancel()

	raw, err := p.browser.cdp.evaluate(evalCtx, sid, js)
	if err != nil {
		if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		if isTransient(err) {
			return p.wrap("evaluation failed", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}

	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "decode evaluation result", err)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	err := p.eval(ctx, jsLocation(), &u)
	return u, err
}

func (p *Page) BringToFront(ctx context.Context) error {
	if err := p.browser.cdp.activateTarget(ctx, p.id); err != nil {
		return p.wrap("activate target failed", err)
	}
	sid, err := p.session(ctx)
	if err != nil {
		return err
	}
	if err := p.browser.cdp.bringToFront(ctx, sid); err != nil {
		return p.wrap("bring to front failed", err)
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	sid, err := p.session(ctx)
	if err != nil {
		return err
	}
	p.touch()
	if err := p.browser.cdp.navigate(ctx, sid, url); err != nil {
		return p.wrap("navigate failed", err)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context, ignoreCache bool) error {
	sid, err := p.session(ctx)
	if err != nil {
		return err
	}
	p.touch()
	if err := p.browser.cdp.reload(ctx, sid, ignoreCache); err != nil {
		return p.wrap("reload failed", err)
	}
	return nil
}

// WaitNetworkIdle blocks until no request has been in flight for quiet.
func (p *Page) WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error {
	if _, err := p.session(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.netMu.Lock()
		idle := len(p.inflight) == 0 && time.Since(p.lastActivity) >= quiet
		p.netMu.Unlock()
		if idle {
			return nil
		}
		if p.Closed() {
			return newError(CodeTargetClosed, "page closed while waiting for network idle", driver.ErrTargetClosed)
		}
		select {
		case <-ctx.Done():
			return newError(CodeEvalTimeout, "network did not settle", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Page) touch() {
	p.netMu.Lock()
	p.lastActivity = time.Now()
	p.netMu.Unlock()
}

func (p *Page) requestStarted(id string) {
	p.netMu.Lock()
	p.inflight[id] = struct{}{}
	p.lastActivity = time.Now()
	p.netMu.Unlock()
}

func (p *Page) requestDone(id string) {
	p.netMu.Lock()
	delete(p.inflight, id)
	p.lastActivity = time.Now()
	p.netMu.Unlock()
}

func (p *Page) Query(ctx context.Context, sel driver.Selector) (*driver.Element, error) {
	var res struct {
		Found   bool            `json:"found"`
		Element *driver.Element `json:"element"`
	}
	if err := p.eval(ctx, jsQuery(sel), &res); err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, nil
	}
	return res.Element, nil
}

func (p *Page) State(ctx context.Context, ref string) (driver.ControlState, error) {
	var st driver.ControlState
	err := p.eval(ctx, jsState(ref), &st)
	return st, err
}

func (p *Page) TextAround(ctx context.Context, ref string, depth int) (string, error) {
	var s string
	err := p.eval(ctx, jsTextAround(ref, depth), &s)
	return s, err
}

func (p *Page) BodyText(ctx context.Context) (string, error) {
	var s string
	err := p.eval(ctx, jsBodyText(), &s)
	return s, err
}

func (p *Page) ScrollIntoView(ctx context.Context, ref string) error {
	return p.eval(ctx, jsScrollIntoView(ref), nil)
}

func (p *Page) Viewport(ctx context.Context) (driver.Rect, error) {
	var r driver.Rect
	err := p.eval(ctx, jsViewport(), &r)
	return r, err
}

func (p *Page) Mouse(ctx context.Context, ev driver.MouseEvent) error {
	sid, err := p.session(ctx)
	if err != nil {
		return err
	}
	if err := p.browser.cdp.dispatchMouse(ctx, sid, ev); err != nil {
		return p.wrap("failed to dispatch trusted mouse event", err)
	}
	return nil
}

func (p *Page) Key(ctx context.Context, ev driver.KeyEvent) error {
	sid, err := p.session(ctx)
	if err != nil {
		return err
	}
	if err := p.browser.cdp.dispatchKey(ctx, sid, ev); err != nil {
		return p.wrap("failed to dispatch trusted key event", err)
	}
	return nil
}

func (p *Page) InsertText(ctx context.Context, text string) error {
	sid, err := p.session(ctx)
	if err != nil {
		return err
	}
	if err := p.browser.cdp.insertText(ctx, sid, text); err != nil {
		return p.wrap("failed to insert text", err)
	}
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	sid, err := p.session(ctx)
	if err != nil {
		return nil, err
	}
	data, err := p.browser.cdp.captureScreenshot(ctx, sid)
	if err != nil {
		return nil, p.wrap("screenshot failed", err)
	}
	return data, nil
}
