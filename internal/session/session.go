// Package session owns the mapping from a trading identity to its browser
// profile and active tab, and runs one request through the full
// acquire, load, login, verify and dispatch cycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dgnsrekt/ctrader_agent/internal/browser"
	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/dispatch"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/human"
)

// Config is what the manager needs to reach the platform.
type Config struct {
	ProfilesRoot string
	BaseURL      string
	URLMatch     string
	Catalog      *config.Catalog
}

// FailureHook observes a non-successful run while the identity is still
// checked out. page is nil when no tab was reached.
type FailureHook func(ctx context.Context, page driver.Page, req dispatch.Request, state State, out dispatch.Outcome)

// StateObserver sees every state transition of a run.
type StateObserver func(identity string, from, to State)

// Option customizes a Manager.
type Option func(*Manager)

// WithActor sets the factory for the per-run input actor.
func WithActor(fn func() *human.Actor) Option {
	return func(m *Manager) { m.newActor = fn }
}

// WithDispatcher replaces the operation dispatcher.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// WithFailureHook registers fn for failed and errored runs.
func WithFailureHook(fn FailureHook) Option {
	return func(m *Manager) { m.onFailure = fn }
}

// WithStateObserver registers fn for state transitions. fn runs on the
// request goroutine and must not block.
func WithStateObserver(fn StateObserver) Option {
	return func(m *Manager) { m.observe = fn }
}

// Session is a checked-out context and its tracked tab.
type Session struct {
	Identity string
	Context  driver.Context
	Page     driver.Page
}

type entry struct {
	identity string
	ctx      driver.Context
	page     driver.Page
	created  time.Time
	seq      uint64
}

// Info describes one registry entry.
type Info struct {
	Identity  string    `json:"identity"`
	Alive     bool      `json:"alive"`
	Busy      bool      `json:"busy"`
	PageID    string    `json:"page_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager is the session registry. Each identity has its own lock, so
// requests for different identities run in parallel while requests for the
// same identity are strictly serialized.
type Manager struct {
	drv        driver.Driver
	cfg        Config
	newActor   func() *human.Actor
	dispatcher *dispatch.Dispatcher
	onFailure  FailureHook
	observe    StateObserver

	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*semaphore.Weighted
	seq     uint64
}

// New returns an empty registry backed by drv.
func New(drv driver.Driver, cfg Config, opts ...Option) (*Manager, error) {
	if drv == nil {
		return nil, errors.New("session: driver is required")
	}
	if cfg.Catalog == nil {
		cat, err := config.DefaultCatalog()
		if err != nil {
			return nil, err
		}
		cfg.Catalog = cat
	}
	m := &Manager{
		drv:     drv,
		cfg:     cfg,
		entries: make(map[string]*entry),
		locks:   make(map[string]*semaphore.Weighted),
	}
	m.newActor = func() *human.Actor { return human.New(cfg.Catalog.Timing) }
	m.dispatcher = dispatch.New()
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) lockFor(identity string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[identity]
	if !ok {
		l = semaphore.NewWeighted(1)
		m.locks[identity] = l
	}
	return l
}

// checkout blocks until identity is free or ctx ends.
func (m *Manager) checkout(ctx context.Context, identity string) (func(), error) {
	l := m.lockFor(identity)
	if err := l.Acquire(ctx, 1); err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeBusy, fmt.Sprintf("identity %s is busy", identity), err)
	}
	return func() { l.Release(1) }, nil
}

func (m *Manager) lookup(identity string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[identity]
}

// forget drops e if it is still the registered entry for its identity.
func (m *Manager) forget(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[e.identity]; ok && cur.seq == e.seq {
		delete(m.entries, e.identity)
	}
}

// discard closes e and removes it from the registry.
func (m *Manager) discard(e *entry) {
	m.forget(e)
	if err := e.ctx.Close(); err != nil {
		slog.Debug("closing discarded context failed", "identity", e.identity, "error", err)
	}
}

// AcquireSession returns the live context and tracked tab for identity,
// creating the context on first use or after it went stale.
func (m *Manager) AcquireSession(ctx context.Context, identity string) (*Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "identity is required", nil)
	}
	release, err := m.checkout(ctx, identity)
	if err != nil {
		return nil, err
	}
	defer release()
	e, err := m.contextFor(ctx, identity)
	if err != nil {
		return nil, err
	}
	page, err := m.resolvePage(ctx, e)
	if err != nil {
		return nil, err
	}
	return &Session{Identity: identity, Context: e.ctx, Page: page}, nil
}

// contextFor reuses the registered context while it is alive and otherwise
// launches a fresh one. The caller holds the identity lock.
func (m *Manager) contextFor(ctx context.Context, identity string) (*entry, error) {
	if e := m.lookup(identity); e != nil {
		if e.ctx.Alive(ctx) {
			return e, nil
		}
		slog.Warn("session context is stale, recreating", "identity", identity)
		m.discard(e)
	}

	dir, err := browser.ProfileDir(m.cfg.ProfilesRoot, identity)
	if err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "invalid identity", err)
	}
	if err := browser.PatchCleanExit(dir); err != nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeLaunchFailed, "prepare profile", err)
	}
	bctx, err := m.drv.Launch(ctx, identity, dir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.seq++
	e := &entry{identity: identity, ctx: bctx, created: time.Now(), seq: m.seq}
	m.entries[identity] = e
	m.mu.Unlock()

	bctx.OnClose(func() {
		slog.Info("session context closed out-of-band", "identity", identity)
		m.forget(e)
	})
	slog.Info("session context created", "identity", identity, "profile", dir)
	return e, nil
}

// resolvePage picks the tab to drive and brings it to the front. A tab
// destroyed during that call is replaced once.
func (m *Manager) resolvePage(ctx context.Context, e *entry) (driver.Page, error) {
	page := e.page
	if page == nil || page.Closed() {
		pages, err := e.ctx.Pages(ctx)
		if err != nil {
			return nil, err
		}
		page = nil
		for _, p := range pages {
			if !p.Closed() {
				page = p
				break
			}
		}
		if page == nil {
			if page, err = e.ctx.NewPage(ctx); err != nil {
				return nil, err
			}
		}
	}

	if err := page.BringToFront(ctx); err != nil {
		if !errors.Is(err, driver.ErrTargetClosed) {
			return nil, err
		}
		slog.Warn("tab closed while activating, opening a replacement", "identity", e.identity, "page_id", page.ID())
		if page, err = e.ctx.NewPage(ctx); err != nil {
			return nil, err
		}
		if err := page.BringToFront(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	e.page = page
	m.mu.Unlock()
	return page, nil
}

// Count returns the number of registered contexts.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sessions lists the registry. Entries that are checked out report Busy and
// are not touched.
func (m *Manager) Sessions(ctx context.Context) []Info {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		info := Info{Identity: e.identity, CreatedAt: e.created}
		l := m.lockFor(e.identity)
		if !l.TryAcquire(1) {
			info.Busy = true
			info.Alive = true
			out = append(out, info)
			continue
		}
		info.Alive = e.ctx.Alive(ctx)
		if e.page != nil && !e.page.Closed() {
			info.PageID = e.page.ID()
			info.URL, _ = e.page.URL(ctx)
		}
		l.Release(1)
		out = append(out, info)
	}
	return out
}

// Close shuts down the context for identity once it is free. Closing an
// unknown identity is a NOT_FOUND error.
func (m *Manager) Close(ctx context.Context, identity string) error {
	release, err := m.checkout(ctx, identity)
	if err != nil {
		return err
	}
	defer release()
	e := m.lookup(identity)
	if e == nil {
		return cdpcontrol.NewError(cdpcontrol.CodeNotFound, fmt.Sprintf("no session for %s", identity), nil)
	}
	m.discard(e)
	slog.Info("session closed", "identity", identity)
	return nil
}

// CloseAll closes every registered context. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		m.discard(e)
	}
}
