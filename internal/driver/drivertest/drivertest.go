// Package drivertest provides in-memory driver fakes. A fake Page holds
// nodes bound to catalog targets; a query hits a node when the selector is
// one of its target's candidates.
package drivertest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/driver"
)

// Node is one fake element.
type Node struct {
	Target string
	Text   string
	Box    driver.Rect
	Hidden bool
	State  driver.ControlState
	// Around is returned by TextAround.
	Around string
	Value  string

	// OnClick runs after a single click lands on the node.
	OnClick func(p *Page)
	// OnDoubleClick runs after a double click lands on the node.
	OnDoubleClick func(p *Page)

	ref          string
	removed      bool
	clicks       int
	doubleClicks int
}

// Ref returns the node's element ref.
func (n *Node) Ref() string { return n.ref }

// Page is a scriptable driver.Page.
type Page struct {
	mu      sync.Mutex
	id      string
	url     string
	closed  bool
	targets map[string]driver.Chain
	nodes   []*Node
	seq     int
	focused *Node
	selAll  bool
	pressed bool

	Body string

	// Hooks; nil means succeed.
	NavigateFn     func(p *Page, url string) error
	ReloadFn       func(p *Page, ignoreCache bool) error
	BringToFrontFn func(p *Page) error
	IdleFn         func(p *Page) error

	Navigations []string
	Reloads     []bool
	Keys        []driver.KeyEvent
	Mice        []driver.MouseEvent
	IdleWaits   int
}

var _ driver.Page = (*Page)(nil)

// NewPage returns a page whose nodes resolve against targets.
func NewPage(id, url string, targets map[string]driver.Chain) *Page {
	return &Page{id: id, url: url, targets: targets}
}

// Add appends a node and returns it.
func (p *Page) Add(n *Node) *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	n.ref = fmt.Sprintf("n%d", p.seq)
	if n.Box.Empty() {
		n.Box = driver.Rect{X: 10, Y: float64(40 * p.seq), Width: 120, Height: 30}
	}
	if !n.State.Present {
		n.State.Present = true
		n.State.Visible = !n.Hidden
		if n.State.Opacity == 0 {
			n.State.Opacity = 1
		}
		if n.State.PointerEvents == "" {
			n.State.PointerEvents = "auto"
		}
	}
	p.nodes = append(p.nodes, n)
	return n
}

// Remove detaches n from the page.
func (p *Page) Remove(n *Node) {
	p.mu.Lock()
	n.removed = true
	p.mu.Unlock()
}

// Show makes a hidden node visible.
func (p *Page) Show(n *Node) {
	p.mu.Lock()
	n.Hidden = false
	n.State.Visible = true
	p.mu.Unlock()
}

// Clicks returns how many single clicks landed on n.
func (p *Page) Clicks(n *Node) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return n.clicks
}

// DoubleClicks returns how many double clicks landed on n.
func (p *Page) DoubleClicks(n *Node) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return n.doubleClicks
}

// ValueOf returns the text typed into n.
func (p *Page) ValueOf(n *Node) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return n.Value
}

// Close marks the page closed.
func (p *Page) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// SetURL changes the current address without a navigation record.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

func (p *Page) ID() string { return p.id }

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) alive() error {
	if p.Closed() {
		return fmt.Errorf("page %s: %w", p.id, driver.ErrTargetClosed)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) BringToFront(ctx context.Context) error {
	if err := p.alive(); err != nil {
		return err
	}
	if p.BringToFrontFn != nil {
		return p.BringToFrontFn(p)
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.alive(); err != nil {
		return err
	}
	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	p.url = url
	fn := p.NavigateFn
	p.mu.Unlock()
	if fn != nil {
		return fn(p, url)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context, ignoreCache bool) error {
	if err := p.alive(); err != nil {
		return err
	}
	p.mu.Lock()
	p.Reloads = append(p.Reloads, ignoreCache)
	fn := p.ReloadFn
	p.mu.Unlock()
	if fn != nil {
		return fn(p, ignoreCache)
	}
	return nil
}

func (p *Page) WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error {
	if err := p.alive(); err != nil {
		return err
	}
	p.mu.Lock()
	p.IdleWaits++
	fn := p.IdleFn
	p.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return nil
}

// matches reports whether sel is one of n's target candidates. A candidate
// written with the {text} placeholder matches any text the node contains.
func (p *Page) matches(n *Node, sel driver.Selector) bool {
	for _, cand := range p.targets[n.Target] {
		if cand.Text == "{text}" || cand.Near == "{text}" {
			want := sel.Text
			if cand.Near == "{text}" {
				want = sel.Near
			}
			c := cand
			c.Text, c.Near = sel.Text, sel.Near
			if sel.Pattern != "" {
				c.Pattern = sel.Pattern
			}
			if c == sel && want != "" && strings.Contains(strings.ToLower(n.Text), strings.ToLower(want)) && patternMatches(sel.Pattern, n.Text) {
				return true
			}
			continue
		}
		if cand == sel && patternMatches(sel.Pattern, n.Text) {
			return true
		}
	}
	return false
}

func patternMatches(pattern, text string) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile("(?i)" + pattern)
	return err == nil && re.MatchString(text)
}

func (p *Page) Query(ctx context.Context, sel driver.Selector) (*driver.Element, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.HasPrefix(sel.CSS, "[data-cta-ref=") {
		for _, n := range p.nodes {
			if !n.removed && strings.Contains(sel.CSS, `"`+n.ref+`"`) {
				return p.element(n), nil
			}
		}
		return nil, nil
	}
	var hidden *Node
	for _, n := range p.nodes {
		if n.removed || !p.matches(n, sel) {
			continue
		}
		if !n.Hidden {
			return p.element(n), nil
		}
		if hidden == nil {
			hidden = n
		}
	}
	if hidden != nil {
		return p.element(hidden), nil
	}
	return nil, nil
}

func (p *Page) element(n *Node) *driver.Element {
	return &driver.Element{Ref: n.ref, Box: n.Box, Text: n.Text, Visible: !n.Hidden}
}

func (p *Page) byRef(ref string) *Node {
	for _, n := range p.nodes {
		if n.ref == ref && !n.removed {
			return n
		}
	}
	return nil
}

func (p *Page) State(ctx context.Context, ref string) (driver.ControlState, error) {
	if err := p.alive(); err != nil {
		return driver.ControlState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.byRef(ref)
	if n == nil {
		return driver.ControlState{}, nil
	}
	st := n.State
	st.Visible = !n.Hidden
	return st, nil
}

func (p *Page) TextAround(ctx context.Context, ref string, depth int) (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.byRef(ref); n != nil {
		if n.Around != "" {
			return n.Around, nil
		}
		return n.Text, nil
	}
	return "", nil
}

func (p *Page) BodyText(ctx context.Context) (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Body, nil
}

func (p *Page) ScrollIntoView(ctx context.Context, ref string) error {
	return p.alive()
}

func (p *Page) Viewport(ctx context.Context) (driver.Rect, error) {
	if err := p.alive(); err != nil {
		return driver.Rect{}, err
	}
	return driver.Rect{Width: 4000, Height: 4000}, nil
}

// Mouse lands releases on the topmost visible node under the pointer.
func (p *Page) Mouse(ctx context.Context, ev driver.MouseEvent) error {
	if err := p.alive(); err != nil {
		return err
	}
	p.mu.Lock()
	p.Mice = append(p.Mice, ev)
	var hit *Node
	switch ev.Type {
	case driver.MousePressed:
		p.pressed = true
	case driver.MouseReleased:
		if p.pressed {
			for i := len(p.nodes) - 1; i >= 0; i-- {
				n := p.nodes[i]
				if n.removed || n.Hidden {
					continue
				}
				b := n.Box
				if ev.X >= b.X && ev.X <= b.X+b.Width && ev.Y >= b.Y && ev.Y <= b.Y+b.Height {
					hit = n
					break
				}
			}
		}
		p.pressed = false
	}
	var hook func(*Page)
	if hit != nil {
		p.focused = hit
		p.selAll = false
		if ev.ClickCount >= 2 {
			hit.doubleClicks++
			hook = hit.OnDoubleClick
		} else {
			hit.clicks++
			hook = hit.OnClick
		}
	}
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

// Key types into the focused node; Ctrl+A then Backspace clears it.
func (p *Page) Key(ctx context.Context, ev driver.KeyEvent) error {
	if err := p.alive(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Keys = append(p.Keys, ev)
	if ev.Type != driver.KeyDown || p.focused == nil {
		return nil
	}
	switch {
	case ev.Modifiers&driver.ModCtrl != 0 && ev.Key == "a":
		p.selAll = true
	case ev.Key == "Backspace":
		if p.selAll {
			p.focused.Value = ""
			p.selAll = false
		} else if r := []rune(p.focused.Value); len(r) > 0 {
			p.focused.Value = string(r[:len(r)-1])
		}
	case ev.Text != "":
		if p.selAll {
			p.focused.Value = ""
			p.selAll = false
		}
		p.focused.Value += ev.Text
	}
	return nil
}

func (p *Page) InsertText(ctx context.Context, text string) error {
	if err := p.alive(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.focused != nil {
		p.focused.Value += text
	}
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), nil
}

// Context is a fake execution context.
type Context struct {
	mu       sync.Mutex
	pages    []driver.Page
	dead     bool
	closeFns []func()
	closed   int

	// NewPageFn builds tabs for NewPage; nil makes an empty fake page.
	NewPageFn func() driver.Page
	NewPages  int
}

var _ driver.Context = (*Context)(nil)

// NewContext returns a live context holding pages.
func NewContext(pages ...driver.Page) *Context {
	return &Context{pages: pages}
}

// Kill simulates the browser dying out-of-band and fires close callbacks.
func (c *Context) Kill() {
	c.mu.Lock()
	c.dead = true
	fns := c.closeFns
	c.closeFns = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Disconnect marks the context dead without firing callbacks.
func (c *Context) Disconnect() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

// Closes returns how many times Close was called.
func (c *Context) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) Alive(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *Context) Pages(ctx context.Context) ([]driver.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil, driver.ErrTargetClosed
	}
	var out []driver.Page
	for _, p := range c.pages {
		if !p.Closed() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Context) NewPage(ctx context.Context) (driver.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil, driver.ErrTargetClosed
	}
	c.NewPages++
	var p driver.Page
	if c.NewPageFn != nil {
		p = c.NewPageFn()
	} else {
		p = NewPage(fmt.Sprintf("new-%d", c.NewPages), "about:blank", nil)
	}
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *Context) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeFns = append(c.closeFns, fn)
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.dead = true
	return nil
}

// Driver counts launches and hands out contexts from Factory.
type Driver struct {
	Factory func(identity, profileDir string) (driver.Context, error)
	// Delay widens the window for racing launches.
	Delay time.Duration

	launches atomic.Int64
	mu       sync.Mutex
	byID     map[string]int
}

var _ driver.Driver = (*Driver)(nil)

func (d *Driver) Launch(ctx context.Context, identity, profileDir string) (driver.Context, error) {
	d.launches.Add(1)
	d.mu.Lock()
	if d.byID == nil {
		d.byID = make(map[string]int)
	}
	d.byID[identity]++
	d.mu.Unlock()
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}
	if d.Factory == nil {
		return NewContext(), nil
	}
	return d.Factory(identity, profileDir)
}

// Launches returns the total launch count.
func (d *Driver) Launches() int { return int(d.launches.Load()) }

// LaunchesFor returns the launch count for one identity.
func (d *Driver) LaunchesFor(identity string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byID[identity]
}
