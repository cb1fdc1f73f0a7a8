// Package driver defines the browser surface the session engine drives.
//
// The cdpcontrol package implements it over a raw CDP connection; tests
// implement it with in-memory fakes.
package driver

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrTargetClosed reports that the tab or browser behind a handle is gone.
	ErrTargetClosed = errors.New("target closed")
	// ErrUnavailable reports that the browser endpoint cannot be reached.
	ErrUnavailable = errors.New("browser unavailable")
)

// IsInfra reports whether err means the browser or tab is unusable, as
// opposed to a page that merely did not look as expected.
func IsInfra(err error) bool {
	return errors.Is(err, ErrTargetClosed) || errors.Is(err, ErrUnavailable)
}

// Driver starts execution contexts bound to a profile directory.
type Driver interface {
	Launch(ctx context.Context, identity, profileDir string) (Context, error)
}

// Context is one persistent browser profile with its tabs.
type Context interface {
	Alive(ctx context.Context) bool
	Pages(ctx context.Context) ([]Page, error)
	NewPage(ctx context.Context) (Page, error)
	// OnClose registers fn to run once when the browser goes away out-of-band.
	OnClose(fn func())
	Close() error
}

// Page is one tab.
type Page interface {
	ID() string
	Closed() bool
	URL(ctx context.Context) (string, error)
	BringToFront(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context, ignoreCache bool) error
	WaitNetworkIdle(ctx context.Context, quiet, timeout time.Duration) error

	// Query resolves sel once. A miss returns (nil, nil).
	Query(ctx context.Context, sel Selector) (*Element, error)
	State(ctx context.Context, ref string) (ControlState, error)
	// TextAround returns the visible text of the ref's ancestor depth levels up.
	TextAround(ctx context.Context, ref string, depth int) (string, error)
	BodyText(ctx context.Context) (string, error)
	ScrollIntoView(ctx context.Context, ref string) error

	Mouse(ctx context.Context, ev MouseEvent) error
	Key(ctx context.Context, ev KeyEvent) error
	InsertText(ctx context.Context, text string) error
	Viewport(ctx context.Context) (Rect, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Selector is one candidate locator. CSS narrows the candidate set, the text
// filters match against visible text, value and placeholder, then the
// structural hops apply to the chosen match.
type Selector struct {
	CSS     string `yaml:"css,omitempty" json:"css,omitempty"`
	Text    string `yaml:"text,omitempty" json:"text,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Exact   bool   `yaml:"exact,omitempty" json:"exact,omitempty"`
	Index   int    `yaml:"index,omitempty" json:"index,omitempty"`
	Parent  int    `yaml:"parent,omitempty" json:"parent,omitempty"`
	Sibling int    `yaml:"sibling,omitempty" json:"sibling,omitempty"`
	// Near names a label; the first input following that label is returned.
	Near string `yaml:"near,omitempty" json:"near,omitempty"`
}

// With returns a copy of s with Text replaced.
func (s Selector) With(text string) Selector {
	s.Text = text
	return s
}

// Chain is an ordered fallback list of selectors for one logical target.
type Chain []Selector

// WithText returns a copy of c where every candidate that uses the {text}
// placeholder gets text substituted.
func (c Chain) WithText(text string) Chain {
	out := make(Chain, len(c))
	for i, s := range c {
		if s.Text == "{text}" {
			s.Text = text
		}
		if s.Near == "{text}" {
			s.Near = text
		}
		out[i] = s
	}
	return out
}

// WithToken is WithText where the substituted text must also stand alone:
// no letter or digit may touch it on either side, so "4019" does not match
// "40192".
func (c Chain) WithToken(text string) Chain {
	out := c.WithText(text)
	pattern := `(^|[^A-Za-z0-9])` + regexp.QuoteMeta(text) + `($|[^A-Za-z0-9])`
	for i := range out {
		if c[i].Text == "{text}" {
			out[i].Pattern = pattern
		}
	}
	return out
}

// Rect is a box in CSS pixels relative to the viewport.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of r.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Element is a resolved DOM node. Ref stays valid until the node is replaced.
type Element struct {
	Ref     string `json:"ref"`
	Box     Rect   `json:"box"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

// ControlState is the computed interactivity of a control.
type ControlState struct {
	Present       bool     `json:"present"`
	Visible       bool     `json:"visible"`
	Classes       []string `json:"classes"`
	Opacity       float64  `json:"opacity"`
	PointerEvents string   `json:"pointer_events"`
	AriaDisabled  bool     `json:"aria_disabled"`
	Disabled      bool     `json:"disabled"`
}

// Mouse event types.
const (
	MouseMoved    = "mouseMoved"
	MousePressed  = "mousePressed"
	MouseReleased = "mouseReleased"
)

// MouseEvent is a trusted pointer event.
type MouseEvent struct {
	Type       string
	X, Y       float64
	ClickCount int
}

// Key event types.
const (
	KeyDown = "keyDown"
	KeyUp   = "keyUp"
	KeyChar = "char"
)

// Modifier bits.
const (
	ModAlt   = 1
	ModCtrl  = 2
	ModMeta  = 4
	ModShift = 8
)

// KeyEvent is a trusted keyboard event.
type KeyEvent struct {
	Type      string
	Key       string
	Code      string
	Text      string
	KeyCode   int
	Modifiers int
}
