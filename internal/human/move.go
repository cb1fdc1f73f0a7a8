package human

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/driver"
)

const (
	minSteps     = 15
	maxSteps     = 35
	controlX     = 100.0
	controlY     = 80.0
	pathJitter   = 1.5
	landJitterX  = 5.0
	landJitterY  = 3.0
	minStepDelay = 3 * time.Millisecond
	maxStepDelay = 12 * time.Millisecond
)

type point struct{ X, Y float64 }

func cubic(p0, p1, p2, p3 point, t float64) point {
	u := 1 - t
	a, b, c, d := u*u*u, 3*u*u*t, 3*u*t*t, t*t*t
	return point{
		X: a*p0.X + b*p1.X + c*p2.X + d*p3.X,
		Y: a*p0.Y + b*p1.Y + c*p2.Y + d*p3.Y,
	}
}

// path plans a cubic Bezier from the cursor to (x, y). Progress follows a
// sine ease so the pointer accelerates out and settles in.
func (a *Actor) path(x, y float64) []point {
	a.mu.Lock()
	if !a.hasCursor {
		a.cursorX = 100 + a.rng.Float64()*300
		a.cursorY = 100 + a.rng.Float64()*200
		a.hasCursor = true
	}
	start := point{a.cursorX, a.cursorY}
	a.mu.Unlock()

	end := point{x, y}
	c1 := point{
		X: start.X + (end.X-start.X)*a.uniform(0.2, 0.4) + a.uniform(-controlX, controlX),
		Y: start.Y + (end.Y-start.Y)*a.uniform(0.2, 0.4) + a.uniform(-controlY, controlY),
	}
	c2 := point{
		X: start.X + (end.X-start.X)*a.uniform(0.6, 0.8) + a.uniform(-controlX, controlX),
		Y: start.Y + (end.Y-start.Y)*a.uniform(0.6, 0.8) + a.uniform(-controlY, controlY),
	}

	steps := a.intn(minSteps, maxSteps)
	out := make([]point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		eased := (1 - math.Cos(math.Pi*t)) / 2
		p := cubic(start, c1, c2, end, eased)
		if i < steps {
			p.X += a.drift() * pathJitter
			p.Y += a.uniform(-pathJitter, pathJitter)
		}
		out = append(out, p)
	}
	return out
}

// drift samples smooth noise in [-1, 1] so neighbouring steps wobble together.
func (a *Actor) drift() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.noiseT += 0.15
	v := a.noise.Noise1D(a.noiseT) * 2
	return math.Max(-1, math.Min(1, v))
}

// MoveTo glides the pointer to (x, y).
func (a *Actor) MoveTo(ctx context.Context, page driver.Page, x, y float64) error {
	pts := a.path(x, y)
	for i, p := range pts {
		if err := page.Mouse(ctx, driver.MouseEvent{Type: driver.MouseMoved, X: p.X, Y: p.Y}); err != nil {
			return err
		}
		a.mu.Lock()
		a.cursorX, a.cursorY = p.X, p.Y
		a.mu.Unlock()

		t := float64(i+1) / float64(len(pts))
		slow := 1 - math.Sin(math.Pi*t)
		d := minStepDelay + time.Duration(slow*float64(maxStepDelay-minStepDelay))
		if err := a.sleep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// landing picks a point near the centre of box, kept inside it.
func (a *Actor) landing(box driver.Rect) (float64, float64) {
	cx, cy := box.Center()
	x := cx + a.uniform(-landJitterX, landJitterX)
	y := cy + a.uniform(-landJitterY, landJitterY)
	x = math.Max(box.X+1, math.Min(box.X+box.Width-1, x))
	y = math.Max(box.Y+1, math.Min(box.Y+box.Height-1, y))
	return x, y
}

// refCSS addresses a previously resolved element.
func refCSS(ref string) string {
	return `[data-cta-ref=` + strconv.Quote(ref) + `]`
}

// locate scrolls el into view when it sits outside the viewport and returns
// its current box.
func (a *Actor) locate(ctx context.Context, page driver.Page, el *driver.Element) (driver.Rect, error) {
	vp, err := page.Viewport(ctx)
	if err != nil {
		return driver.Rect{}, err
	}
	box := el.Box
	inside := box.X >= vp.X && box.Y >= vp.Y &&
		box.X+box.Width <= vp.X+vp.Width && box.Y+box.Height <= vp.Y+vp.Height
	if inside && !box.Empty() {
		return box, nil
	}
	if err := page.ScrollIntoView(ctx, el.Ref); err != nil {
		return driver.Rect{}, err
	}
	if err := a.Pause(ctx, Short); err != nil {
		return driver.Rect{}, err
	}
	fresh, err := page.Query(ctx, driver.Selector{CSS: refCSS(el.Ref)})
	if err != nil {
		return driver.Rect{}, err
	}
	if fresh == nil || fresh.Box.Empty() {
		return driver.Rect{}, fmt.Errorf("element %s detached before click", el.Ref)
	}
	return fresh.Box, nil
}

// Click moves to el and presses the left button once.
func (a *Actor) Click(ctx context.Context, page driver.Page, el *driver.Element) error {
	return a.clickElement(ctx, page, el, 1)
}

// DoubleClick moves to el and clicks twice in quick succession.
func (a *Actor) DoubleClick(ctx context.Context, page driver.Page, el *driver.Element) error {
	return a.clickElement(ctx, page, el, 2)
}

func (a *Actor) clickElement(ctx context.Context, page driver.Page, el *driver.Element, count int) error {
	box, err := a.locate(ctx, page, el)
	if err != nil {
		return err
	}
	x, y := a.landing(box)
	return a.ClickAt(ctx, page, x, y, count)
}

// ClickAt moves to (x, y) and clicks count times.
func (a *Actor) ClickAt(ctx context.Context, page driver.Page, x, y float64, count int) error {
	if err := a.MoveTo(ctx, page, x, y); err != nil {
		return err
	}
	if count < 1 {
		count = 1
	}
	for n := 1; n <= count; n++ {
		if err := page.Mouse(ctx, driver.MouseEvent{Type: driver.MousePressed, X: x, Y: y, ClickCount: n}); err != nil {
			return err
		}
		if err := a.sleep(ctx, time.Duration(a.intn(40, 110))*time.Millisecond); err != nil {
			return err
		}
		if err := page.Mouse(ctx, driver.MouseEvent{Type: driver.MouseReleased, X: x, Y: y, ClickCount: n}); err != nil {
			return err
		}
		if n < count {
			if err := a.sleep(ctx, time.Duration(a.intn(60, 140))*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return nil
}
