package human

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/driver/drivertest"
)

func testTiming() config.Timing {
	ms := time.Millisecond
	return config.Timing{
		Short:     config.Range{Min: 100 * ms, Max: 500 * ms},
		Medium:    config.Range{Min: 500 * ms, Max: 1500 * ms},
		Long:      config.Range{Min: 1500 * ms, Max: 4000 * ms},
		TypeSpace: config.Range{Min: 50 * ms, Max: 180 * ms},
		TypeAlpha: config.Range{Min: 30 * ms, Max: 120 * ms},
		TypeOther: config.Range{Min: 60 * ms, Max: 200 * ms},
	}
}

type sleepRecorder struct{ got []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.got = append(s.got, d)
	return nil
}

func newTestActor(rec *sleepRecorder) *Actor {
	return New(testTiming(), WithSeed(7), WithSleep(rec.sleep))
}

func TestPauseStaysInClassRange(t *testing.T) {
	rec := &sleepRecorder{}
	a := newTestActor(rec)
	timing := testTiming()
	ranges := map[Class]config.Range{Short: timing.Short, Medium: timing.Medium, Long: timing.Long}
	for class, r := range ranges {
		for i := 0; i < 200; i++ {
			rec.got = rec.got[:0]
			if err := a.Pause(context.Background(), class); err != nil {
				t.Fatalf("Pause(%s) error = %v", class, err)
			}
			if d := rec.got[0]; d < r.Min || d > r.Max {
				t.Fatalf("Pause(%s) slept %v; want within [%v, %v]", class, d, r.Min, r.Max)
			}
		}
	}
}

func TestPathEndsOnTargetWithBoundedSteps(t *testing.T) {
	a := newTestActor(&sleepRecorder{})
	for i := 0; i < 50; i++ {
		pts := a.path(640, 360)
		if len(pts) < minSteps || len(pts) > maxSteps {
			t.Fatalf("len(path) = %d; want within [%d, %d]", len(pts), minSteps, maxSteps)
		}
		last := pts[len(pts)-1]
		if last.X != 640 || last.Y != 360 {
			t.Fatalf("path end = %+v; want exact target", last)
		}
	}
}

func TestLandingStaysInsideBox(t *testing.T) {
	a := newTestActor(&sleepRecorder{})
	box := driver.Rect{X: 100, Y: 200, Width: 6, Height: 4}
	for i := 0; i < 500; i++ {
		x, y := a.landing(box)
		if x < box.X || x > box.X+box.Width || y < box.Y || y > box.Y+box.Height {
			t.Fatalf("landing() = (%v, %v); want inside %+v", x, y, box)
		}
	}
}

func TestClickLandsOnElement(t *testing.T) {
	page := drivertest.NewPage("p1", "about:blank", map[string]driver.Chain{
		"btn": {{CSS: "button.go"}},
	})
	node := page.Add(&drivertest.Node{Target: "btn", Text: "Go"})
	a := newTestActor(&sleepRecorder{})

	el, err := page.Query(context.Background(), driver.Selector{CSS: "button.go"})
	if err != nil || el == nil {
		t.Fatalf("Query() = %v, %v", el, err)
	}
	if err := a.Click(context.Background(), page, el); err != nil {
		t.Fatalf("Click() error = %v", err)
	}
	if got := page.Clicks(node); got != 1 {
		t.Fatalf("Clicks = %d; want 1", got)
	}
	moves := 0
	for _, ev := range page.Mice {
		if ev.Type == driver.MouseMoved {
			moves++
		}
	}
	if moves < minSteps {
		t.Fatalf("mouse moves = %d; want a curved path of at least %d steps", moves, minSteps)
	}

	if err := a.DoubleClick(context.Background(), page, el); err != nil {
		t.Fatalf("DoubleClick() error = %v", err)
	}
	if got := page.DoubleClicks(node); got != 1 {
		t.Fatalf("DoubleClicks = %d; want 1", got)
	}
}

func TestFillReplacesExistingValue(t *testing.T) {
	page := drivertest.NewPage("p1", "about:blank", map[string]driver.Chain{
		"qty": {{Near: "Quantity"}},
	})
	node := page.Add(&drivertest.Node{Target: "qty", Value: "1.00"})
	rec := &sleepRecorder{}
	a := newTestActor(rec)

	el, _ := page.Query(context.Background(), driver.Selector{Near: "Quantity"})
	if err := a.Fill(context.Background(), page, el, "0.10"); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if got := page.ValueOf(node); got != "0.10" {
		t.Fatalf("value = %q; want 0.10", got)
	}
}

func TestTypeUsesPerRuneGaps(t *testing.T) {
	page := drivertest.NewPage("p1", "about:blank", nil)
	rec := &sleepRecorder{}
	a := newTestActor(rec)
	if err := a.Type(context.Background(), page, "a 1"); err != nil {
		t.Fatalf("Type() error = %v", err)
	}
	timing := testTiming()
	want := []config.Range{timing.TypeAlpha, timing.TypeSpace, timing.TypeOther}
	if len(rec.got) != len(want) {
		t.Fatalf("sleeps = %d; want %d", len(rec.got), len(want))
	}
	for i, r := range want {
		if rec.got[i] < r.Min || rec.got[i] > r.Max {
			t.Fatalf("gap[%d] = %v; want within [%v, %v]", i, rec.got[i], r.Min, r.Max)
		}
	}
}

func TestTryProbeReturnsNilOnMiss(t *testing.T) {
	page := drivertest.NewPage("p1", "about:blank", nil)
	start := time.Now()
	el, err := TryProbe(context.Background(), page, driver.Chain{{CSS: "#nope"}}, 250*time.Millisecond)
	if err != nil || el != nil {
		t.Fatalf("TryProbe() = %v, %v; want nil, nil", el, err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("TryProbe() returned after %v; want it to wait out the timeout", elapsed)
	}
}

func TestTryProbeFindsLateElementAndSkipsHidden(t *testing.T) {
	targets := map[string]driver.Chain{"late": {{CSS: ".late"}}, "ghost": {{CSS: ".ghost"}}}
	page := drivertest.NewPage("p1", "about:blank", targets)
	page.Add(&drivertest.Node{Target: "ghost", Hidden: true})
	go func() {
		time.Sleep(150 * time.Millisecond)
		page.Add(&drivertest.Node{Target: "late"})
	}()

	el, err := TryProbe(context.Background(), page, driver.Chain{{CSS: ".ghost"}, {CSS: ".late"}}, 2*time.Second)
	if err != nil || el == nil {
		t.Fatalf("TryProbe() = %v, %v; want late element", el, err)
	}
}

func TestTryProbeSurfacesClosedPage(t *testing.T) {
	page := drivertest.NewPage("p1", "about:blank", nil)
	page.Close()
	_, err := TryProbe(context.Background(), page, driver.Chain{{CSS: "x"}}, time.Second)
	if !errors.Is(err, driver.ErrTargetClosed) {
		t.Fatalf("TryProbe() error = %v; want ErrTargetClosed", err)
	}
}

func TestWaitForNamesMissingTarget(t *testing.T) {
	page := drivertest.NewPage("p1", "about:blank", nil)
	_, err := WaitFor(context.Background(), page, "submit_button", driver.Chain{{CSS: "x"}}, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("WaitFor() error = %v; want ErrNotFound", err)
	}
}
