package steps

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/driver"
	"github.com/dgnsrekt/ctrader_agent/internal/driver/drivertest"
	"github.com/dgnsrekt/ctrader_agent/internal/human"
)

func testCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	c, err := config.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	ms := time.Millisecond
	c.Timeouts = config.Timeouts{
		Probe: 30 * ms, LoginProbe: 30 * ms, LoginError: 60 * ms, Dashboard: 200 * ms,
		Navigate: 100 * ms, Reload: 100 * ms, HardRefresh: 100 * ms,
		NetworkIdle: 100 * ms, NetworkQuiet: 10 * ms,
		Field: 150 * ms, Panel: 150 * ms, Toast: 150 * ms, Position: 100 * ms,
	}
	return c
}

func noSleep(context.Context, time.Duration) error { return nil }

func newFlow(t *testing.T) (*Flow, *drivertest.Page) {
	t.Helper()
	cat := testCatalog(t)
	page := drivertest.NewPage("p1", "https://app.ctrader.com/", cat.Targets)
	act := human.New(cat.Timing, human.WithSeed(1), human.WithSleep(noSleep))
	return NewFlow(page, act, cat), page
}

func TestSubmitShortCircuitsOnLowOpacity(t *testing.T) {
	f, page := newFlow(t)
	btn := page.Add(&drivertest.Node{
		Target: config.TargetSubmitButton,
		Text:   "Place order",
		State:  driver.ControlState{Opacity: 0.4},
	})

	res, err := f.SubmitOrder(context.Background())
	if err != nil {
		t.Fatalf("SubmitOrder() error = %v", err)
	}
	if res.Success || !strings.Contains(res.Reason, "opacity") {
		t.Fatalf("SubmitOrder() = %+v; want failure naming opacity", res)
	}
	if got := page.Clicks(btn); got != 0 {
		t.Fatalf("submit clicks = %d; want 0", got)
	}
}

func TestSubmitDisabledSignals(t *testing.T) {
	tests := []struct {
		name  string
		state driver.ControlState
		want  string
	}{
		{"class token", driver.ControlState{Classes: []string{"btn", "Disabled"}}, "class"},
		{"pointer events", driver.ControlState{PointerEvents: "none"}, "pointer"},
		{"aria", driver.ControlState{AriaDisabled: true}, "disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, page := newFlow(t)
			btn := page.Add(&drivertest.Node{Target: config.TargetSubmitButton, Text: "Place order", State: tt.state})
			res, err := f.SubmitOrder(context.Background())
			if err != nil {
				t.Fatalf("SubmitOrder() error = %v", err)
			}
			if res.Success || !strings.Contains(res.Reason, tt.want) {
				t.Fatalf("SubmitOrder() = %+v; want failure containing %q", res, tt.want)
			}
			if page.Clicks(btn) != 0 {
				t.Fatalf("disabled control was clicked")
			}
		})
	}
}

func TestSubmitSurfacesBlockingWarning(t *testing.T) {
	f, page := newFlow(t)
	btn := page.Add(&drivertest.Node{
		Target: config.TargetSubmitButton,
		Text:   "Place order",
		Around: "Buy 1.0812 Place order. The market is closed",
	})

	res, err := f.SubmitOrder(context.Background())
	if err != nil {
		t.Fatalf("SubmitOrder() error = %v", err)
	}
	if res.Success || res.Confirmed {
		t.Fatalf("SubmitOrder() = %+v; want unconfirmed failure", res)
	}
	if res.Warning != "The market is closed" {
		t.Fatalf("Warning = %q; want %q", res.Warning, "The market is closed")
	}
	if page.Clicks(btn) != 0 {
		t.Fatalf("blocked control was clicked")
	}
}

func TestSubmitConfirmation(t *testing.T) {
	tests := []struct {
		name          string
		onClick       func(btn *drivertest.Node) func(p *drivertest.Page)
		wantConfirmed bool
		wantWarning   string
	}{
		{
			name: "toast",
			onClick: func(*drivertest.Node) func(p *drivertest.Page) {
				return func(p *drivertest.Page) {
					p.Add(&drivertest.Node{Target: config.TargetConfirmationToast, Text: "Order executed"})
				}
			},
			wantConfirmed: true,
		},
		{
			name: "control disappears",
			onClick: func(btn *drivertest.Node) func(p *drivertest.Page) {
				return func(p *drivertest.Page) { p.Remove(btn) }
			},
			wantConfirmed: true,
		},
		{
			name:        "no signal",
			onClick:     func(*drivertest.Node) func(p *drivertest.Page) { return nil },
			wantWarning: noConfirmation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, page := newFlow(t)
			btn := &drivertest.Node{Target: config.TargetSubmitButton, Text: "Place order"}
			btn.OnClick = tt.onClick(btn)
			page.Add(btn)

			res, err := f.SubmitOrder(context.Background())
			if err != nil {
				t.Fatalf("SubmitOrder() error = %v", err)
			}
			if !res.Success || res.Confirmed != tt.wantConfirmed || res.Warning != tt.wantWarning {
				t.Fatalf("SubmitOrder() = %+v; want success confirmed=%v warning=%q", res, tt.wantConfirmed, tt.wantWarning)
			}
			if page.Clicks(btn) != 1 {
				t.Fatalf("submit clicks = %d; want 1", page.Clicks(btn))
			}
		})
	}
}

func TestToggleAndFillExpandsLabelOnce(t *testing.T) {
	f, page := newFlow(t)
	input := page.Add(&drivertest.Node{Target: config.TargetTakeProfitInput, Hidden: true})
	label := page.Add(&drivertest.Node{Target: config.TargetTakeProfitLabel, Text: "Take profit"})
	label.OnClick = func(p *drivertest.Page) { p.Show(input) }

	err := f.toggleAndFill(context.Background(), config.TargetTakeProfitInput, config.TargetTakeProfitLabel, "1.0950")
	if err != nil {
		t.Fatalf("toggleAndFill() error = %v", err)
	}
	if got := page.Clicks(label); got != 1 {
		t.Fatalf("label clicks = %d; want 1", got)
	}
	if got := page.ValueOf(input); got != "1.0950" {
		t.Fatalf("input value = %q; want 1.0950", got)
	}
}

func TestToggleAndFillSkipsLabelWhenInputReady(t *testing.T) {
	f, page := newFlow(t)
	input := page.Add(&drivertest.Node{Target: config.TargetStopLossInput})
	label := page.Add(&drivertest.Node{Target: config.TargetStopLossLabel, Text: "Stop loss"})

	if err := f.toggleAndFill(context.Background(), config.TargetStopLossInput, config.TargetStopLossLabel, "1.0700"); err != nil {
		t.Fatalf("toggleAndFill() error = %v", err)
	}
	if page.Clicks(label) != 0 {
		t.Fatalf("label clicked although input was ready")
	}
	if got := page.ValueOf(input); got != "1.0700" {
		t.Fatalf("input value = %q; want 1.0700", got)
	}
}

func TestFillOrderForm(t *testing.T) {
	f, page := newFlow(t)
	search := page.Add(&drivertest.Node{Target: config.TargetSymbolSearch, Hidden: true, Value: "GBP"})
	trigger := page.Add(&drivertest.Node{Target: config.TargetSymbolTrigger, Text: "GBPUSD"})
	trigger.OnClick = func(p *drivertest.Page) { p.Show(search) }
	result := page.Add(&drivertest.Node{Target: config.TargetSymbolResult, Text: "EURUSD"})
	buy := page.Add(&drivertest.Node{Target: config.TargetBuyButton, Text: "Buy 1.0812"})
	qty := page.Add(&drivertest.Node{Target: config.TargetQuantityInput, Value: "1"})
	tp := page.Add(&drivertest.Node{Target: config.TargetTakeProfitInput})
	sl := page.Add(&drivertest.Node{Target: config.TargetStopLossInput})

	res, err := f.FillOrderForm(context.Background(), Order{
		Symbol: "EURUSD", Direction: "Buy", Amount: "0.10", TakeProfit: "1.0950", StopLoss: "1.0700",
	})
	if err != nil {
		t.Fatalf("FillOrderForm() error = %v", err)
	}
	if !res.Success || res.Confirmed || res.Message != "order form filled" {
		t.Fatalf("FillOrderForm() = %+v; want unconfirmed success", res)
	}
	if page.ValueOf(search) != "EURUSD" {
		t.Fatalf("search value = %q; want residual text replaced by EURUSD", page.ValueOf(search))
	}
	if page.Clicks(result) != 1 || page.Clicks(buy) != 1 {
		t.Fatalf("result clicks = %d, buy clicks = %d; want 1 and 1", page.Clicks(result), page.Clicks(buy))
	}
	for name, want := range map[*drivertest.Node]string{qty: "0.10", tp: "1.0950", sl: "1.0700"} {
		if got := page.ValueOf(name); got != want {
			t.Fatalf("field %s = %q; want %q", name.Target, got, want)
		}
	}
}

func TestFillOrderFormRejectsDirection(t *testing.T) {
	f, _ := newFlow(t)
	res, err := f.FillOrderForm(context.Background(), Order{Direction: "hold"})
	if err != nil {
		t.Fatalf("FillOrderForm() error = %v", err)
	}
	if res.Success || !strings.Contains(res.Reason, "invalid direction") {
		t.Fatalf("FillOrderForm() = %+v; want invalid direction", res)
	}
}

func TestSelectSymbolFallsBackToSellButtonOffset(t *testing.T) {
	f, page := newFlow(t)
	off := f.cat.SymbolFallback
	sell := page.Add(&drivertest.Node{
		Target: config.TargetSellButton,
		Text:   "Sell 1.0810",
		Box:    driver.Rect{X: 300, Y: 500, Width: 120, Height: 40},
	})
	search := page.Add(&drivertest.Node{Target: config.TargetSymbolSearch, Hidden: true})
	dropdown := page.Add(&drivertest.Node{
		Target: "instrument_dropdown",
		Box:    driver.Rect{X: sell.Box.X + off.X - 10, Y: sell.Box.Y + off.Y - 10, Width: 20, Height: 20},
	})
	dropdown.OnClick = func(p *drivertest.Page) { p.Show(search) }
	page.Add(&drivertest.Node{Target: config.TargetSymbolResult, Text: "XAUUSD"})

	if err := f.selectSymbol(context.Background(), "XAUUSD"); err != nil {
		t.Fatalf("selectSymbol() error = %v", err)
	}
	if page.Clicks(dropdown) != 1 {
		t.Fatalf("dropdown clicks = %d; want 1 via offset fallback", page.Clicks(dropdown))
	}
	if page.ValueOf(search) != "XAUUSD" {
		t.Fatalf("search value = %q; want XAUUSD", page.ValueOf(search))
	}
}

func TestMatchIdentity(t *testing.T) {
	tests := []struct {
		text, identity string
		want           IdentityMatch
	}{
		{"trader1 Live 40192", "trader1", MatchExact},
		{"Trader1@Mail.com Live", "trader1@mail.com", MatchExact},
		{"trader1 Live 40192", "trader1@mail.com", MatchPrefix},
		{"account:trader1x", "trader1", MatchSubstring},
		{"someone else", "trader1", MatchNone},
		{"", "trader1", MatchNone},
	}
	for _, tt := range tests {
		if got := MatchIdentity(tt.text, tt.identity); got != tt.want {
			t.Fatalf("MatchIdentity(%q, %q) = %q; want %q", tt.text, tt.identity, got, tt.want)
		}
	}
}

func accountPage(t *testing.T, panelText string) (*Flow, *drivertest.Page, *drivertest.Node) {
	t.Helper()
	f, page := newFlow(t)
	panel := page.Add(&drivertest.Node{Target: config.TargetAccountPanel, Hidden: true, Around: panelText})
	sel := page.Add(&drivertest.Node{Target: config.TargetAccountSelector})
	sel.OnClick = func(p *drivertest.Page) { p.Show(panel) }
	entry := page.Add(&drivertest.Node{Target: config.TargetAccountEntry, Text: "Live 40192"})
	return f, page, entry
}

func TestVerifyAccountSelection(t *testing.T) {
	f, page, entry := accountPage(t, "trader1 Live 40192 Demo 55501")
	res, err := f.VerifyAccountSelection(context.Background(), "trader1", "40192")
	if err != nil {
		t.Fatalf("VerifyAccountSelection() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("VerifyAccountSelection() = %+v; want success", res)
	}
	if page.Clicks(entry) != 1 {
		t.Fatalf("entry clicks = %d; want 1", page.Clicks(entry))
	}
}

func TestVerifyAccountSelectionFailsClosed(t *testing.T) {
	f, _, _ := accountPage(t, "trader1 Live 40192")
	res, err := f.VerifyAccountSelection(context.Background(), "trader1", "99999")
	if err != nil {
		t.Fatalf("VerifyAccountSelection() error = %v", err)
	}
	if res.Success || res.Reason != "account 99999 not found" {
		t.Fatalf("VerifyAccountSelection() = %+v; want account not found", res)
	}

	f, _, _ = accountPage(t, "someone Live 40192")
	res, _ = f.VerifyAccountSelection(context.Background(), "trader1", "40192")
	if res.Success || !strings.Contains(res.Reason, "does not belong") {
		t.Fatalf("VerifyAccountSelection() = %+v; want identity mismatch", res)
	}
}

func TestVerifyAccountSelectionMatchesWholeAccountID(t *testing.T) {
	f, page, entry := accountPage(t, "trader1 Live 40192")
	res, err := f.VerifyAccountSelection(context.Background(), "trader1", "4019")
	if err != nil {
		t.Fatalf("VerifyAccountSelection() error = %v", err)
	}
	if res.Success || res.Reason != "account 4019 not found" {
		t.Fatalf("VerifyAccountSelection() = %+v; want account not found", res)
	}
	if page.Clicks(entry) != 0 {
		t.Fatalf("entry clicks = %d; want 0", page.Clicks(entry))
	}

	f, page, _ = accountPage(t, "trader1 Live 40192 Demo 4019")
	short := page.Add(&drivertest.Node{Target: config.TargetAccountEntry, Text: "Demo 4019"})
	res, _ = f.VerifyAccountSelection(context.Background(), "trader1", "4019")
	if !res.Success || page.Clicks(short) != 1 {
		t.Fatalf("VerifyAccountSelection() = %+v, clicks = %d; want the 4019 entry selected", res, page.Clicks(short))
	}
}

func loginPage(t *testing.T, onSubmit func(p *drivertest.Page)) (*Flow, *drivertest.Page, *drivertest.Node, *drivertest.Node) {
	t.Helper()
	f, page := newFlow(t)
	user := page.Add(&drivertest.Node{Target: config.TargetIdentityInput, Hidden: true})
	pass := page.Add(&drivertest.Node{Target: config.TargetPasswordInput, Hidden: true})
	page.Add(&drivertest.Node{Target: config.TargetLoginAffordance, Text: "Log in"}).OnClick = func(p *drivertest.Page) {
		p.Show(user)
		p.Show(pass)
	}
	page.Add(&drivertest.Node{Target: config.TargetLoginTab, Text: "Log in"})
	page.Add(&drivertest.Node{Target: config.TargetLoginSubmit, Text: "Log in"}).OnClick = onSubmit
	return f, page, user, pass
}

func TestLoginSucceedsOnDashboard(t *testing.T) {
	f, page, user, pass := loginPage(t, func(p *drivertest.Page) {
		p.Add(&drivertest.Node{Target: config.TargetDashboard})
	})
	res, err := f.Login(context.Background(), "trader1", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Login() = %+v; want success", res)
	}
	if page.ValueOf(user) != "trader1" || page.ValueOf(pass) != "s3cret" {
		t.Fatalf("credentials = %q/%q; want trader1/s3cret", page.ValueOf(user), page.ValueOf(pass))
	}
}

func TestLoginFailures(t *testing.T) {
	f, _, _, _ := loginPage(t, func(p *drivertest.Page) {
		p.Add(&drivertest.Node{Target: config.TargetLoginError, Text: "Invalid credentials"})
	})
	res, err := f.Login(context.Background(), "trader1", "bad")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.Success || !strings.Contains(res.Reason, "Invalid credentials") {
		t.Fatalf("Login() = %+v; want rejection with message", res)
	}

	f, _, _, _ = loginPage(t, func(*drivertest.Page) {})
	res, _ = f.Login(context.Background(), "trader1", "pw")
	if res.Success || !strings.Contains(res.Reason, "dashboard") {
		t.Fatalf("Login() = %+v; want unconfirmed login failure", res)
	}

	res, _ = f.Login(context.Background(), "trader1", "")
	if res.Success || !strings.Contains(res.Reason, "no credentials") {
		t.Fatalf("Login() = %+v; want missing credentials failure", res)
	}
}

func TestModifyPendingOrder(t *testing.T) {
	f, page := newFlow(t)
	qty := page.Add(&drivertest.Node{Target: config.TargetQuantityInput, Hidden: true})
	modify := page.Add(&drivertest.Node{Target: config.TargetModifyButton, Text: "Modify", Hidden: true})
	modify.OnClick = func(p *drivertest.Page) { p.Remove(modify) }
	row := page.Add(&drivertest.Node{Target: config.TargetOrderRow, Text: "EURUSD"})
	row.OnDoubleClick = func(p *drivertest.Page) {
		p.Show(qty)
		p.Show(modify)
	}

	res, err := f.ModifyPendingOrder(context.Background(), Order{Symbol: "EURUSD", Amount: "0.20"})
	if err != nil {
		t.Fatalf("ModifyPendingOrder() error = %v", err)
	}
	if !res.Success || !res.Confirmed {
		t.Fatalf("ModifyPendingOrder() = %+v; want confirmed success", res)
	}
	if page.DoubleClicks(row) != 1 || page.ValueOf(qty) != "0.20" {
		t.Fatalf("row double clicks = %d, qty = %q", page.DoubleClicks(row), page.ValueOf(qty))
	}
}

func TestGuardRecoversPanicAndPassesInfra(t *testing.T) {
	f, page := newFlow(t)
	res, err := f.guard(context.Background(), "boom", func() (Result, error) { panic("nil map") })
	if err != nil || res.Success || !strings.Contains(res.Reason, "nil map") {
		t.Fatalf("guard(panic) = %+v, %v; want failed result", res, err)
	}

	page.Close()
	_, err = f.SubmitOrder(context.Background())
	if !errors.Is(err, driver.ErrTargetClosed) {
		t.Fatalf("SubmitOrder() on closed page error = %v; want ErrTargetClosed", err)
	}
}
