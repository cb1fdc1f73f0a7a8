package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/ctrader_agent/internal/driver"
)

//go:embed selectors.yaml
var defaultCatalogYAML []byte

// Target names used by the page steps.
const (
	TargetLoginAffordance   = "login_affordance"
	TargetLoginTab          = "login_tab"
	TargetIdentityInput     = "identity_input"
	TargetPasswordInput     = "password_input"
	TargetLoginSubmit       = "login_submit"
	TargetLoginError        = "login_error"
	TargetDashboard         = "dashboard"
	TargetAccountSelector   = "account_selector"
	TargetAccountPanel      = "account_panel"
	TargetAccountEntry      = "account_entry"
	TargetSymbolTrigger     = "symbol_trigger"
	TargetSymbolSearch      = "symbol_search"
	TargetSymbolResult      = "symbol_result"
	TargetBuyButton         = "buy_button"
	TargetSellButton        = "sell_button"
	TargetQuantityInput     = "quantity_input"
	TargetTakeProfitInput   = "take_profit_input"
	TargetTakeProfitLabel   = "take_profit_label"
	TargetStopLossInput     = "stop_loss_input"
	TargetStopLossLabel     = "stop_loss_label"
	TargetSubmitButton      = "submit_button"
	TargetConfirmationToast = "confirmation_toast"
	TargetOrderRow          = "order_row"
	TargetPositionRow       = "position_row"
	TargetModifyButton      = "modify_button"
	TargetSafeFocus         = "safe_focus"
)

var requiredTargets = []string{
	TargetLoginAffordance, TargetLoginTab, TargetIdentityInput, TargetPasswordInput,
	TargetLoginSubmit, TargetLoginError, TargetDashboard,
	TargetAccountSelector, TargetAccountPanel, TargetAccountEntry,
	TargetSymbolTrigger, TargetSymbolSearch, TargetSymbolResult,
	TargetBuyButton, TargetSellButton, TargetQuantityInput,
	TargetTakeProfitInput, TargetTakeProfitLabel, TargetStopLossInput, TargetStopLossLabel,
	TargetSubmitButton, TargetConfirmationToast,
	TargetOrderRow, TargetPositionRow, TargetModifyButton, TargetSafeFocus,
}

// Range is an inclusive duration interval.
type Range struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// Timing holds the humanized pause and keystroke ranges.
type Timing struct {
	Short     Range `yaml:"short"`
	Medium    Range `yaml:"medium"`
	Long      Range `yaml:"long"`
	TypeSpace Range `yaml:"type_space"`
	TypeAlpha Range `yaml:"type_alpha"`
	TypeOther Range `yaml:"type_other"`
}

// Timeouts bounds every wait the steps and the session manager perform.
type Timeouts struct {
	Probe        time.Duration `yaml:"probe"`
	LoginProbe   time.Duration `yaml:"login_probe"`
	LoginError   time.Duration `yaml:"login_error"`
	Dashboard    time.Duration `yaml:"dashboard"`
	Navigate     time.Duration `yaml:"navigate"`
	Reload       time.Duration `yaml:"reload"`
	HardRefresh  time.Duration `yaml:"hard_refresh"`
	NetworkIdle  time.Duration `yaml:"network_idle"`
	NetworkQuiet time.Duration `yaml:"network_quiet"`
	Field        time.Duration `yaml:"field"`
	Panel        time.Duration `yaml:"panel"`
	Toast        time.Duration `yaml:"toast"`
	Position     time.Duration `yaml:"position"`
}

// SubmitRules describe when a submission control counts as disabled.
type SubmitRules struct {
	OpacityThreshold float64  `yaml:"opacity_threshold"`
	WarningDepth     int      `yaml:"warning_depth"`
	DisabledClasses  []string `yaml:"disabled_classes"`
	BlockingWarnings []string `yaml:"blocking_warnings"`
}

// Offset is a pixel displacement.
type Offset struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Catalog is the versioned locator and timing configuration.
type Catalog struct {
	Version        int                     `yaml:"version"`
	Targets        map[string]driver.Chain `yaml:"targets"`
	Submit         SubmitRules             `yaml:"submit"`
	SymbolFallback Offset                  `yaml:"symbol_fallback_offset"`
	Timing         Timing                  `yaml:"timing"`
	Timeouts       Timeouts                `yaml:"timeouts"`
}

// Chain returns the candidates for a target; unknown names yield nil.
func (c *Catalog) Chain(name string) driver.Chain {
	return c.Targets[name]
}

// DefaultCatalog parses the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalogFile reads a catalog override from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("selector catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("selector catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if c.Version < 1 {
		return fmt.Errorf("selector catalog: version must be >= 1")
	}
	for _, name := range requiredTargets {
		chain := c.Targets[name]
		if len(chain) == 0 {
			return fmt.Errorf("selector catalog: target %q has no candidates", name)
		}
		for i, sel := range chain {
			if sel.CSS == "" && sel.Text == "" && sel.Pattern == "" && sel.Near == "" {
				return fmt.Errorf("selector catalog: %s[%d] is empty", name, i)
			}
		}
	}
	for name, r := range map[string]Range{
		"short": c.Timing.Short, "medium": c.Timing.Medium, "long": c.Timing.Long,
		"type_space": c.Timing.TypeSpace, "type_alpha": c.Timing.TypeAlpha, "type_other": c.Timing.TypeOther,
	} {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("selector catalog: timing.%s has an invalid range", name)
		}
	}
	if c.Submit.OpacityThreshold <= 0 || c.Submit.OpacityThreshold > 1 {
		return fmt.Errorf("selector catalog: submit.opacity_threshold must be in (0,1]")
	}
	c.Timeouts.fillDefaults()
	return nil
}

func (t *Timeouts) fillDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&t.Probe, 2*time.Second)
	def(&t.LoginProbe, 5*time.Second)
	def(&t.LoginError, 5*time.Second)
	def(&t.Dashboard, 20*time.Second)
	def(&t.Navigate, 60*time.Second)
	def(&t.Reload, 30*time.Second)
	def(&t.HardRefresh, 30*time.Second)
	def(&t.NetworkIdle, 15*time.Second)
	def(&t.NetworkQuiet, 500*time.Millisecond)
	def(&t.Field, 3*time.Second)
	def(&t.Panel, 5*time.Second)
	def(&t.Toast, 10*time.Second)
	def(&t.Position, 8*time.Second)
}
