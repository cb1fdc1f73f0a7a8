package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/browser"
	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
)

// ControllerConfig holds configuration for the trade controller and CLI.
type ControllerConfig struct {
	BaseURL  string
	URLMatch string

	ProfilesDir      string
	ChromiumPath     string
	Headless         bool
	WindowSize       string
	CDPAddress       string
	CDPPortBase      int
	CDPPortSpan      int
	SharedCDPURL     string
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	EvalTimeoutMS       int
	OperationBudget     time.Duration
	WorkerConcurrency   int
	IdentityMinInterval time.Duration

	LogLevel string
	LogFile  string

	SelectorsFile    string
	SnapshotDir      string
	JournalDir       string
	JournalMaxSizeMB int

	DatabaseURL      string
	UIRobotPath      string
	AutomationFolder string
	RunnerTimeout    time.Duration
	OutcomeWebhook   string
}

// LoadController reads controller configuration from environment variables
// and an optional .env file.
func LoadController() (*ControllerConfig, error) {
	loadDotEnv()

	cfg := &ControllerConfig{
		BaseURL:  getEnvOrDefault("CTRADER_BASE_URL", "https://app.ctrader.com"),
		URLMatch: getEnvOrDefault("CTRADER_URL_MATCH", "app.ctrader.com"),

		ProfilesDir:  getEnvOrDefault("PROFILES_DIR", "./profiles"),
		ChromiumPath: getEnvOrDefault("CHROMIUM_PATH", ""),
		Headless:     getEnvBoolOrDefault("CHROMIUM_HEADLESS", false),
		WindowSize:   getEnvOrDefault("CHROMIUM_WINDOW_SIZE", "1600,1000"),
		CDPAddress:   getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPortBase:  getEnvIntOrDefault("CHROMIUM_CDP_PORT_BASE", 9300),
		CDPPortSpan:  getEnvIntOrDefault("CHROMIUM_CDP_PORT_SPAN", 200),
		SharedCDPURL: getEnvOrDefault("SHARED_CDP_URL", ""),

		BindAddr:         getEnvOrDefault("CONTROLLER_BIND_ADDR", "127.0.0.1:8188"),
		PortCandidates:   getEnvListOrDefault("CONTROLLER_PORT_CANDIDATES", []string{"127.0.0.1:8189", "127.0.0.1:8190"}),
		PortAutoFallback: getEnvBoolOrDefault("CONTROLLER_PORT_AUTO_FALLBACK", true),

		EvalTimeoutMS:       getEnvIntOrDefault("CONTROLLER_EVAL_TIMEOUT_MS", 5000),
		OperationBudget:     getEnvDurationOrDefault("OPERATION_BUDGET", 4*time.Minute),
		WorkerConcurrency:   getEnvIntOrDefault("WORKER_CONCURRENCY", 2),
		IdentityMinInterval: getEnvDurationOrDefault("IDENTITY_MIN_INTERVAL", 2*time.Second),

		LogLevel: strings.ToLower(getEnvOrDefault("CONTROLLER_LOG_LEVEL", "info")),
		LogFile:  getEnvOrDefault("CONTROLLER_LOG_FILE", "logs/ctrader_controller.log"),

		SelectorsFile:    getEnvOrDefault("SELECTORS_FILE", ""),
		SnapshotDir:      getEnvOrDefault("SNAPSHOT_DIR", "./snapshots"),
		JournalDir:       getEnvOrDefault("JOURNAL_DIR", "./journal"),
		JournalMaxSizeMB: getEnvIntOrDefault("JOURNAL_MAX_SIZE_MB", 50),

		DatabaseURL:      getEnvOrDefault("DATABASE_URL", ""),
		UIRobotPath:      getEnvOrDefault("UI_ROBOT_PATH", ""),
		AutomationFolder: getEnvOrDefault("AUTOMATION_FOLDER", "./automations"),
		RunnerTimeout:    getEnvDurationOrDefault("RUNNER_TIMEOUT", 5*time.Minute),
		OutcomeWebhook:   getEnvOrDefault("OUTCOME_WEBHOOK_URL", ""),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.OperationBudget <= 0 {
		return nil, fmt.Errorf("OPERATION_BUDGET must be positive")
	}
	if cfg.CDPPortSpan < 1 {
		cfg.CDPPortSpan = 1
	}
	return cfg, nil
}

// EvalTimeout returns the per-evaluation timeout as a duration.
func (c *ControllerConfig) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

// Catalog loads the selector catalog, preferring SelectorsFile when set.
func (c *ControllerConfig) Catalog() (*Catalog, error) {
	if c.SelectorsFile != "" {
		return LoadCatalogFile(c.SelectorsFile)
	}
	return DefaultCatalog()
}

// DriverConfig builds the browser driver settings. Profile directory and
// CDP port are chosen per launch.
func (c *ControllerConfig) DriverConfig() cdpcontrol.DriverConfig {
	return cdpcontrol.DriverConfig{
		Browser: browser.Config{
			BinaryPath: c.ChromiumPath,
			CDPAddress: c.CDPAddress,
			StartURL:   c.BaseURL,
			WindowSize: c.WindowSize,
			Headless:   c.Headless,
		},
		PortBase:    c.CDPPortBase,
		PortSpan:    c.CDPPortSpan,
		SharedURL:   c.SharedCDPURL,
		URLMatch:    c.URLMatch,
		EvalTimeout: c.EvalTimeout(),
	}
}
