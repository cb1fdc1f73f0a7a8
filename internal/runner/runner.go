// Package runner executes non-browser automations through the configured
// robot executable.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgnsrekt/ctrader_agent/internal/cdpcontrol"
)

// Config locates the robot and its automation bundles.
type Config struct {
	RobotPath string
	// Folder resolves relative automation paths.
	Folder  string
	Timeout time.Duration
}

// Result is the captured outcome of one robot execution.
type Result struct {
	Status   string `json:"status"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

// Runner runs automations one process per call.
type Runner struct {
	cfg Config
}

// New returns a runner. A zero timeout defaults to five minutes.
func New(cfg Config) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Runner{cfg: cfg}
}

// Resolve turns a stored automation path into an absolute file path.
func (r *Runner) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || r.cfg.Folder == "" {
		return path
	}
	return filepath.Join(r.cfg.Folder, path)
}

// Args builds the robot command line for path and input.
func (r *Runner) Args(path string, input map[string]any) ([]string, error) {
	args := []string{"execute", "--file", r.Resolve(path)}
	if len(input) > 0 {
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, cdpcontrol.NewError(cdpcontrol.CodeValidation, "input is not JSON encodable", err)
		}
		args = append(args, "--input", string(raw))
	}
	return args, nil
}

// Run executes the automation at path. A non-zero exit is reported in the
// Result with status "error"; only setup faults are returned as errors.
func (r *Runner) Run(ctx context.Context, path string, input map[string]any) (Result, error) {
	if strings.TrimSpace(r.cfg.RobotPath) == "" {
		return Result{}, cdpcontrol.NewError(cdpcontrol.CodeRunnerFailure, "UI_ROBOT_PATH is not configured", nil)
	}
	if _, err := os.Stat(r.cfg.RobotPath); err != nil {
		return Result{}, cdpcontrol.NewError(cdpcontrol.CodeRunnerFailure, "robot executable not found at "+r.cfg.RobotPath, err)
	}
	if strings.TrimSpace(path) == "" {
		return Result{}, cdpcontrol.NewError(cdpcontrol.CodeValidation, "automation path is required", nil)
	}
	args, err := r.Args(path, input)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.cfg.RobotPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	slog.Info("running automation", "robot", r.cfg.RobotPath, "file", args[2])
	err = cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	duration := time.Since(start).Milliseconds()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		slog.Warn("automation timed out", "file", args[2], "timeout", r.cfg.Timeout)
		return Result{}, cdpcontrol.NewError(cdpcontrol.CodeRunnerFailure, fmt.Sprintf("automation timed out after %s", r.cfg.Timeout), runCtx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Status = "success"
	case errors.As(err, &exitErr):
		res.Status = "error"
		res.ExitCode = exitErr.ExitCode()
		res.Message = strings.TrimSpace(res.Stderr)
		if res.Message == "" {
			res.Message = fmt.Sprintf("robot exited with code %d", res.ExitCode)
		}
	default:
		return Result{}, cdpcontrol.NewError(cdpcontrol.CodeRunnerFailure, "failed to start robot", err)
	}
	slog.Info("automation finished", "file", args[2], "status", res.Status, "exit_code", res.ExitCode, "duration_ms", duration)
	return res, nil
}
