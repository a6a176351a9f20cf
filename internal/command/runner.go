// Package command executes the remedial command union used by recovery
// actions and the system/file endpoints.
//
// Commands are a tagged union dispatched on their Type field. System
// commands shell out under a shared rate limiter so a burst of recovery
// actions or API calls cannot fork-bomb the host.
package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimbus-ops/agent-mon/pkg/types"
)

// AgentRestarter restarts an agent by id. Implemented by the registry.
type AgentRestarter interface {
	Restart(id string) error
}

// Config holds runner limits.
type Config struct {
	// ExecTimeout bounds each system command (default: 30s).
	ExecTimeout time.Duration

	// RatePerMinute limits system command executions (default: 30).
	RatePerMinute int

	// FileRoot confines file operations to a directory tree.
	// Empty means the process working directory.
	FileRoot string

	// ConfigReloadDelay is the simulated reload duration (default: 500ms).
	ConfigReloadDelay time.Duration
}

// Runner dispatches and executes commands.
type Runner struct {
	agents  AgentRestarter
	logger  *slog.Logger
	limiter *rate.Limiter

	execTimeout       time.Duration
	fileRoot          string
	configReloadDelay time.Duration
}

// NewRunner creates a command runner.
func NewRunner(cfg Config, agents AgentRestarter, logger *slog.Logger) *Runner {
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.FileRoot == "" {
		cfg.FileRoot, _ = os.Getwd()
	}
	if cfg.ConfigReloadDelay == 0 {
		cfg.ConfigReloadDelay = 500 * time.Millisecond
	}
	return &Runner{
		agents:            agents,
		logger:            logger.With("component", "command_runner"),
		limiter:           rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 5),
		execTimeout:       cfg.ExecTimeout,
		fileRoot:          cfg.FileRoot,
		configReloadDelay: cfg.ConfigReloadDelay,
	}
}

// Run executes one command and returns a human-readable result.
// Execution failures come back as errors; they are recorded by the caller,
// never fatal.
func (r *Runner) Run(ctx context.Context, cmd types.Command) (string, error) {
	switch cmd.Type {
	case types.CommandSystem:
		return r.runSystem(ctx, cmd.Command, cmd.Args)
	case types.CommandFileOp:
		return r.RunFileOp(cmd.Path, cmd.Action)
	case types.CommandAgentRestart:
		if err := r.agents.Restart(cmd.AgentID); err != nil {
			return "", fmt.Errorf("restarting agent %s: %w", cmd.AgentID, err)
		}
		return fmt.Sprintf("agent %s restart initiated", cmd.AgentID), nil
	case types.CommandConfigReload:
		return r.reloadConfig(ctx)
	default:
		return "", fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// runSystem shells out with a timeout. Blocked by the shared rate limiter
// when the recent execution rate is exceeded.
func (r *Runner) runSystem(ctx context.Context, name string, args []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("command is required")
	}
	if !r.limiter.Allow() {
		return "", fmt.Errorf("command rate limit exceeded")
	}

	ctx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	r.logger.Info("executing system command", "command", name, "args", args)
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command %s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// RunFileOp performs a read, delete, or backup on a confined path.
func (r *Runner) RunFileOp(path, action string) (string, error) {
	abs, err := r.confine(path)
	if err != nil {
		return "", err
	}

	switch action {
	case "read":
		data, err := os.ReadFile(abs)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return string(data), nil
	case "delete":
		if err := os.Remove(abs); err != nil {
			return "", fmt.Errorf("deleting %s: %w", path, err)
		}
		return fmt.Sprintf("deleted %s", path), nil
	case "backup":
		backup := abs + ".backup-" + time.Now().UTC().Format("20060102T150405")
		if err := copyFile(abs, backup); err != nil {
			return "", fmt.Errorf("backing up %s: %w", path, err)
		}
		return fmt.Sprintf("backed up %s to %s", path, filepath.Base(backup)), nil
	default:
		return "", fmt.Errorf("unknown file action %q", action)
	}
}

// FileInfo describes one entry from ScanDir.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// ScanDir lists a confined directory for the files endpoint.
func (r *Runner) ScanDir(path string) ([]FileInfo, error) {
	abs, err := r.confine(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			IsDir:   e.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

// reloadConfig simulates a configuration reload with a fixed delay.
func (r *Runner) reloadConfig(ctx context.Context) (string, error) {
	select {
	case <-time.After(r.configReloadDelay):
		return "configuration reloaded", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// confine resolves path relative to the file root and rejects escapes.
func (r *Runner) confine(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.fileRoot, path)
	}
	abs = filepath.Clean(abs)
	root := filepath.Clean(r.fileRoot)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes file root", path)
	}
	return abs, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
