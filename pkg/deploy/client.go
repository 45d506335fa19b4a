package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Result is one CLI invocation outcome. Output carries the parsed JSON
// stdout when the CLI produced any; RawOutput always holds the text.
type Result struct {
	Command   string         `json:"command"`
	Success   bool           `json:"success"`
	Output    map[string]any `json:"output,omitempty"`
	RawOutput string         `json:"raw_output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Config controls the deploy client.
type Config struct {
	// CLIPath is the external executable. Its exact invocation contract
	// belongs to the CLI, not to this client.
	CLIPath        string
	CommandTimeout time.Duration
	AutoRollback   bool
}

// Client shells out to the cloud CLI for deploy, scale, status, and
// rollback. A circuit breaker stops hammering a CLI that keeps failing;
// when AutoRollback is set a failed deploy triggers a rollback of the same
// target.
type Client struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, args ...string) ([]byte, error)
}

// NewClient creates a deploy client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.CLIPath == "" {
		cfg.CLIPath = "casare-cloud"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.Named("deploy"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cloud-cli",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.runCommand = c.execCLI
	return c
}

// Deploy pushes a workflow version to a target environment. A failed
// deploy rolls the target back automatically when configured.
func (c *Client) Deploy(ctx context.Context, target, version string) (*Result, error) {
	result, err := c.run(ctx, "deploy", "--target", target, "--version", version)
	if err == nil && result.Success {
		return result, nil
	}

	if c.cfg.AutoRollback {
		c.logger.Warn("deploy failed, rolling back",
			zap.String("target", target),
			zap.String("version", version))
		if _, rbErr := c.Rollback(ctx, target); rbErr != nil {
			c.logger.Error("automatic rollback failed",
				zap.String("target", target),
				zap.Error(rbErr))
		}
	}
	if err != nil {
		return nil, err
	}
	return result, fmt.Errorf("deploy of %s to %s failed: %s", version, target, result.Error)
}

// Scale sets the robot replica count for a target.
func (c *Client) Scale(ctx context.Context, target string, replicas int) (*Result, error) {
	if replicas < 0 {
		return nil, fmt.Errorf("replicas must be >= 0, got %d", replicas)
	}
	return c.run(ctx, "scale", "--target", target, "--replicas", strconv.Itoa(replicas))
}

// Status reports the deployment state of a target.
func (c *Client) Status(ctx context.Context, target string) (*Result, error) {
	return c.run(ctx, "status", "--target", target)
}

// Rollback reverts a target to its previous deployed version.
func (c *Client) Rollback(ctx context.Context, target string) (*Result, error) {
	return c.run(ctx, "rollback", "--target", target)
}

func (c *Client) run(ctx context.Context, args ...string) (*Result, error) {
	started := time.Now()

	raw, err := c.breaker.Execute(func() (any, error) {
		return c.runCommand(ctx, args...)
	})

	result := &Result{
		Command:  args[0],
		Duration: time.Since(started),
	}
	if err != nil {
		result.Error = err.Error()
		c.logger.Error("cloud command failed",
			zap.String("command", args[0]),
			zap.Duration("duration", result.Duration),
			zap.Error(err))
		return result, fmt.Errorf("cloud command %s failed: %w", args[0], err)
	}

	output := raw.([]byte)
	result.Success = true
	result.RawOutput = string(bytes.TrimSpace(output))

	// Stdout parsing is best-effort: non-JSON output stays raw.
	parsed := map[string]any{}
	if json.Unmarshal(output, &parsed) == nil {
		result.Output = parsed
		if success, ok := parsed["success"].(bool); ok {
			result.Success = success
			if !success {
				if msg, ok := parsed["error"].(string); ok {
					result.Error = msg
				}
			}
		}
	}

	c.logger.Info("cloud command finished",
		zap.String("command", args[0]),
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (c *Client) execCLI(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.CLIPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", c.cfg.CommandTimeout)
		}
		return nil, fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}
