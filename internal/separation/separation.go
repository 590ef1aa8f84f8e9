// Package separation splits a mixed audio track into vocals and an
// instrumental background. The actual model runs out of process; when no
// separator is configured the pipeline degrades to dubbing over the original
// mix without a background layer.
package separation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/streamdub/streamdub/internal/config"
)

// Separator produces a vocals track and an instrumental track from input.
type Separator interface {
	// Separate writes the two stems to the given paths.
	Separate(ctx context.Context, input, vocalsOut, instrumentalOut string) error
	// Available reports whether separation can be attempted at all.
	Available() bool
}

// New picks the separator implementation from config.
func New(cfg config.SeparationConfig, logger *slog.Logger) Separator {
	if !cfg.Enabled || strings.TrimSpace(cfg.Command) == "" {
		logger.Info("vocal separation disabled")
		return Disabled{}
	}
	return &CommandSeparator{
		command: cfg.Command,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Disabled is the no-separation fallback.
type Disabled struct{}

func (Disabled) Separate(ctx context.Context, input, vocalsOut, instrumentalOut string) error {
	return fmt.Errorf("vocal separation is disabled")
}

func (Disabled) Available() bool { return false }

// CommandSeparator shells out to a configured separator program, invoked as
// `<command> <input> <vocals_out> <instrumental_out>`.
type CommandSeparator struct {
	command string
	timeout time.Duration
	logger  *slog.Logger
}

func (s *CommandSeparator) Available() bool { return true }

func (s *CommandSeparator) Separate(ctx context.Context, input, vocalsOut, instrumentalOut string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	parts := strings.Fields(s.command)
	args := append(parts[1:], input, vocalsOut, instrumentalOut)

	start := time.Now()
	cmd := exec.CommandContext(ctx, parts[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("separator command failed: %w (output: %s)", err, truncate(string(out), 512))
	}

	// The command exiting zero is not enough; both stems must exist.
	for _, path := range []string{vocalsOut, instrumentalOut} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("separator produced no output at %s: %w", path, err)
		}
	}

	s.logger.Info("vocal separation finished",
		slog.String("input", input),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
