// Package ffmpeg wraps the external ffmpeg/ffprobe binaries behind typed
// operations used by the dubbing pipeline. Every invocation runs under a
// context with a wall-clock budget, captures stderr into a bounded ring
// buffer for diagnostics, and relies only on the exit code for control flow.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxStderrLines bounds the retained stderr tail per command.
const maxStderrLines = 40

// Runner executes ffmpeg commands with a shared binary path and timeout.
type Runner struct {
	binary  string
	timeout time.Duration
}

// NewRunner creates a Runner for the given ffmpeg binary. An empty binary
// resolves to "ffmpeg" on PATH; a zero timeout means no per-command budget.
func NewRunner(binary string, timeout time.Duration) *Runner {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Runner{binary: binary, timeout: timeout}
}

// Command is a single ffmpeg invocation.
type Command struct {
	Binary string
	Args   []string

	Stdin  io.Reader
	Stdout io.Writer

	mu          sync.Mutex
	stderrLines []string
}

// CommandBuilder assembles ffmpeg argument lists with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	inputs     []string
	outputArgs []string
	output     string
}

// NewCommandBuilder creates a builder targeting the given binary.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{
		binary:     binary,
		globalArgs: []string{"-hide_banner", "-loglevel", "error", "-y"},
	}
}

// Input adds an input file after any pending input arguments.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.inputs = append(b.inputs, input)
	return b
}

// InputArgs adds arguments that precede the next input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// OutputArgs adds arguments that precede the output.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output target.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build produces the Command. Input arguments are placed before the first
// input; remaining inputs follow directly, matching how the pipeline uses
// multi-input invocations (mux: video first, audio second).
func (b *CommandBuilder) Build() *Command {
	args := append([]string{}, b.globalArgs...)
	for i, in := range b.inputs {
		if i == 0 {
			args = append(args, b.inputArgs...)
		}
		args = append(args, "-i", in)
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}
	return &Command{Binary: b.binary, Args: args}
}

// Run executes the command and waits for completion. On a non-zero exit the
// error includes the stderr tail.
func (c *Command) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	c.recordStderr(stderr.String())

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out: %w", c.Binary, ctx.Err())
		}
		return fmt.Errorf("%s %s: %w (stderr: %s)",
			c.Binary, strings.Join(c.Args, " "), err, c.StderrTail())
	}
	return nil
}

func (c *Command) recordStderr(out string) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > maxStderrLines {
		lines = lines[len(lines)-maxStderrLines:]
	}
	c.mu.Lock()
	c.stderrLines = lines
	c.mu.Unlock()
}

// StderrTail returns the retained stderr tail as a single string.
func (c *Command) StderrTail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.stderrLines, " | ")
}

// run builds a context with the runner's timeout and executes the command.
func (r *Runner) run(ctx context.Context, cmd *Command) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return cmd.Run(ctx)
}

// builder returns a CommandBuilder bound to this runner's binary.
func (r *Runner) builder() *CommandBuilder {
	return NewCommandBuilder(r.binary)
}
