// Package shellrunner executes configured shell commands (restart
// scripts, power-device scripts, post-processing hooks) with a bounded
// timeout and captured output, per spec.md §4.13.
package shellrunner

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

// DefaultTimeout bounds how long a single command is allowed to run
// before it is killed, absent an explicit per-call timeout.
const DefaultTimeout = 30 * time.Second

// Runner executes shell commands on behalf of components, logging each
// line of output as it streams rather than buffering to completion.
type Runner struct {
	log zerolog.Logger
}

// New builds a Runner that logs through log.
func New(log zerolog.Logger) *Runner {
	return &Runner{log: log.With().Str("component", "shellrunner").Logger()}
}

// Result captures a finished command's output and exit status.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes command (split on whitespace like the shell, with no
// further quoting support) under a timeout, streaming each output line
// to the logger and also collecting it into Result. Callers that need to
// pass an argument containing whitespace (a file path, say) must use
// RunArgs instead.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return Result{}, gwerr.Client(400, "empty command")
	}
	return r.RunArgs(ctx, parts, timeout)
}

// RunArgs executes argv[0] with argv[1:] as literal arguments, with no
// shell involved and therefore no word-splitting or quoting to worry
// about. Prefer this over Run whenever an argument may contain spaces.
func (r *Runner) RunArgs(ctx context.Context, argv []string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if len(argv) == 0 {
		return Result{}, gwerr.Client(400, "empty command")
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	// On cancellation, ask nicely first; exec only escalates to SIGKILL
	// once WaitDelay elapses after Cancel returns.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, gwerr.IO(err, "opening stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, gwerr.IO(err, "opening stderr pipe")
	}

	command := strings.Join(argv, " ")

	if err := cmd.Start(); err != nil {
		return Result{}, gwerr.IO(err, "starting command %q", command)
	}

	var mu sync.Mutex
	var stdout, stderr strings.Builder

	g, _ := errgroup.WithContext(cctx)
	g.Go(func() error {
		return r.stream(stdoutPipe, "stdout", command, &mu, &stdout)
	})
	g.Go(func() error {
		return r.stream(stderrPipe, "stderr", command, &mu, &stderr)
	})
	_ = g.Wait()

	err = cmd.Wait()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if cctx.Err() == context.DeadlineExceeded {
		return res, gwerr.IO(cctx.Err(), "command %q timed out after %s", command, timeout)
	}
	if err != nil {
		return res, gwerr.IO(err, "command %q failed", command)
	}
	return res, nil
}

func (r *Runner) stream(pipe interface{ Read([]byte) (int, error) }, streamName, command string, mu *sync.Mutex, into *strings.Builder) error {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		r.log.Debug().Str("stream", streamName).Str("command", command).Msg(line)
		mu.Lock()
		into.WriteString(line)
		into.WriteByte('\n')
		mu.Unlock()
	}
	return scanner.Err()
}
