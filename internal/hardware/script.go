package hardware

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"go.olrik.dev/steward/internal/operation"
)

// Helper scripts talk to the runner through their output:
//
//	STAGE <name>   enters a named stage
//	42%            anywhere in a line reports progress
//
// Stages let the runner tell which recovery state a failure leaves behind
// and whether cancelling is still safe.
var (
	progressRegex = regexp.MustCompile(`(?:^|\s)(\d{1,3})%`)
	stageRegex    = regexp.MustCompile(`^\s*STAGE\s+(\S+)`)
)

// cancelPollInterval is how often a silent script is checked for a pending
// cancellation.
const cancelPollInterval = 250 * time.Millisecond

// maxScriptLine caps a single line of helper output, longer runs without a
// line break are split.
const maxScriptLine = 4096

// ScriptJob describes one helper invocation
type ScriptJob struct {
	Script ScriptConfig
	Args   []string // appended after the configured args

	// SafeToCancel reports whether the script may be stopped in stage.
	// Nil means the job is never interrupted.
	SafeToCancel func(stage string) bool

	// Recover maps the last stage seen to the state a failure or
	// cancellation leaves the target in.
	Recover func(stage string) operation.Recovery
}

// ScriptRunner runs helper scripts under a pseudo-terminal so their progress
// output is line buffered like on an interactive console.
type ScriptRunner struct {
	logger *slog.Logger
}

// NewScriptRunner creates a runner
func NewScriptRunner(logger *slog.Logger) *ScriptRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptRunner{logger: logger}
}

// Run executes job as the executor of task. The returned error carries the
// recovery state for the operation tracker.
func (r *ScriptRunner) Run(task *operation.Task, job ScriptJob) error {
	recoverFor := func(stage string) operation.Recovery {
		if job.Recover == nil {
			return operation.RecoveryNeedsRetry
		}
		return job.Recover(stage)
	}

	if !job.Script.Valid() {
		return operation.WithRecovery(operation.RecoveryUntouched,
			fmt.Errorf("script %q is not an executable file", job.Script.Path))
	}

	args := append(append([]string(nil), job.Script.Args...), job.Args...)
	cmd := exec.Command(job.Script.Path, args...)

	// Cancelled before we touched anything
	if task.Cancelled() {
		return operation.WithRecovery(operation.RecoveryUntouched, operation.ErrCancelled)
	}

	f, err := pty.Start(cmd)
	if err != nil {
		return operation.WithRecovery(operation.RecoveryUntouched, fmt.Errorf("failed to start %s: %w", job.Script.Path, err))
	}
	defer f.Close()

	r.logger.Info("Script started", "operation", task.ID(), "script", job.Script.Path, "pid", cmd.Process.Pid)

	lines := make(chan string, 16)
	go readLines(f, lines, r.logger)

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	stage := ""
	cancelled := false
	ctxDone := task.Context().Done()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if m := stageRegex.FindStringSubmatch(line); m != nil {
				stage = m[1]
				r.logger.Debug("Script stage", "operation", task.ID(), "stage", stage)
			} else if p, ok := parseProgress(line); ok {
				task.Progress(p)
			}
		case <-ticker.C:
		case <-ctxDone:
			// Daemon shutdown, treat like a cancel request where it is safe
			ctxDone = nil
			if job.SafeToCancel != nil && job.SafeToCancel(stage) && !cancelled {
				cancelled = true
				r.terminate(cmd)
			}
		}

		// Safe point
		if !cancelled && task.Cancelled() && job.SafeToCancel != nil && job.SafeToCancel(stage) {
			cancelled = true
			r.logger.Info("Stopping script on cancellation", "operation", task.ID(), "stage", stage)
			r.terminate(cmd)
		}
	}

	err = cmd.Wait()
	if cancelled {
		return operation.WithRecovery(recoverFor(stage), operation.ErrCancelled)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("%s exited with status %d in stage %q", job.Script.Path, exitErr.ExitCode(), stage)
		}
		return operation.WithRecovery(recoverFor(stage), err)
	}

	r.logger.Info("Script finished", "operation", task.ID(), "script", job.Script.Path)
	return nil
}

// readLines sends every line of output to lines and closes it at EOF. The
// pty is drained to the end even if scanning fails, a child blocked on a
// full pty would never exit.
func readLines(src io.Reader, lines chan<- string, logger *slog.Logger) {
	defer close(lines)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, maxScriptLine), 2*maxScriptLine)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	// Linux returns EIO once the child side closes, that is a normal EOF
	if err := scanner.Err(); err != nil && !errors.Is(err, unix.EIO) {
		logger.Warn("Script output unreadable, discarding the rest", "error", err)
	}
	_, _ = io.Copy(io.Discard, src)
}

// terminate signals the whole session the script runs in
func (r *ScriptRunner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGTERM); err != nil {
		r.logger.Warn("Failed to signal script", "pid", cmd.Process.Pid, "error", err)
	}
}

func parseProgress(line string) (uint32, bool) {
	m := progressRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil || v > 100 {
		return 0, false
	}
	return uint32(v), true
}

// scanLinesOrCR splits on \n and on bare \r, which progress bars use to
// redraw a line in place.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		token = data[:i]
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, token, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	if len(data) >= maxScriptLine {
		return maxScriptLine, data[:maxScriptLine], nil
	}
	return 0, nil, nil
}
