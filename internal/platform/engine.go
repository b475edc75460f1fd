package platform

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/logctx"
)

// appliedMarker lives in a runtime directory, so it disappears on reboot.
const appliedMarker = "payload-applied"

const (
	niceForeground = 0
	niceBackground = 10
)

var errNotApplying = errors.New("no payload is being applied")

// CommandEngine runs an apply command per payload and translates its output into
// engine callbacks. The command receives
//
//	--uri <file uri> --offset <payload offset> [--header KEY=VALUE]...
//
// and reports on stdout with lines such as "status downloading 0.42" and
// "complete 0". Without a complete line the exit code is the result.
type CommandEngine struct {
	command  string
	stateDir string
	ctx      context.Context

	mu        sync.Mutex
	cb        install.EngineCallback
	cmd       *exec.Cmd
	status    install.EngineStatus
	percent   float64
	cancelled bool
	perfMode  bool
}

func NewCommandEngine(ctx context.Context, command, stateDir string) *CommandEngine {
	logger := logctx.LoggerFromContext(ctx).With("component", "streaming_engine")

	return &CommandEngine{
		command:  command,
		stateDir: stateDir,
		ctx:      logctx.WithLogger(context.WithoutCancel(ctx), logger),
	}
}

// Bind attaches cb and reports the current status to it.
func (e *CommandEngine) Bind(cb install.EngineCallback) bool {
	if cb == nil {
		return false
	}

	e.mu.Lock()
	e.cb = cb
	status, percent := e.currentLocked()
	e.mu.Unlock()

	cb.OnStatusUpdate(status, percent)

	return true
}

func (e *CommandEngine) currentLocked() (install.EngineStatus, float64) {
	if e.cmd != nil {
		return e.status, e.percent
	}

	if _, err := os.Stat(e.markerPath()); err == nil {
		return install.EngineUpdatedNeedReboot, 1
	}

	return install.EngineIdle, 0
}

func (e *CommandEngine) ApplyPayload(uri string, offset int64, props []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd != nil {
		return errors.New("a payload is already being applied")
	}

	args := []string{"--uri", uri, "--offset", strconv.FormatInt(offset, 10)}
	for _, p := range props {
		args = append(args, "--header", p)
	}

	// the command outlives the request that started it
	cmd := exec.Command(e.command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to apply command: %w", err)
	}

	if err := os.MkdirAll(e.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create engine state dir: %w", err)
	}

	_ = os.Remove(e.markerPath())

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start apply command: %w", err)
	}

	e.cmd = cmd
	e.status = install.EngineDownloading
	e.percent = 0
	e.cancelled = false

	e.applyPriorityLocked()

	logctx.LoggerFromContext(e.ctx).InfoContext(e.ctx, "apply command started", "pid", cmd.Process.Pid, "offset", offset)

	go e.wait(cmd, stdout)

	return nil
}

func (e *CommandEngine) wait(cmd *exec.Cmd, stdout io.Reader) {
	logger := logctx.LoggerFromContext(e.ctx)

	code, reported := install.EngineSuccess, false

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "status":
			status, percent, ok := parseStatus(fields[1:])
			if !ok {
				logger.DebugContext(e.ctx, "ignoring malformed status line", "line", sc.Text())

				continue
			}

			e.report(status, percent)
		case "complete":
			if len(fields) > 1 {
				if c, err := strconv.Atoi(fields[1]); err == nil {
					code, reported = c, true
				}
			}
		default:
			logger.DebugContext(e.ctx, "apply command", "line", sc.Text())
		}
	}

	err := cmd.Wait()
	if !reported {
		code = exitCode(err)
	}

	e.mu.Lock()
	e.cmd = nil
	cancelled := e.cancelled
	cb := e.cb

	if code == install.EngineSuccess && !cancelled {
		e.status, e.percent = install.EngineUpdatedNeedReboot, 1

		if werr := os.WriteFile(e.markerPath(), nil, 0o644); werr != nil {
			logger.WarnContext(e.ctx, "failed to record applied payload", "err", werr)
		}
	} else {
		e.status, e.percent = install.EngineIdle, 0
	}
	e.mu.Unlock()

	logger.InfoContext(e.ctx, "apply command finished", "code", code, "cancelled", cancelled)

	if cancelled || cb == nil {
		return
	}

	if code == install.EngineSuccess {
		cb.OnStatusUpdate(install.EngineUpdatedNeedReboot, 1)
	}

	cb.OnPayloadApplicationComplete(code)
}

func (e *CommandEngine) report(status install.EngineStatus, percent float64) {
	e.mu.Lock()
	e.status, e.percent = status, percent
	cb := e.cb
	e.mu.Unlock()

	if cb != nil {
		cb.OnStatusUpdate(status, percent)
	}
}

// Cancel terminates the apply command. A cancelled payload reports no completion.
func (e *CommandEngine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		return errNotApplying
	}

	e.cancelled = true
	pid := e.cmd.Process.Pid

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop apply command: %w", err)
	}

	// a suspended process only handles the termination once continued
	_ = unix.Kill(pid, unix.SIGCONT)

	return nil
}

func (e *CommandEngine) Suspend() error {
	return e.signal(unix.SIGSTOP)
}

func (e *CommandEngine) Resume() error {
	return e.signal(unix.SIGCONT)
}

// SetPerformanceMode runs the apply command at normal priority instead of in the background.
func (e *CommandEngine) SetPerformanceMode(enable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.perfMode = enable
	e.applyPriorityLocked()
}

// Running reports whether an apply command is alive.
func (e *CommandEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cmd != nil
}

func (e *CommandEngine) signal(sig unix.Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		return errNotApplying
	}

	if err := unix.Kill(e.cmd.Process.Pid, sig); err != nil {
		return fmt.Errorf("failed to signal apply command: %w", err)
	}

	return nil
}

func (e *CommandEngine) applyPriorityLocked() {
	if e.cmd == nil {
		return
	}

	nice := niceBackground
	if e.perfMode {
		nice = niceForeground
	}

	if err := unix.Setpriority(unix.PRIO_PROCESS, e.cmd.Process.Pid, nice); err != nil {
		logctx.LoggerFromContext(e.ctx).WarnContext(e.ctx, "failed to set apply command priority", "err", err)
	}
}

func (e *CommandEngine) markerPath() string {
	return filepath.Join(e.stateDir, appliedMarker)
}

func parseStatus(fields []string) (install.EngineStatus, float64, bool) {
	if len(fields) == 0 {
		return 0, 0, false
	}

	var status install.EngineStatus

	switch fields[0] {
	case "idle":
		status = install.EngineIdle
	case "downloading":
		status = install.EngineDownloading
	case "verifying":
		status = install.EngineVerifying
	case "finalizing":
		status = install.EngineFinalizing
	case "updated_need_reboot":
		status = install.EngineUpdatedNeedReboot
	case "reporting_error":
		status = install.EngineReportingError
	default:
		return 0, 0, false
	}

	var percent float64

	if len(fields) > 1 {
		p, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, 0, false
		}

		percent = p
	}

	return status, percent, true
}

func exitCode(err error) int {
	if err == nil {
		return install.EngineSuccess
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}

	return 1
}
