package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// termGracePeriod is how long a timed-out subprocess gets between SIGTERM
// and SIGKILL.
const termGracePeriod = 10 * time.Second

// newCommand creates an exec.Cmd with process group isolation so the whole
// subprocess tree can be terminated together.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// runWithTimeout starts cmd, captures combined output, and enforces the
// wall-clock timeout with an escalating kill: SIGTERM to the process
// group, a grace period, then SIGKILL.
//
// Output captured before the kill is preserved and returned alongside the
// exit code -- the caller may still find a completion marker in it.
//
// Pipes are drained concurrently and fully before cmd.Wait, so subprocess
// output larger than a pipe buffer cannot deadlock the runner. When
// logPath is set the combined stream is mirrored there as it arrives,
// which doubles as the stall monitor's heartbeat.
func runWithTimeout(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, logPath string, pm *ProcessManager) (Result, error) {
	started := time.Now()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var buf lockedBuffer
	sinks := []io.Writer{&buf}
	if logPath != "" {
		if f, openErr := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); openErr == nil {
			defer f.Close()
			sinks = append(sinks, f)
		}
	}
	sink := io.MultiWriter(sinks...)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(sink, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(sink, stderrPipe)
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		killGroup(cmd, syscall.SIGKILL)
		waitErr = <-done
		return Result{ExitCode: exitCode(waitErr), Output: buf.Bytes(), Duration: time.Since(started)}, ctx.Err()
	case <-timer.C:
		timedOut = true
		killGroup(cmd, syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(termGracePeriod):
			killGroup(cmd, syscall.SIGKILL)
			waitErr = <-done
		}
	}

	return Result{
		ExitCode: exitCode(waitErr),
		Output:   buf.Bytes(),
		Duration: time.Since(started),
		TimedOut: timedOut,
	}, nil
}

// exitCode maps a cmd.Wait error to a numeric exit code; a killed process
// reports -1.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// killGroup signals the entire process group (negative PID).
func killGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}

// lockedBuffer is a bytes.Buffer safe for the two pipe-reader goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// ProcessManager tracks running subprocesses so shutdown can terminate
// them all. Register the KillAll hook on the signal context in main.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a finished subprocess.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group.
func (pm *ProcessManager) KillAll() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, cmd := range pm.procs {
		killGroup(cmd, syscall.SIGKILL)
	}
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
