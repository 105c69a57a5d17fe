package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mindhive/annotad/errors"
)

// Handle is a live worker child process.
type Handle interface {
	PID() int
	// Alive reports whether the process has not yet exited.
	Alive() bool
	// WaitTimeout blocks until exit or the timeout. Returns the exit
	// code and whether the process exited in time.
	WaitTimeout(d time.Duration) (int, bool)
	// Kill forcibly terminates the process.
	Kill() error
}

// Spawner launches worker processes. The exec implementation re-invokes
// this binary's worker subcommand; tests substitute fakes.
type Spawner interface {
	Spawn(annotatorID int, domain string) (Handle, error)
}

// ExecSpawner spawns workers as child processes of the supervisor.
type ExecSpawner struct {
	// Binary to execute; defaults to the current executable.
	Binary string
	// BaseDir becomes the child's working directory so supervisor and
	// worker agree on relative paths.
	BaseDir string
}

// Spawn starts `<binary> worker --annotator N --domain D`.
func (s *ExecSpawner) Spawn(annotatorID int, domain string) (Handle, error) {
	binary := s.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve own executable")
		}
		binary = exe
	}

	cmd := exec.Command(binary, "worker",
		"--annotator", fmt.Sprintf("%d", annotatorID),
		"--domain", domain)
	cmd.Dir = s.BaseDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start worker %d/%s", annotatorID, domain)
	}
	return newCmdHandle(cmd), nil
}

type cmdHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func newCmdHandle(cmd *exec.Cmd) *cmdHandle {
	h := &cmdHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		if cmd.ProcessState != nil {
			h.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			h.exitCode = -1
		}
		h.mu.Unlock()
		close(h.done)
	}()
	return h
}

func (h *cmdHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *cmdHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *cmdHandle) WaitTimeout(d time.Duration) (int, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, true
	case <-time.After(d):
		return 0, false
	}
}

func (h *cmdHandle) Kill() error {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "failed to kill worker process")
	}
	<-h.done
	return nil
}
