// Package procutil answers the one question the store and watchdog keep
// asking: is this PID still our worker? A bare signal-0 probe races with
// PID reuse, so when process introspection is available the command line
// is checked for the worker entry point and the matching annotator/domain
// arguments.
package procutil

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// IsWorkerRunning reports whether pid is alive and is the worker process
// for the given annotator/domain pair.
func IsWorkerRunning(pid int, annotatorID int, domain string) bool {
	if pid <= 0 {
		return false
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}

	cmdline, err := proc.Cmdline()
	if err != nil || cmdline == "" {
		// Introspection unavailable (permissions, platform); fall back to
		// a liveness probe and accept the PID-reuse caveat.
		alive, err := proc.IsRunning()
		return err == nil && alive
	}

	return IsWorkerCmdline(cmdline, annotatorID, domain)
}

// IsWorkerCmdline reports whether a command line belongs to the worker
// entry point with the expected arguments.
func IsWorkerCmdline(cmdline string, annotatorID int, domain string) bool {
	return strings.Contains(cmdline, "worker") &&
		strings.Contains(cmdline, fmt.Sprintf("--annotator %d", annotatorID)) &&
		strings.Contains(cmdline, fmt.Sprintf("--domain %s", domain))
}

// IsAlive reports whether any process with the given PID exists.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// Kill forcibly terminates the process with the given PID. Killing an
// already-dead process is not an error.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	return proc.Kill()
}
