// Package control implements the file-based control channel between
// the supervisor and worker processes. One JSON file per (annotator,
// domain) pair carries the latest command; workers poll it between
// samples. Files are written atomically so a worker never reads a torn
// signal.
package control

import (
	"time"

	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/internal/fsutil"
)

// Commands a worker understands.
const (
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
)

// Signal is the on-disk control message.
type Signal struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// Write atomically replaces the signal file for a pair.
func Write(path, command string) error {
	switch command {
	case CommandPause, CommandResume, CommandStop:
	default:
		return errors.Newf("unknown control command: %s", command)
	}
	sig := Signal{Command: command, Timestamp: time.Now().UTC()}
	return errors.Wrapf(fsutil.WriteJSON(path, sig), "failed to write control signal %s", command)
}

// Read returns the current signal, or nil when the file is absent or
// unreadable. A garbled control file must never wedge a worker.
func Read(path string) (*Signal, error) {
	var sig Signal
	ok, err := fsutil.ReadJSON(path, &sig)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read control signal at %s", path)
	}
	if !ok || sig.Command == "" {
		return nil, nil
	}
	return &sig, nil
}

// Clear removes the signal file. Missing files are fine.
func Clear(path string) error {
	return errors.Wrapf(fsutil.Remove(path), "failed to clear control signal at %s", path)
}
