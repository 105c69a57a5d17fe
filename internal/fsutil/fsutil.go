// Package fsutil provides atomic file operations for the on-disk surfaces
// shared between the supervisor and worker processes (control signals,
// annotation mirrors, exported state). Writes go to a sibling temp file,
// are fsynced, then renamed over the target so readers never observe a
// partially written payload.
package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mindhive/annotad/errors"
)

// DirPermissions is the mode used for created directories.
const DirPermissions = 0o755

// EnsureDir creates the directory and all parents if they don't exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, DirPermissions); err != nil {
		return errors.Wrapf(err, "create directory %s", path)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON to path.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal payload for %s", path)
	}
	return WriteFile(path, append(data, '\n'))
}

// WriteFile atomically writes data to path via temp-file-and-rename.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp_*")
	if err != nil {
		return errors.Wrapf(err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrapf(err, "fsync %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "close temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "rename temp file over %s", path)
	}
	return nil
}

// ReadJSON reads path into v. Returns (false, nil) if the file is missing
// or holds malformed JSON; callers that need to distinguish the two can
// stat the path themselves.
func ReadJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// Malformed payload is treated like a missing file; a torn write
		// from a non-atomic producer must not take the reader down.
		return false, nil
	}
	return true, nil
}

// AppendLine appends a single line (data + newline) to path, creating the
// file if needed. Used for JSONL mirrors; appends of a line-sized payload
// are atomic enough for a single-writer file.
func AppendLine(path string, data []byte) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s for append", path)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrapf(err, "append to %s", path)
	}
	return nil
}

// Remove deletes path, ignoring not-exist.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}
