package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves every on-disk location from a single base directory.
// The supervisor spawns workers with the base dir as CWD, so both sides
// agree on relative locations.
type Paths struct {
	Base string
}

// ResolvePaths builds a Paths rooted at dir, or at ANNOTAD_HOME / the
// current directory when dir is empty.
func ResolvePaths(dir string) Paths {
	if dir == "" {
		dir = os.Getenv("ANNOTAD_HOME")
	}
	if dir == "" {
		dir = "."
	}
	return Paths{Base: dir}
}

func (p Paths) Settings() string   { return filepath.Join(p.Base, "config", "settings.json") }
func (p Paths) APIKeys() string    { return filepath.Join(p.Base, "config", "api_keys.json") }
func (p Paths) PromptsDir() string { return filepath.Join(p.Base, "config", "prompts") }
func (p Paths) ControlDir() string { return filepath.Join(p.Base, "control") }
func (p Paths) DataDir() string    { return filepath.Join(p.Base, "data") }
func (p Paths) Database() string   { return filepath.Join(p.Base, "data", "worker_state.db") }
func (p Paths) Corpus() string     { return filepath.Join(p.Base, "data", "source", "samples.csv") }

// ControlFile is the per-worker control-signal file.
func (p Paths) ControlFile(annotatorID int, domain string) string {
	return filepath.Join(p.ControlDir(), fmt.Sprintf("annotator_%d_%s.json", annotatorID, domain))
}

// AnnotationsMirror is the per-worker JSONL mirror of annotation rows.
func (p Paths) AnnotationsMirror(annotatorID int, domain string) string {
	return filepath.Join(p.DataDir(), "annotations",
		fmt.Sprintf("annotator_%d", annotatorID), domain, "annotations.jsonl")
}
