// Package prompt resolves the annotation prompt template for an
// (annotator, domain) pair. Resolution walks three layers under the
// prompts directory, most specific first:
//
//	versions/annotator_<i>/<domain>/<file>  (named by active_versions.json)
//	overrides/annotator_<i>/<domain>.txt
//	base/<domain>.txt
//
// Templates carry a single {text} placeholder for the sample text.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/internal/fsutil"
)

// Placeholder is the interpolation site substituted with sample text.
const Placeholder = "{text}"

// ActiveVersionsFile names the version-pin manifest inside the prompts
// directory. Keys are "annotator_<i>.<domain>", values are filenames
// inside the pair's versions directory.
const ActiveVersionsFile = "active_versions.json"

// Template is a resolved, validated prompt template.
type Template struct {
	// Body is the raw template text including the placeholder.
	Body string
	// Source is the path the template was loaded from.
	Source string
}

// Render substitutes the sample text into the template.
func (t *Template) Render(text string) string {
	return strings.Replace(t.Body, Placeholder, text, 1)
}

// Resolver loads templates from a prompts directory.
type Resolver struct {
	dir string
}

// NewResolver creates a resolver rooted at the prompts directory.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve loads the effective template for a pair, walking the version
// pin, then the override, then the base prompt. A template existing at
// any layer but failing validation is an error, not a fallthrough:
// silently annotating with the wrong layer would corrupt a run.
func (r *Resolver) Resolve(annotatorID int, domain string) (*Template, error) {
	if path := r.activeVersionPath(annotatorID, domain); path != "" {
		// A pin pointing at a missing file is a config error too.
		return r.load(path)
	}

	overridePath := filepath.Join(r.dir, "overrides",
		fmt.Sprintf("annotator_%d", annotatorID), domain+".txt")
	if _, err := os.Stat(overridePath); err == nil {
		return r.load(overridePath)
	}

	basePath := filepath.Join(r.dir, "base", domain+".txt")
	if _, err := os.Stat(basePath); err != nil {
		return nil, errors.Newf(
			"prompt template not found for annotator %d domain %s (looked under %s)",
			annotatorID, domain, r.dir)
	}
	return r.load(basePath)
}

// activeVersionPath consults the pin manifest. Absent or malformed
// manifests, and pairs without a pin, yield no path.
func (r *Resolver) activeVersionPath(annotatorID int, domain string) string {
	var pins map[string]string
	ok, err := fsutil.ReadJSON(filepath.Join(r.dir, ActiveVersionsFile), &pins)
	if err != nil || !ok {
		return ""
	}
	file, ok := pins[fmt.Sprintf("annotator_%d.%s", annotatorID, domain)]
	if !ok || file == "" {
		return ""
	}
	return filepath.Join(r.dir, "versions",
		fmt.Sprintf("annotator_%d", annotatorID), domain, file)
}

func (r *Resolver) load(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read prompt template %s", path)
	}
	body := string(raw)
	if n := strings.Count(body, Placeholder); n != 1 {
		return nil, errors.Newf(
			"prompt template %s must contain exactly one %s placeholder, found %d",
			path, Placeholder, n)
	}
	return &Template{Body: body, Source: path}, nil
}
