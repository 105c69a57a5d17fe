package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePrompt(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResolveBase(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "base/urgency.txt", "Rate the urgency of: {text}")

	tmpl, err := NewResolver(dir).Resolve(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "Rate the urgency of: hello", tmpl.Render("hello"))
	assert.Contains(t, tmpl.Source, "base/urgency.txt")
}

func TestOverrideBeatsBase(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "base/urgency.txt", "base {text}")
	writePrompt(t, dir, "overrides/annotator_2/urgency.txt", "override {text}")

	tmpl, err := NewResolver(dir).Resolve(2, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "override x", tmpl.Render("x"))

	// Other annotators still get the base prompt.
	tmpl, err = NewResolver(dir).Resolve(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "base x", tmpl.Render("x"))
}

func TestActiveVersionBeatsOverride(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "base/urgency.txt", "base {text}")
	writePrompt(t, dir, "overrides/annotator_1/urgency.txt", "override {text}")
	writePrompt(t, dir, "versions/annotator_1/urgency/v2.txt", "pinned {text}")
	writePrompt(t, dir, ActiveVersionsFile, `{"annotator_1.urgency": "v2.txt"}`)

	tmpl, err := NewResolver(dir).Resolve(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "pinned x", tmpl.Render("x"))
}

func TestPinToMissingFileIsError(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "base/urgency.txt", "base {text}")
	writePrompt(t, dir, ActiveVersionsFile, `{"annotator_1.urgency": "gone.txt"}`)

	_, err := NewResolver(dir).Resolve(1, "urgency")
	assert.Error(t, err)
}

func TestMalformedManifestIgnored(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "base/urgency.txt", "base {text}")
	writePrompt(t, dir, ActiveVersionsFile, `{not json`)

	tmpl, err := NewResolver(dir).Resolve(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, "base x", tmpl.Render("x"))
}

func TestMissingEverywhere(t *testing.T) {
	_, err := NewResolver(t.TempDir()).Resolve(1, "urgency")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPlaceholderValidation(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "base/urgency.txt", "no placeholder at all")
	_, err := NewResolver(dir).Resolve(1, "urgency")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one {text}")

	writePrompt(t, dir, "base/intensity.txt", "{text} and again {text}")
	_, err = NewResolver(dir).Resolve(1, "intensity")
	assert.Error(t, err)
}

func TestRenderSubstitutesOnce(t *testing.T) {
	tmpl := &Template{Body: "classify: {text}"}
	assert.Equal(t, "classify: a {text} b", tmpl.Render("a {text} b"),
		"placeholder-looking sample text is not re-expanded")
}
