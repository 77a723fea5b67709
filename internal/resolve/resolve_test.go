package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestResolve_DirectoryFiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.jpg"))
	touch(t, filepath.Join(dir, "b.png"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "sub", "c.webp"))

	got, skipped := Resolve([]string{dir}, DefaultExtensions)
	assert.Empty(t, skipped)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.jpg"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "sub", "c.webp"),
	}, got)

	// Same filesystem state, same order.
	again, _ := Resolve([]string{dir}, DefaultExtensions)
	assert.Equal(t, got, again)
}

func TestResolve_MixedInputsKeepArgumentOrder(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "z", "LAST.JPG")
	touch(t, single)
	touch(t, filepath.Join(dir, "d", "x.tiff"))
	touch(t, filepath.Join(dir, "d", "y.BMP"))
	missing := filepath.Join(dir, "gone.png")

	got, skipped := Resolve([]string{single, missing, filepath.Join(dir, "d")}, DefaultExtensions)

	assert.Equal(t, []string{
		single,
		filepath.Join(dir, "d", "x.tiff"),
		filepath.Join(dir, "d", "y.BMP"),
	}, got)

	require.Len(t, skipped, 1)
	var de *DiscoveryError
	require.True(t, errors.As(skipped[0], &de))
	assert.Equal(t, missing, de.Path)
	assert.True(t, errors.Is(skipped[0], os.ErrNotExist))
}

func TestResolve_FileWithUnknownExtensionIsIgnored(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "readme.md")
	touch(t, p)

	got, skipped := Resolve([]string{p}, DefaultExtensions)
	assert.Empty(t, got)
	assert.Empty(t, skipped)
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		outputDir string
		suffix    string
		format    string
		want      string
	}{
		{"sibling", "/x/a.jpg", "", "_nobg", "", "/x/a_nobg.jpg"},
		{"output dir", "/x/a.jpg", "/out", "_nobg", "", "/out/a_nobg.jpg"},
		{"forced format", "/x/a.jpg", "/out", "_nobg", "png", "/out/a_nobg.png"},
		{"forced format with dot", "/x/a.jpeg", "", "_cut", ".PNG", "/x/a_cut.png"},
		{"dotted stem", "/x/my.photo.webp", "", "_nobg", "", "/x/my.photo_nobg.webp"},
		{"no extension", "/x/raw", "", "_nobg", "", "/x/raw_nobg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OutputPath(filepath.FromSlash(tt.input), filepath.FromSlash(tt.outputDir), tt.suffix, tt.format)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}
}

func TestOutputPath_DoesNotTouchFilesystem(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "not", "created")

	_ = OutputPath(filepath.Join(dir, "a.png"), out, "_nobg", "")

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestWorkItems_RejectsDuplicateOutputs(t *testing.T) {
	inputs := []string{
		filepath.FromSlash("/photos/2023/cat.jpg"),
		filepath.FromSlash("/photos/2024/cat.jpg"),
	}

	// Siblings are fine: each lands next to its own input.
	items, err := WorkItems(inputs, "", "_nobg", "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, filepath.FromSlash("/photos/2023/cat_nobg.jpg"), items[0].OutputPath)

	// A shared output directory collapses them onto one path.
	_, err = WorkItems(inputs, filepath.FromSlash("/out"), "_nobg", "")
	var dup *DuplicateOutputError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, inputs, dup.Inputs)
}

func TestWorkItems_RejectsOverwritingInput(t *testing.T) {
	_, err := WorkItems([]string{filepath.FromSlash("/x/a.png")}, "", "", "")
	var dup *DuplicateOutputError
	require.ErrorAs(t, err, &dup)
	assert.Len(t, dup.Inputs, 1)
}

func TestResolve_SymlinkedDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	touch(t, filepath.Join(target, "a.jpg"))
	touch(t, filepath.Join(target, "sub", "b.png"))

	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	files, skipped := Resolve([]string{link}, DefaultExtensions)
	assert.Empty(t, skipped)
	assert.Equal(t, []string{
		filepath.Join(link, "a.jpg"),
		filepath.Join(link, "sub", "b.png"),
	}, files)
}

func TestWorkItems_MakesRelativeInputsAbsolute(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	items, err := WorkItems([]string{filepath.Join("photos", "cat.jpg")}, "", "_nobg", "")
	require.NoError(t, err)
	require.Len(t, items, 1)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "photos", "cat.jpg"), items[0].InputPath)
	assert.Equal(t, filepath.Join(cwd, "photos", "cat_nobg.jpg"), items[0].OutputPath)
	assert.True(t, filepath.IsAbs(items[0].OutputPath))
}
