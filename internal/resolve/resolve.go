package resolve

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/cutout/internal/types"
)

// Extensions is a set of lower-case file extensions including the leading dot.
type Extensions map[string]struct{}

// DefaultExtensions are the image formats the decoder understands.
var DefaultExtensions = NewExtensions(".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".webp")

// NewExtensions builds a set, normalising case and the leading dot.
func NewExtensions(exts ...string) Extensions {
	set := make(Extensions, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return set
}

// Match reports whether path has one of the extensions (case-insensitive).
func (e Extensions) Match(path string) bool {
	_, ok := e[strings.ToLower(filepath.Ext(path))]
	return ok
}

// DiscoveryError marks an input that is neither an existing file nor a directory.
// It is informational: the input is dropped, the batch goes on.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("skipping %q: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// DuplicateOutputError is returned when two inputs would be written to the same output path,
// or when an output would overwrite its own input.
type DuplicateOutputError struct {
	OutputPath string
	Inputs     []string
}

func (e *DuplicateOutputError) Error() string {
	if len(e.Inputs) == 1 {
		return fmt.Sprintf("output %q would overwrite its input; use a suffix or an output directory", e.OutputPath)
	}
	return fmt.Sprintf("inputs %q all map to output %q; use distinct names or separate output directories", e.Inputs, e.OutputPath)
}

// Resolve expands files and directories into the list of image files to process.
//
// Files are kept when their extension matches. Directories are walked recursively in
// lexical order so the result is stable for a given filesystem state. Inputs that do not
// exist are skipped and reported as *DiscoveryError in the second return value; they never
// fail the call. Results keep argument order and are absolute, cleaned paths.
func Resolve(inputs []string, exts Extensions) ([]string, []error) {
	var files []string
	var skipped []error

	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			skipped = append(skipped, &DiscoveryError{Path: in, Err: err})
			continue
		}

		info, err := os.Stat(abs)
		if err != nil {
			skipped = append(skipped, &DiscoveryError{Path: in, Err: err})
			continue
		}

		if !info.IsDir() {
			if info.Mode().IsRegular() && exts.Match(abs) {
				files = append(files, abs)
			}
			continue
		}

		found, walkSkipped, walkErr := walkDir(abs, exts)
		files = append(files, found...)
		skipped = append(skipped, walkSkipped...)
		if walkErr != nil {
			skipped = append(skipped, &DiscoveryError{Path: in, Err: walkErr})
		}
	}

	return files, skipped
}

// walkDir lists matching files under root. WalkDir does not follow a symlinked root, so
// the link is resolved first and results are reported under root's own name.
func walkDir(root string, exts Extensions) ([]string, []error, error) {
	walkRoot := root
	if fi, err := os.Lstat(root); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(root)
		if err != nil {
			return nil, nil, err
		}
		walkRoot = target
	}
	under := func(path string) string {
		if walkRoot == root {
			return path
		}
		rel, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return path
		}
		return filepath.Join(root, rel)
	}

	var files []string
	var skipped []error
	err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: report it and keep walking siblings.
			skipped = append(skipped, &DiscoveryError{Path: under(path), Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !exts.Match(path) {
			return nil
		}
		if !d.Type().IsRegular() {
			// Symlinks and friends: follow with Stat, keep only regular targets.
			fi, statErr := os.Stat(path)
			if statErr != nil || !fi.Mode().IsRegular() {
				return nil
			}
		}
		files = append(files, under(path))
		return nil
	})
	return files, skipped, err
}

// OutputPath derives where the result for input is written. It only manipulates strings.
//
// With outputDir set the result is outputDir/<stem><suffix><ext>, otherwise it sits next to
// the input. A non-empty format forces the extension (e.g. "png" -> ".png").
func OutputPath(input, outputDir, suffix, format string) string {
	dir, name := filepath.Split(input)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	if format != "" {
		ext = "." + strings.TrimPrefix(strings.ToLower(format), ".")
	}
	if outputDir != "" {
		dir = outputDir
	}
	return filepath.Join(dir, stem+suffix+ext)
}

// WorkItems pairs every input with its output path and rejects collisions, so no two
// workers of one batch ever write the same file. Both paths come back absolute.
func WorkItems(inputs []string, outputDir, suffix, format string) ([]types.WorkItem, error) {
	if outputDir != "" {
		abs, err := filepath.Abs(outputDir)
		if err != nil {
			return nil, fmt.Errorf("resolve output directory: %w", err)
		}
		outputDir = abs
	}

	items := make([]types.WorkItem, 0, len(inputs))
	seen := make(map[string]string, len(inputs))

	for _, in := range inputs {
		in, err := filepath.Abs(in)
		if err != nil {
			return nil, fmt.Errorf("resolve input path: %w", err)
		}
		out := OutputPath(in, outputDir, suffix, format)

		if samePath(in, out) {
			return nil, &DuplicateOutputError{OutputPath: out, Inputs: []string{in}}
		}
		key := pathKey(out)
		if prev, dup := seen[key]; dup {
			return nil, &DuplicateOutputError{OutputPath: out, Inputs: []string{prev, in}}
		}
		seen[key] = in
		items = append(items, types.WorkItem{InputPath: in, OutputPath: out})
	}
	return items, nil
}

func samePath(a, b string) bool {
	return pathKey(a) == pathKey(b)
}

// pathKey folds case on platforms whose default filesystems are case-insensitive.
func pathKey(p string) string {
	p = filepath.Clean(p)
	if caseInsensitiveFS {
		return strings.ToLower(p)
	}
	return p
}
