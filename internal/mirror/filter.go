package mirror

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const IgnoreFileName = ".treesyncignore"

var defaultIgnoreLines = []string{
	// treesync
	IgnoreFileName,
	manifest.DefaultFileName,
	manifest.DefaultFileName + ".lock",
	"*" + utils.TempMarker + "*",
	// vcs
	".git",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// Filter decides which relative paths are in scope for a mirror.
// A path is in scope when it matches an include glob (or there are none)
// and no ignore rule.
type Filter struct {
	baseDir string
	include []string
	extra   []string
	ignore  *gitignore.GitIgnore
}

func NewFilter(baseDir string, include, ignore []string) *Filter {
	f := &Filter{baseDir: baseDir, include: include, extra: ignore}
	f.ignore = gitignore.CompileIgnoreLines(f.rules()...)
	return f
}

// Load compiles the default rules, the configured rules and the ignore file in baseDir.
func (f *Filter) Load() {
	ignorePath := filepath.Join(f.baseDir, IgnoreFileName)
	ignoreLines := f.rules()

	if utils.FileExists(ignorePath) {
		ignoreLines = append(ignoreLines, readIgnoreFile(ignorePath)...)
	}

	f.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

func (f *Filter) rules() []string {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(f.extra))
	lines = append(lines, defaultIgnoreLines...)
	return append(lines, f.extra...)
}

func readIgnoreFile(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("failed to open ignore file", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("error reading ignore file", "path", path, "error", err)
	} else {
		slog.Info("loaded ignore file", "path", path, "rules", len(lines))
	}
	return lines
}

func (f *Filter) ShouldIgnore(relPath string) bool {
	return f.ignore.MatchesPath(relPath)
}

func (f *Filter) Included(relPath string) bool {
	if len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// InScope reports whether relPath is mirrored.
func (f *Filter) InScope(relPath string) bool {
	return f.Included(relPath) && !f.ShouldIgnore(relPath)
}

// Skip is InScope negated, in the shape manifest bootstrap expects.
func (f *Filter) Skip(relPath string) bool {
	return !f.InScope(relPath)
}

// Apply returns the in-scope entries, preserving order.
func (f *Filter) Apply(entries []manifest.RemoteEntry) []manifest.RemoteEntry {
	out := make([]manifest.RemoteEntry, 0, len(entries))
	for _, e := range entries {
		if f.InScope(e.Path) {
			out = append(out, e)
		}
	}
	return out
}
