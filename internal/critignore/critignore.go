// Package critignore filters reviewable files through gitignore-style
// patterns read from a .critignore file at the repository root. The
// .crit directory itself is always ignored.
package critignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/bobisme/botcrit/internal/crit"
)

// FileName is the ignore file looked up at the repository root.
const FileName = ".critignore"

// Ignore matches repository-relative slash paths against the loaded
// patterns.
type Ignore struct {
	matcher gitignore.Matcher
}

// Load reads root/.critignore. A missing file yields an empty rule set
// (only the hard ignores apply).
func Load(root string) (*Ignore, error) {
	f, err := os.Open(filepath.Join(root, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &Ignore{matcher: gitignore.NewMatcher(nil)}, nil
		}
		return nil, crit.Storage(err, "open %s", FileName)
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if err := scanner.Err(); err != nil {
		return nil, crit.Storage(err, "read %s", FileName)
	}
	return &Ignore{matcher: gitignore.NewMatcher(patterns)}, nil
}

// Ignored reports whether a repository-relative slash path is excluded
// from review.
func (ig *Ignore) Ignored(path string) bool {
	if path == ".crit" || strings.HasPrefix(path, ".crit/") {
		return true
	}
	return ig.matcher.Match(strings.Split(path, "/"), false)
}

// Filter splits files into the reviewable set and a count of ignored
// ones, preserving order.
func (ig *Ignore) Filter(files []string) (kept []string, ignored int) {
	for _, f := range files {
		if ig.Ignored(f) {
			ignored++
			continue
		}
		kept = append(kept, f)
	}
	return kept, ignored
}
