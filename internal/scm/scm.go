// Package scm is the source-control port consumed by the review engine.
// Two backends implement it (git and jj); the engine depends only on the
// interface and never shells out on its own.
package scm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bobisme/botcrit/internal/crit"
)

// Kind tags a backend.
type Kind string

const (
	Git Kind = "git"
	Jj  Kind = "jj"
)

// EnvSCM overrides backend auto-detection ("auto", "git", or "jj").
const EnvSCM = "CRIT_SCM"

// DetachedPrefix marks anchors that are bare commits rather than refs.
const DetachedPrefix = "detached:"

// Repo is the capability port over one working tree.
type Repo interface {
	Kind() Kind
	Root() string

	// CurrentAnchor returns a stable handle for the working copy: a
	// change id (jj), a branch name, or "detached:<commit>".
	CurrentAnchor() (string, error)
	CurrentCommit() (string, error)
	CommitForAnchor(anchor string) (string, error)
	// ParentCommit fails for root commits; callers decide how to degrade.
	ParentCommit(commit string) (string, error)

	DiffGit(from, to string) (string, error)
	DiffGitFile(from, to, file string) (string, error)
	ChangedFilesBetween(from, to string) ([]string, error)

	FileExists(rev, path string) (bool, error)
	ShowFile(rev, path string) (string, error)
}

// ValidateRef rejects refs that a subprocess could misread: empty,
// leading '-', embedded "..", or control characters.
func ValidateRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return crit.InvalidInput("ref", "cannot be empty")
	}
	if strings.HasPrefix(ref, "-") {
		return crit.InvalidInput("ref", "cannot start with '-': %s", ref)
	}
	if strings.Contains(ref, "..") {
		return crit.InvalidInput("ref", "cannot contain '..': %s", ref)
	}
	if strings.ContainsAny(ref, "\x00\n\r") {
		return crit.InvalidInput("ref", "contains control characters")
	}
	return nil
}

// ValidatePath rejects paths that are not normalized repo-relative slash
// paths: empty, absolute, leading '-', or containing "." / ".." / empty
// components.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return crit.InvalidInput("path", "cannot be empty")
	}
	if strings.HasPrefix(path, "/") || filepath.IsAbs(path) {
		return crit.InvalidInput("path", "must be repository-relative: %s", path)
	}
	if strings.HasPrefix(path, "-") {
		return crit.InvalidInput("path", "cannot start with '-': %s", path)
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return crit.InvalidInput("path", "contains control characters")
	}
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "":
			return crit.InvalidInput("path", "must be normalized: %s", path)
		case ".":
			return crit.InvalidInput("path", "must be normalized (no '.'): %s", path)
		case "..":
			return crit.InvalidInput("path", "traversal is not allowed: %s", path)
		}
	}
	return nil
}

// Detect selects a backend for dir. prefer takes precedence over the
// CRIT_SCM environment variable; both accept "auto", "git", or "jj".
// Auto-detection requires that when both backends resolve a root, the
// roots agree; mixed repositories then use jj.
func Detect(dir, prefer string) (Repo, error) {
	pref := strings.ToLower(strings.TrimSpace(prefer))
	if pref == "" {
		pref = strings.ToLower(strings.TrimSpace(os.Getenv(EnvSCM)))
	}

	switch pref {
	case "", "auto":
		return detectAuto(dir)
	case "git":
		root, ok := gitRoot(dir)
		if !ok {
			return nil, crit.Scm(nil, "backend 'git' requested but no git repository found at %s", dir)
		}
		return NewGit(root), nil
	case "jj":
		root, ok := jjWorkspaceRoot(dir)
		if !ok {
			return nil, crit.Scm(nil, "backend 'jj' requested but no jj repository found at %s", dir)
		}
		return NewJj(root), nil
	}
	return nil, crit.InvalidInput("scm", "unknown backend %q (expected auto, git, or jj)", pref)
}

func detectAuto(dir string) (Repo, error) {
	gr, gok := gitRoot(dir)
	jr, jok := jjWorkspaceRoot(dir)

	switch {
	case gok && jok:
		if samePath(gr, jr) {
			return NewJj(jr), nil
		}
		// A jj workspace can sit away from the shared repo root; compare
		// against the canonical root before declaring a mismatch.
		if rr, err := jjRepoRoot(jr); err == nil && samePath(gr, rr) {
			return NewJj(jr), nil
		}
		return nil, crit.Scm(nil, "git root %s and jj root %s disagree; pass an explicit backend", gr, jr)
	case gok:
		return NewGit(gr), nil
	case jok:
		return NewJj(jr), nil
	}
	return nil, crit.Scm(nil, "no git or jj repository found at %s", dir)
}

func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}
