package scm

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/bobisme/botcrit/internal/crit"
)

type gitRepo struct {
	root string
}

// NewGit returns a git-backed Repo rooted at root.
func NewGit(root string) Repo {
	return &gitRepo{root: root}
}

func (g *gitRepo) Kind() Kind   { return Git }
func (g *gitRepo) Root() string { return g.root }

func (g *gitRepo) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", crit.Scm(err, "git %s: %s", args[0], strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (g *gitRepo) CurrentAnchor() (string, error) {
	// A branch name when HEAD is symbolic, otherwise detached:<commit>.
	cmd := exec.Command("git", "symbolic-ref", "--quiet", "--short", "HEAD")
	cmd.Dir = g.root
	if out, err := cmd.Output(); err == nil {
		if branch := strings.TrimSpace(string(out)); branch != "" {
			return branch, nil
		}
	}

	commit, err := g.CurrentCommit()
	if err != nil {
		return "", err
	}
	return DetachedPrefix + commit, nil
}

func (g *gitRepo) CurrentCommit() (string, error) {
	out, err := g.run("rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitRepo) CommitForAnchor(anchor string) (string, error) {
	if err := ValidateRef(anchor); err != nil {
		return "", err
	}
	rev := strings.TrimPrefix(anchor, DetachedPrefix)
	out, err := g.run("rev-parse", "--verify", "--end-of-options", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitRepo) ParentCommit(commit string) (string, error) {
	if err := ValidateRef(commit); err != nil {
		return "", err
	}
	out, err := g.run("rev-parse", "--verify", "--end-of-options", commit+"^")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitRepo) DiffGit(from, to string) (string, error) {
	if err := ValidateRef(from); err != nil {
		return "", err
	}
	if err := ValidateRef(to); err != nil {
		return "", err
	}
	return g.run("diff", "--no-color", from+".."+to)
}

func (g *gitRepo) DiffGitFile(from, to, file string) (string, error) {
	if err := ValidateRef(from); err != nil {
		return "", err
	}
	if err := ValidateRef(to); err != nil {
		return "", err
	}
	if err := ValidatePath(file); err != nil {
		return "", err
	}
	return g.run("diff", "--no-color", from+".."+to, "--", file)
}

func (g *gitRepo) ChangedFilesBetween(from, to string) ([]string, error) {
	if err := ValidateRef(from); err != nil {
		return nil, err
	}
	if err := ValidateRef(to); err != nil {
		return nil, err
	}
	out, err := g.run("diff", "--no-color", "--name-only", from+".."+to)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (g *gitRepo) FileExists(rev, path string) (bool, error) {
	if err := ValidateRef(rev); err != nil {
		return false, err
	}
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	commit, err := g.CommitForAnchor(rev)
	if err != nil {
		return false, err
	}
	// ls-tree exits zero whether or not the path matches, so existence is
	// judged by non-empty output.
	out, err := g.run("ls-tree", "--name-only", commit, "--", path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (g *gitRepo) ShowFile(rev, path string) (string, error) {
	if err := ValidateRef(rev); err != nil {
		return "", err
	}
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	commit, err := g.CommitForAnchor(rev)
	if err != nil {
		return "", err
	}
	return g.run("show", "--end-of-options", commit+":"+path)
}

// gitRoot resolves the repository root containing dir, if any.
func gitRoot(dir string) (string, bool) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	root := strings.TrimSpace(string(out))
	return root, root != ""
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
