package scm

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bobisme/botcrit/internal/crit"
)

type jjRepo struct {
	root string
}

// NewJj returns a jj-backed Repo rooted at the workspace root.
func NewJj(root string) Repo {
	return &jjRepo{root: root}
}

func (j *jjRepo) Kind() Kind   { return Jj }
func (j *jjRepo) Root() string { return j.root }

func (j *jjRepo) run(args ...string) (string, error) {
	out, err := j.exec(args)
	if err != nil {
		return "", err
	}
	if out.code != 0 {
		return "", crit.Scm(nil, "jj %s: %s", args[0], strings.TrimSpace(out.stderr))
	}
	return out.stdout, nil
}

// runIgnoreStatus returns stdout regardless of exit code. Some jj
// subcommands (file list) exit zero either way, so callers judge by
// output content.
func (j *jjRepo) runIgnoreStatus(args ...string) (string, error) {
	out, err := j.exec(args)
	if err != nil {
		return "", err
	}
	return out.stdout, nil
}

type execResult struct {
	stdout string
	stderr string
	code   int
}

func (j *jjRepo) exec(args []string) (*execResult, error) {
	full := append([]string{"--color=never"}, args...)
	cmd := exec.Command("jj", full...)
	cmd.Dir = j.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, crit.Scm(err, "jj %s", args[0])
		}
		code = exitErr.ExitCode()
	}
	return &execResult{stdout: stdout.String(), stderr: stderr.String(), code: code}, nil
}

// logField renders one template field for a revset and returns the first
// line of output.
func (j *jjRepo) logField(rev, field string) (string, error) {
	out, err := j.run("log", "-r", rev, "--no-graph", "-T", field+` ++ "\n"`)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", crit.Scm(nil, "jj log -r %s returned no revisions", rev)
}

func (j *jjRepo) CurrentAnchor() (string, error) {
	return j.logField("@", "change_id")
}

func (j *jjRepo) CurrentCommit() (string, error) {
	return j.logField("@", "commit_id")
}

func (j *jjRepo) CommitForAnchor(anchor string) (string, error) {
	if err := ValidateRef(anchor); err != nil {
		return "", err
	}
	return j.logField(anchor, "commit_id")
}

func (j *jjRepo) ParentCommit(commit string) (string, error) {
	if err := ValidateRef(commit); err != nil {
		return "", err
	}
	// Trailing '-' is jj revset syntax for parents. Merge commits yield
	// several lines; the first parent wins.
	return j.logField(commit+"-", "commit_id")
}

func (j *jjRepo) DiffGit(from, to string) (string, error) {
	if err := ValidateRef(from); err != nil {
		return "", err
	}
	if err := ValidateRef(to); err != nil {
		return "", err
	}
	return j.run("diff", "--from", from, "--to", to, "--git")
}

func (j *jjRepo) DiffGitFile(from, to, file string) (string, error) {
	if err := ValidateRef(from); err != nil {
		return "", err
	}
	if err := ValidateRef(to); err != nil {
		return "", err
	}
	if err := ValidatePath(file); err != nil {
		return "", err
	}
	return j.run("diff", "--from", from, "--to", to, "--git", file)
}

func (j *jjRepo) ChangedFilesBetween(from, to string) ([]string, error) {
	if err := ValidateRef(from); err != nil {
		return nil, err
	}
	if err := ValidateRef(to); err != nil {
		return nil, err
	}
	out, err := j.run("diff", "--from", from, "--to", to, "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (j *jjRepo) FileExists(rev, path string) (bool, error) {
	if err := ValidateRef(rev); err != nil {
		return false, err
	}
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	// jj file list exits zero for missing files; non-empty output is the
	// real signal.
	out, err := j.runIgnoreStatus("file", "list", "-r", rev, path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (j *jjRepo) ShowFile(rev, path string) (string, error) {
	if err := ValidateRef(rev); err != nil {
		return "", err
	}
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	return j.run("file", "show", "-r", rev, path)
}

// jjWorkspaceRoot walks up from dir looking for a .jj directory.
func jjWorkspaceRoot(dir string) (string, bool) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		if fi, err := os.Stat(filepath.Join(cur, ".jj")); err == nil && fi.IsDir() {
			return cur, true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false
		}
		cur = parent
	}
}

// jjRepoRoot resolves the canonical repository root for a workspace.
// In secondary workspaces .jj/repo is a file pointing at the primary
// repository's .jj/repo directory.
func jjRepoRoot(workspaceRoot string) (string, error) {
	ptr := filepath.Join(workspaceRoot, ".jj", "repo")
	fi, err := os.Stat(ptr)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return workspaceRoot, nil
	}
	b, err := os.ReadFile(ptr)
	if err != nil {
		return "", err
	}
	// The pointer holds the path of the primary .jj/repo directory; the
	// repo root is two levels up.
	return filepath.Dir(filepath.Dir(strings.TrimSpace(string(b)))), nil
}
