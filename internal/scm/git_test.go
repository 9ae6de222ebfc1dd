package scm

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func gitAt(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// setupGitRepo creates a repo with one commit of file.txt on branch main.
func setupGitRepo(t *testing.T) (string, Repo) {
	t.Helper()
	dir := t.TempDir()
	gitAt(t, dir, "init", "-q")
	gitAt(t, dir, "config", "user.email", "test@example.com")
	gitAt(t, dir, "config", "user.name", "Test User")
	gitAt(t, dir, "checkout", "-q", "-b", "main")
	writeFile(t, dir, "file.txt", "one\ntwo\nthree\n")
	gitAt(t, dir, "add", ".")
	gitAt(t, dir, "commit", "-q", "-m", "initial")
	return dir, NewGit(dir)
}

func TestGitCurrentAnchorOnBranch(t *testing.T) {
	_, repo := setupGitRepo(t)
	anchor, err := repo.CurrentAnchor()
	if err != nil {
		t.Fatalf("CurrentAnchor: %v", err)
	}
	if anchor != "main" {
		t.Errorf("anchor = %q, want main", anchor)
	}
}

func TestGitDetachedAnchor(t *testing.T) {
	dir, repo := setupGitRepo(t)
	commit, err := repo.CurrentCommit()
	if err != nil {
		t.Fatalf("CurrentCommit: %v", err)
	}
	gitAt(t, dir, "checkout", "-q", "--detach", "HEAD")

	anchor, err := repo.CurrentAnchor()
	if err != nil {
		t.Fatalf("CurrentAnchor: %v", err)
	}
	if anchor != DetachedPrefix+commit {
		t.Errorf("anchor = %q, want %q", anchor, DetachedPrefix+commit)
	}

	// A detached anchor must resolve back to its commit.
	resolved, err := repo.CommitForAnchor(anchor)
	if err != nil {
		t.Fatalf("CommitForAnchor: %v", err)
	}
	if resolved != commit {
		t.Errorf("resolved = %q, want %q", resolved, commit)
	}
}

func TestGitCommitForAnchor(t *testing.T) {
	_, repo := setupGitRepo(t)
	commit, err := repo.CommitForAnchor("main")
	if err != nil {
		t.Fatalf("CommitForAnchor: %v", err)
	}
	head, _ := repo.CurrentCommit()
	if commit != head {
		t.Errorf("CommitForAnchor(main) = %q, want HEAD %q", commit, head)
	}
	if _, err := repo.CommitForAnchor("no-such-branch"); err == nil {
		t.Error("CommitForAnchor should fail for unknown refs")
	}
}

func TestGitParentCommit(t *testing.T) {
	dir, repo := setupGitRepo(t)
	first, _ := repo.CurrentCommit()

	writeFile(t, dir, "file.txt", "one\ntwo\nthree\nfour\n")
	gitAt(t, dir, "commit", "-qam", "second")
	second, _ := repo.CurrentCommit()

	parent, err := repo.ParentCommit(second)
	if err != nil {
		t.Fatalf("ParentCommit: %v", err)
	}
	if parent != first {
		t.Errorf("parent = %q, want %q", parent, first)
	}

	if _, err := repo.ParentCommit(first); err == nil {
		t.Error("ParentCommit of a root commit should fail")
	}
}

func TestGitDiffAndChangedFiles(t *testing.T) {
	dir, repo := setupGitRepo(t)
	c1, _ := repo.CurrentCommit()

	writeFile(t, dir, "file.txt", "one\nTWO\nthree\n")
	writeFile(t, dir, "src/new.go", "package new\n")
	gitAt(t, dir, "add", ".")
	gitAt(t, dir, "commit", "-qm", "changes")
	c2, _ := repo.CurrentCommit()

	diff, err := repo.DiffGit(c1, c2)
	if err != nil {
		t.Fatalf("DiffGit: %v", err)
	}
	if !strings.Contains(diff, "@@") || !strings.Contains(diff, "+TWO") {
		t.Errorf("diff missing expected hunks:\n%s", diff)
	}

	fileDiff, err := repo.DiffGitFile(c1, c2, "file.txt")
	if err != nil {
		t.Fatalf("DiffGitFile: %v", err)
	}
	if strings.Contains(fileDiff, "new.go") {
		t.Errorf("file-scoped diff leaked other files:\n%s", fileDiff)
	}

	files, err := repo.ChangedFilesBetween(c1, c2)
	if err != nil {
		t.Fatalf("ChangedFilesBetween: %v", err)
	}
	want := map[string]bool{"file.txt": true, "src/new.go": true}
	if len(files) != 2 || !want[files[0]] || !want[files[1]] {
		t.Errorf("changed files = %v, want file.txt and src/new.go", files)
	}
}

func TestGitFileExists(t *testing.T) {
	_, repo := setupGitRepo(t)
	ok, err := repo.FileExists("main", "file.txt")
	if err != nil {
		t.Fatalf("FileExists: %v", err)
	}
	if !ok {
		t.Error("file.txt should exist at main")
	}

	ok, err = repo.FileExists("main", "missing.txt")
	if err != nil {
		t.Fatalf("FileExists: %v", err)
	}
	if ok {
		t.Error("missing.txt should not exist")
	}
}

func TestGitShowFile(t *testing.T) {
	_, repo := setupGitRepo(t)
	content, err := repo.ShowFile("main", "file.txt")
	if err != nil {
		t.Fatalf("ShowFile: %v", err)
	}
	if content != "one\ntwo\nthree\n" {
		t.Errorf("content = %q", content)
	}
	if _, err := repo.ShowFile("main", "missing.txt"); err == nil {
		t.Error("ShowFile should fail for a missing file")
	}
}

func TestDetectGitOnly(t *testing.T) {
	dir, _ := setupGitRepo(t)
	t.Setenv(EnvSCM, "")

	repo, err := Detect(dir, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if repo.Kind() != Git {
		t.Errorf("kind = %q, want git", repo.Kind())
	}
	if !samePath(repo.Root(), dir) {
		t.Errorf("root = %q, want %q", repo.Root(), dir)
	}

	// Detection works from a subdirectory too.
	sub := filepath.Join(dir, "src")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	repo, err = Detect(sub, "")
	if err != nil {
		t.Fatalf("Detect from subdir: %v", err)
	}
	if !samePath(repo.Root(), dir) {
		t.Errorf("root from subdir = %q, want %q", repo.Root(), dir)
	}
}

func TestDetectEnvOverride(t *testing.T) {
	dir, _ := setupGitRepo(t)
	t.Setenv(EnvSCM, "git")

	repo, err := Detect(dir, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if repo.Kind() != Git {
		t.Errorf("kind = %q, want git", repo.Kind())
	}

	// Explicit preference for a backend that is not present fails.
	if _, err := Detect(dir, "jj"); err == nil {
		t.Error("Detect(jj) in a git-only repo should fail")
	}
}
