package review

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/scm"
)

// fakeRepo is an in-memory scm.Repo. Diffs and changed-file lists are
// keyed "from..to" (plus ":file" for per-file diffs); file contents are
// keyed by commit.
type fakeRepo struct {
	root    string
	anchor  string
	commit  string
	parents map[string]string
	files   map[string]map[string]string
	diffs   map[string]string
	changed map[string][]string
}

func (f *fakeRepo) Kind() scm.Kind                 { return scm.Git }
func (f *fakeRepo) Root() string                   { return f.root }
func (f *fakeRepo) CurrentAnchor() (string, error) { return f.anchor, nil }
func (f *fakeRepo) CurrentCommit() (string, error) { return f.commit, nil }

func (f *fakeRepo) CommitForAnchor(anchor string) (string, error) {
	return f.commit, nil
}

func (f *fakeRepo) ParentCommit(commit string) (string, error) {
	p, ok := f.parents[commit]
	if !ok {
		return "", crit.Scm(nil, "no parent for %s", commit)
	}
	return p, nil
}

func (f *fakeRepo) DiffGit(from, to string) (string, error) {
	return f.diffs[from+".."+to], nil
}

func (f *fakeRepo) DiffGitFile(from, to, file string) (string, error) {
	return f.diffs[from+".."+to+":"+file], nil
}

func (f *fakeRepo) ChangedFilesBetween(from, to string) ([]string, error) {
	return f.changed[from+".."+to], nil
}

func (f *fakeRepo) FileExists(rev, path string) (bool, error) {
	_, ok := f.files[rev][path]
	return ok, nil
}

func (f *fakeRepo) ShowFile(rev, path string) (string, error) {
	content, ok := f.files[rev][path]
	if !ok {
		return "", crit.Scm(nil, "%s does not exist at %s", path, rev)
	}
	return content, nil
}

// numberedFile renders n lines "line 1" .. "line n".
func numberedFile(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

// newTestCore initializes a core over a fake repo sitting at commit C1
// with one reviewable file.
func newTestCore(t *testing.T) (*Core, *fakeRepo) {
	t.Helper()
	repo := &fakeRepo{
		root:    t.TempDir(),
		anchor:  "main",
		commit:  "C1",
		parents: map[string]string{"C1": "C0"},
		changed: map[string][]string{"C0..C1": {"src/main.rs"}},
		files: map[string]map[string]string{
			"C1": {"src/main.rs": numberedFile(30)},
		},
		diffs: map[string]string{},
	}
	core, err := Init(repo)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return core, repo
}

func mustCreateReview(t *testing.T, c *Core, title, author string) string {
	t.Helper()
	id, err := c.CreateReview(context.Background(), title, "", author)
	if err != nil {
		t.Fatalf("CreateReview: %v", err)
	}
	return id
}
