// Package drift maps a thread's anchored lines at its original commit to
// their current location under a later commit. Drift is computed on
// query by walking the unified diff between the two commits; the stored
// anchor never changes.
package drift

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/scm"
)

// Kind classifies a drift outcome.
type Kind string

const (
	// Unchanged: every anchored line is where it was.
	Unchanged Kind = "unchanged"
	// Shifted: the whole selection moved by one uniform delta.
	Shifted Kind = "shifted"
	// Modified: anchored lines intersect changed hunks but some survive.
	Modified Kind = "modified"
	// Detached: the anchored lines are gone (deleted, replaced, or the
	// file no longer exists).
	Detached Kind = "detached"
)

// Result is the outcome of a drift computation. Start and End are the
// current 1-based line bounds; they are zero when Kind is Detached.
// Delta is populated for Shifted only.
type Result struct {
	Kind  Kind
	Start int
	End   int
	Delta int
}

// CurrentLines renders the mapped selection, e.g. "25" or "10-14".
func (r Result) CurrentLines() string {
	if r.Kind == Detached {
		return ""
	}
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

func (r Result) String() string {
	switch r.Kind {
	case Unchanged:
		return "unchanged"
	case Shifted:
		return fmt.Sprintf("shifted %+d (now %s)", r.Delta, r.CurrentLines())
	case Modified:
		return fmt.Sprintf("modified (now %s)", r.CurrentLines())
	case Detached:
		return "detached"
	}
	return string(r.Kind)
}

// Compute maps the inclusive selection [start, end] of file at
// originalCommit onto currentCommit.
func Compute(repo scm.Repo, file, originalCommit, currentCommit string, start, end int) (Result, error) {
	if start < 1 || end < start {
		return Result{}, crit.InvalidInput("selection", "bad line range %d..%d", start, end)
	}

	if originalCommit == currentCommit {
		return Result{Kind: Unchanged, Start: start, End: end}, nil
	}

	exists, err := repo.FileExists(currentCommit, file)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		return Result{Kind: Detached}, nil
	}

	diffText, err := repo.DiffGitFile(originalCommit, currentCommit, file)
	if err != nil {
		return Result{}, err
	}
	return fromDiff(diffText, start, end)
}

// fromDiff runs the hunk walk over a git unified diff.
func fromDiff(diffText string, start, end int) (Result, error) {
	if strings.TrimSpace(diffText) == "" {
		return Result{Kind: Unchanged, Start: start, End: end}, nil
	}

	hunks, err := parseHunks(diffText)
	if err != nil {
		return Result{}, crit.Scm(err, "parse diff")
	}
	if len(hunks) == 0 {
		return Result{Kind: Unchanged, Start: start, End: end}, nil
	}

	outcomes := make([]lineOutcome, 0, end-start+1)
	for line := start; line <= end; line++ {
		outcomes = append(outcomes, driftLine(hunks, line))
	}
	return combine(outcomes, start, end), nil
}

type lineState int

const (
	lineMapped lineState = iota
	lineDeleted
	lineRewritten
)

type lineOutcome struct {
	state   lineState
	newLine int
}

type bodyLine int

const (
	bodyContext bodyLine = iota
	bodyAdded
	bodyDeleted
)

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	body               []bodyLine
}

// oldEnd is the last old-file line a hunk spans. A pure insertion spans
// nothing, so its end sits just before oldStart: an insertion exactly at
// the anchor boundary counts as before the anchor and shifts it.
func (h hunk) oldEnd() int {
	if h.oldCount == 0 {
		return h.oldStart - 1
	}
	return h.oldStart + h.oldCount - 1
}

// driftLine walks the hunks for a single anchor line, mirroring the
// per-line rules: hunks after it are ignored, hunks before it shift it,
// and an overlapping hunk decides its fate line by line.
func driftLine(hunks []hunk, anchor int) lineOutcome {
	current := anchor

	for _, h := range hunks {
		if h.oldStart > anchor {
			continue
		}
		if h.oldEnd() < anchor {
			current += h.newCount - h.oldCount
			continue
		}

		oldLine := h.oldStart
		newLine := h.newStart
		for _, bl := range h.body {
			switch bl {
			case bodyContext:
				if oldLine == anchor {
					return lineOutcome{state: lineMapped, newLine: newLine}
				}
				oldLine++
				newLine++
			case bodyDeleted:
				if oldLine == anchor {
					return lineOutcome{state: lineDeleted}
				}
				oldLine++
			case bodyAdded:
				newLine++
			}
		}
		// In range but never walked: a truncated or replacing hunk.
		return lineOutcome{state: lineRewritten}
	}
	return lineOutcome{state: lineMapped, newLine: current}
}

// combine folds per-line outcomes into one Result for the selection.
func combine(outcomes []lineOutcome, start, end int) Result {
	var survivors []int
	deleted := 0
	for _, o := range outcomes {
		if o.state == lineMapped {
			survivors = append(survivors, o.newLine)
		} else {
			deleted++
		}
	}

	// Every anchored line gone: nothing to point at.
	if len(survivors) == 0 {
		return Result{Kind: Detached}
	}

	minLine, maxLine := survivors[0], survivors[0]
	for _, n := range survivors[1:] {
		if n < minLine {
			minLine = n
		}
		if n > maxLine {
			maxLine = n
		}
	}

	// Partial survival means the selection intersects real edits.
	if deleted > 0 {
		return Result{Kind: Modified, Start: minLine, End: maxLine}
	}

	// All lines survived; a uniform delta is a pure shift, anything else
	// means edits landed inside the selection.
	delta := survivors[0] - start
	uniform := true
	for i, n := range survivors {
		if n-(start+i) != delta {
			uniform = false
			break
		}
	}
	if !uniform {
		return Result{Kind: Modified, Start: minLine, End: maxLine}
	}
	if delta == 0 {
		return Result{Kind: Unchanged, Start: start, End: end}
	}
	return Result{Kind: Shifted, Start: start + delta, End: end + delta, Delta: delta}
}

// parseHunks extracts hunks from git unified diff text, which may cover
// one file or several.
func parseHunks(diffText string) ([]hunk, error) {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(diffText))
	if err != nil {
		return nil, err
	}

	var hunks []hunk
	for _, fd := range fileDiffs {
		for _, h := range fd.Hunks {
			parsed := hunk{
				oldStart: int(h.OrigStartLine),
				oldCount: int(h.OrigLines),
				newStart: int(h.NewStartLine),
				newCount: int(h.NewLines),
			}
			for _, raw := range strings.Split(string(h.Body), "\n") {
				if raw == "" {
					continue
				}
				switch raw[0] {
				case '+':
					parsed.body = append(parsed.body, bodyAdded)
				case '-':
					parsed.body = append(parsed.body, bodyDeleted)
				case '\\':
					// "\ No newline at end of file"
				default:
					parsed.body = append(parsed.body, bodyContext)
				}
			}
			hunks = append(hunks, parsed)
		}
	}
	return hunks, nil
}
