package scm

import (
	"fmt"
	"strings"

	"github.com/bobisme/botcrit/internal/crit"
)

// ContextLine is one line of code context around a thread anchor.
type ContextLine struct {
	Number   int    `json:"line_number"`
	Content  string `json:"content"`
	IsAnchor bool   `json:"is_anchor"`
}

// CodeContext is an anchored selection plus its surrounding lines.
type CodeContext struct {
	Lines       []ContextLine `json:"lines"`
	StartLine   int           `json:"start_line"`
	EndLine     int           `json:"end_line"`
	AnchorStart int           `json:"anchor_start"`
	AnchorEnd   int           `json:"anchor_end"`
}

func (c *CodeContext) Empty() bool { return len(c.Lines) == 0 }

// ExtractContext reads file at commit and slices a window of
// contextLines around the inclusive anchor range [anchorStart, anchorEnd].
// Anchors past EOF are clamped to the last line.
func ExtractContext(repo Repo, file, commit string, anchorStart, anchorEnd, contextLines int) (*CodeContext, error) {
	if anchorStart < 1 || anchorEnd < 1 {
		return nil, crit.InvalidInput("selection", "line numbers are 1-based (got %d..%d)", anchorStart, anchorEnd)
	}
	if anchorStart > anchorEnd {
		return nil, crit.InvalidInput("selection", "start %d after end %d", anchorStart, anchorEnd)
	}

	contents, err := repo.ShowFile(commit, file)
	if err != nil {
		return nil, err
	}
	return sliceContext(contents, file, anchorStart, anchorEnd, contextLines)
}

func sliceContext(contents, file string, anchorStart, anchorEnd, contextLines int) (*CodeContext, error) {
	if contents == "" {
		return nil, crit.Scm(nil, "file %s is empty at the anchored commit", file)
	}
	fileLines := strings.Split(strings.TrimSuffix(contents, "\n"), "\n")
	total := len(fileLines)

	if anchorStart > total {
		anchorStart = total
	}
	if anchorEnd > total {
		anchorEnd = total
	}

	start := anchorStart - contextLines
	if start < 1 {
		start = 1
	}
	end := anchorEnd + contextLines
	if end > total {
		end = total
	}

	ctx := &CodeContext{
		StartLine:   start,
		EndLine:     end,
		AnchorStart: anchorStart,
		AnchorEnd:   anchorEnd,
	}
	for n := start; n <= end; n++ {
		ctx.Lines = append(ctx.Lines, ContextLine{
			Number:   n,
			Content:  fileLines[n-1],
			IsAnchor: n >= anchorStart && n <= anchorEnd,
		})
	}
	return ctx, nil
}

// FormatContext renders a context window with right-aligned line numbers,
// marking anchor lines with '>':
//
//	   41 |     fn parse_buffer(buf: &str) {
//	>  42 |         let x = buf.len();
//	   43 |     }
func FormatContext(ctx *CodeContext) string {
	if ctx == nil || ctx.Empty() {
		return ""
	}
	width := len(fmt.Sprintf("%d", ctx.EndLine))

	var b strings.Builder
	for _, line := range ctx.Lines {
		prefix := " "
		if line.IsAnchor {
			prefix = ">"
		}
		fmt.Fprintf(&b, "%s %*d | %s\n", prefix, width, line.Number, line.Content)
	}
	return b.String()
}
