package event

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMarshalLineWireShape(t *testing.T) {
	env := Envelope{
		TS:     time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Author: "alice",
		Payload: ReviewCreated{
			ReviewID:      "cr-ab12",
			ScmKind:       "git",
			ScmAnchor:     "main",
			InitialCommit: "c1",
			Title:         "Add calculator",
		},
	}
	line, err := env.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	want := `{"ts":"2024-01-15T10:30:00.000000000Z","author":"alice","event":"ReviewCreated","data":{"review_id":"cr-ab12","scm_kind":"git","scm_anchor":"main","initial_commit":"c1","title":"Add calculator"}}` + "\n"
	if string(line) != want {
		t.Errorf("line = %s\nwant %s", line, want)
	}
}

func TestOptionalFieldsOmitted(t *testing.T) {
	env := New("bob", ReviewerVoted{ReviewID: "cr-ab12", Vote: VoteLgtm})
	line, err := env.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	for _, key := range []string{"message", "reason"} {
		if strings.Contains(string(line), key) {
			t.Errorf("line should omit empty %q: %s", key, line)
		}
	}
}

func TestRoundTripAllPayloads(t *testing.T) {
	ts := time.Date(2024, 3, 2, 9, 0, 1, 123456789, time.UTC)
	payloads := []Payload{
		ReviewCreated{ReviewID: "cr-ab12", ScmKind: "jj", ScmAnchor: "zxqk", InitialCommit: "c1", Title: "t", Description: "d"},
		ReviewersRequested{ReviewID: "cr-ab12", Reviewers: []string{"bob", "carol"}},
		ReviewerVoted{ReviewID: "cr-ab12", Vote: VoteBlock, Message: "needs tests"},
		ReviewApproved{ReviewID: "cr-ab12"},
		ReviewMerged{ReviewID: "cr-ab12", FinalCommit: "c9"},
		ReviewAbandoned{ReviewID: "cr-ab12", Reason: "superseded"},
		ThreadCreated{ThreadID: "th-99a1", ReviewID: "cr-ab12", FilePath: "src/main.rs", Selection: LineSelection(21), CommitHash: "c1"},
		ThreadResolved{ThreadID: "th-99a1", Reason: "fixed"},
		ThreadReopened{ThreadID: "th-99a1"},
		CommentAdded{CommentID: "th-99a1.1", ThreadID: "th-99a1", Body: "Division by zero", RequestID: "r1"},
	}
	for _, p := range payloads {
		env := Envelope{TS: ts, Author: "alice", Payload: p}
		line, err := env.MarshalLine()
		if err != nil {
			t.Fatalf("%s: MarshalLine: %v", p.Tag(), err)
		}
		got, err := ParseLine(line)
		if err != nil {
			t.Fatalf("%s: ParseLine: %v", p.Tag(), err)
		}
		if diff := cmp.Diff(env, got); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", p.Tag(), diff)
		}
	}
}

func TestSelectionWire(t *testing.T) {
	env := New("alice", ThreadCreated{
		ThreadID: "th-99a1", ReviewID: "cr-ab12",
		FilePath: "src/lib.rs", Selection: RangeSelection(10, 14), CommitHash: "c2",
	})
	line, err := env.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if !strings.Contains(string(line), `"selection":{"type":"range","start":10,"end":14}`) {
		t.Errorf("range selection wire form wrong: %s", line)
	}

	env.Payload = ThreadCreated{
		ThreadID: "th-99a1", ReviewID: "cr-ab12",
		FilePath: "src/lib.rs", Selection: LineSelection(21), CommitHash: "c2",
	}
	line, err = env.MarshalLine()
	if err != nil {
		t.Fatalf("MarshalLine: %v", err)
	}
	if !strings.Contains(string(line), `"selection":{"type":"line","line":21}`) {
		t.Errorf("line selection wire form wrong: %s", line)
	}
}

func TestParseLineErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"not json", "garbage"},
		{"unknown tag", `{"ts":"2024-01-15T10:30:00Z","author":"a","event":"Nope","data":{}}`},
		{"missing author", `{"ts":"2024-01-15T10:30:00Z","event":"ReviewApproved","data":{"review_id":"cr-ab12"}}`},
		{"bad ts", `{"ts":"yesterday","author":"a","event":"ReviewApproved","data":{}}`},
	}
	for _, tt := range tests {
		if _, err := ParseLine([]byte(tt.line)); err == nil {
			t.Errorf("%s: ParseLine should fail", tt.name)
		}
	}
}

func TestParseLineLegacyFields(t *testing.T) {
	line := `{"ts":"2024-01-15T10:30:00Z","author":"alice","event":"ReviewCreated","data":{"review_id":"cr-1d3a","jj_change_id":"qpvuntsm","initial_commit":"c1","title":"old layout"}}`
	env, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	rc, ok := env.Payload.(ReviewCreated)
	if !ok {
		t.Fatalf("payload = %T, want ReviewCreated", env.Payload)
	}
	kind, anchor := rc.Anchor()
	if kind != "jj" || anchor != "qpvuntsm" {
		t.Errorf("Anchor() = (%q, %q), want (jj, qpvuntsm)", kind, anchor)
	}

	line = `{"ts":"2024-01-15T10:31:00Z","author":"bob","event":"ReviewerVoted","data":{"review_id":"cr-1d3a","vote":"block","reason":"needs tests"}}`
	env, err = ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	rv := env.Payload.(ReviewerVoted)
	if rv.Note() != "needs tests" {
		t.Errorf("Note() = %q, want %q", rv.Note(), "needs tests")
	}
}

func TestTimestampsSortLexicographically(t *testing.T) {
	a := time.Date(2024, 1, 15, 10, 30, 0, 5, time.UTC)
	b := time.Date(2024, 1, 15, 10, 30, 0, 40, time.UTC)
	sa := a.Format(tsFormat)
	sb := b.Format(tsFormat)
	if len(sa) != len(sb) {
		t.Fatalf("encoded widths differ: %q vs %q", sa, sb)
	}
	if !(sa < sb) {
		t.Errorf("%q should sort before %q", sa, sb)
	}
}

func TestSelectionValidate(t *testing.T) {
	tests := []struct {
		sel     Selection
		wantErr bool
	}{
		{LineSelection(1), false},
		{LineSelection(21), false},
		{LineSelection(0), true},
		{RangeSelection(10, 14), false},
		{RangeSelection(7, 7), false},
		{RangeSelection(0, 4), true},
		{RangeSelection(5, 3), true},
		{Selection{Type: "column", Line: 3}, true},
	}
	for _, tt := range tests {
		err := tt.sel.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.sel, err, tt.wantErr)
		}
	}
}

func TestSelectionBounds(t *testing.T) {
	if got := LineSelection(21).StartLine(); got != 21 {
		t.Errorf("StartLine = %d, want 21", got)
	}
	if got := LineSelection(21).EndLine(); got != 21 {
		t.Errorf("EndLine = %d, want 21", got)
	}
	r := RangeSelection(10, 14)
	if r.StartLine() != 10 || r.EndLine() != 14 {
		t.Errorf("range bounds = (%d, %d), want (10, 14)", r.StartLine(), r.EndLine())
	}
	if r.String() != "10-14" {
		t.Errorf("String = %q, want 10-14", r.String())
	}
	if LineSelection(21).String() != "21" {
		t.Errorf("String = %q, want 21", LineSelection(21).String())
	}
}

func TestPayloadOwners(t *testing.T) {
	if got := ReviewIDOf(ReviewMerged{ReviewID: "cr-ab12", FinalCommit: "c9"}); got != "cr-ab12" {
		t.Errorf("ReviewIDOf = %q", got)
	}
	if got := ReviewIDOf(ThreadResolved{ThreadID: "th-99a1"}); got != "" {
		t.Errorf("ReviewIDOf(ThreadResolved) = %q, want empty", got)
	}
	if got := ThreadIDOf(CommentAdded{ThreadID: "th-99a1"}); got != "th-99a1" {
		t.Errorf("ThreadIDOf = %q", got)
	}
	if got := ThreadIDOf(ReviewApproved{}); got != "" {
		t.Errorf("ThreadIDOf(ReviewApproved) = %q, want empty", got)
	}
}
