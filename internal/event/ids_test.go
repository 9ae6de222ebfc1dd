package event

import (
	"bytes"
	"testing"
)

func TestGeneratorDeterministic(t *testing.T) {
	seed := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	g1 := NewGenerator(bytes.NewReader(seed))
	g2 := NewGenerator(bytes.NewReader(seed))

	id1, err := g1.ReviewID()
	if err != nil {
		t.Fatalf("ReviewID: %v", err)
	}
	id2, err := g2.ReviewID()
	if err != nil {
		t.Fatalf("ReviewID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("same entropy gave different ids: %q vs %q", id1, id2)
	}
}

func TestGeneratorRejectsDigitlessCandidates(t *testing.T) {
	// Bytes 10..35 map to letters, 0..9 to digits. The first candidate
	// is all letters and must be rejected.
	g := NewGenerator(bytes.NewReader([]byte{10, 11, 12, 13, 10, 10, 10, 0}))
	id, err := g.ReviewID()
	if err != nil {
		t.Fatalf("ReviewID: %v", err)
	}
	if id != "cr-aaa0" {
		t.Errorf("id = %q, want cr-aaa0 (second candidate)", id)
	}
}

func TestGeneratorStress(t *testing.T) {
	g := NewGenerator(nil)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		rid, err := g.ReviewID()
		if err != nil {
			t.Fatalf("generation %d: %v", i, err)
		}
		if !IsReviewID(rid) {
			t.Fatalf("generation %d produced invalid id %q", i, rid)
		}
		tid, err := g.ThreadID()
		if err != nil {
			t.Fatalf("generation %d: %v", i, err)
		}
		if !IsThreadID(tid) {
			t.Fatalf("generation %d produced invalid id %q", i, tid)
		}
		seen[rid] = true
		seen[tid] = true
	}
	// Not a collision guarantee, just a sanity check that the generator
	// is not stuck on one value.
	if len(seen) < 900 {
		t.Errorf("only %d distinct ids out of 1000", len(seen))
	}
}

func TestIDValidators(t *testing.T) {
	tests := []struct {
		id       string
		review   bool
		thread   bool
		comment  bool
	}{
		{"cr-ab12", true, false, false},
		{"cr-20x4k", true, false, false},
		{"th-99a1", false, true, false},
		{"th-ab12.1", false, false, true},
		{"th-ab12.17", false, false, true},
		{"cr-abcd", false, false, false},  // no digit
		{"cr-1d3", false, false, false},   // too short
		{"cr-AB12", false, false, false},  // uppercase
		{"cr-ab1_", false, false, false},  // bad char
		{"xx-ab12", false, false, false},  // unknown prefix
		{"th-ab12.0", false, false, false},
		{"th-ab12.", false, false, false},
		{"th-ab12.x", false, false, false},
		{"cr-ab12.1", false, false, false}, // comments hang off threads
		{"", false, false, false},
	}
	for _, tt := range tests {
		if got := IsReviewID(tt.id); got != tt.review {
			t.Errorf("IsReviewID(%q) = %v, want %v", tt.id, got, tt.review)
		}
		if got := IsThreadID(tt.id); got != tt.thread {
			t.Errorf("IsThreadID(%q) = %v, want %v", tt.id, got, tt.thread)
		}
		if got := IsCommentID(tt.id); got != tt.comment {
			t.Errorf("IsCommentID(%q) = %v, want %v", tt.id, got, tt.comment)
		}
	}
}

func TestCommentIDRoundTrip(t *testing.T) {
	id := CommentID("th-ab12", 3)
	if id != "th-ab12.3" {
		t.Fatalf("CommentID = %q", id)
	}
	threadID, n, err := SplitCommentID(id)
	if err != nil {
		t.Fatalf("SplitCommentID: %v", err)
	}
	if threadID != "th-ab12" || n != 3 {
		t.Errorf("SplitCommentID = (%q, %d), want (th-ab12, 3)", threadID, n)
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		id       string
		kind     IDKind
		wantErr  bool
	}{
		{"cr-ab12", KindReview, false},
		{"th-99a1", KindThread, false},
		{"th-99a1.2", KindComment, false},
		{"nope", "", true},
	}
	for _, tt := range tests {
		kind, _, err := ParseID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err == nil && kind != tt.kind {
			t.Errorf("ParseID(%q) kind = %q, want %q", tt.id, kind, tt.kind)
		}
	}
}

func TestNewRequestID(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	if a == "" || b == "" {
		t.Fatal("empty request id")
	}
	if a == b {
		t.Errorf("request ids should be unique, got %q twice", a)
	}
}
