package storage

import (
	"time"

	"github.com/bobisme/botcrit/internal/event"
)

// ReviewStatus is the derived lifecycle state of a review.
type ReviewStatus string

const (
	StatusOpen      ReviewStatus = "open"
	StatusApproved  ReviewStatus = "approved"
	StatusMerged    ReviewStatus = "merged"
	StatusAbandoned ReviewStatus = "abandoned"
)

// Terminal reports whether no further mutating events are accepted.
func (s ReviewStatus) Terminal() bool {
	return s == StatusMerged || s == StatusAbandoned
}

// ThreadStatus is the open/resolved toggle on a thread.
type ThreadStatus string

const (
	ThreadOpen     ThreadStatus = "open"
	ThreadResolved ThreadStatus = "resolved"
)

// Review is a projected review row.
type Review struct {
	ReviewID        string       `json:"review_id"`
	ScmKind         string       `json:"scm_kind,omitempty"`
	ScmAnchor       string       `json:"scm_anchor,omitempty"`
	InitialCommit   string       `json:"initial_commit"`
	FinalCommit     string       `json:"final_commit,omitempty"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Author          string       `json:"author"`
	CreatedAt       time.Time    `json:"created_at"`
	Status          ReviewStatus `json:"status"`
	StatusChangedAt time.Time    `json:"status_changed_at,omitempty"`
	StatusChangedBy string       `json:"status_changed_by,omitempty"`
	AbandonReason   string       `json:"abandon_reason,omitempty"`

	ThreadCount     int `json:"thread_count"`
	OpenThreadCount int `json:"open_thread_count"`
}

// Reviewer is one requested reviewer on a review. RequestedAt is the
// latest request; it governs re-review semantics.
type Reviewer struct {
	Reviewer    string    `json:"reviewer"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by"`
}

// VoteRecord is the latest vote by one reviewer on one review.
type VoteRecord struct {
	Reviewer string     `json:"reviewer"`
	Vote     event.Vote `json:"vote"`
	Message  string     `json:"message,omitempty"`
	VotedAt  time.Time  `json:"voted_at"`
}

// Thread is a projected comment thread anchored to code.
type Thread struct {
	ThreadID        string          `json:"thread_id"`
	ReviewID        string          `json:"review_id"`
	FilePath        string          `json:"file_path"`
	Selection       event.Selection `json:"selection"`
	CommitHash      string          `json:"commit_hash"`
	Author          string          `json:"author"`
	CreatedAt       time.Time       `json:"created_at"`
	Status          ThreadStatus    `json:"status"`
	StatusChangedAt time.Time       `json:"status_changed_at,omitempty"`
	StatusChangedBy string          `json:"status_changed_by,omitempty"`
	ResolveReason   string          `json:"resolve_reason,omitempty"`
	ReopenReason    string          `json:"reopen_reason,omitempty"`

	// NextCommentNumber is the serial the next comment will take.
	NextCommentNumber int `json:"-"`
	CommentCount      int `json:"comment_count"`
}

// Comment is one projected comment. Number is its 1-based serial within
// the thread.
type Comment struct {
	CommentID string    `json:"comment_id"`
	ThreadID  string    `json:"thread_id"`
	Number    int       `json:"number"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	RequestID string    `json:"request_id,omitempty"`
}
