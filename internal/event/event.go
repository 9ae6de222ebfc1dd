// Package event defines the envelope and payload types written to
// per-review event logs, plus identifier generation and agent identity
// resolution. Every mutation in the system is one of these events
// serialized as a single JSON line.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload tags. The tag is the wire value of the envelope's "event" key.
const (
	TagReviewCreated      = "ReviewCreated"
	TagReviewersRequested = "ReviewersRequested"
	TagReviewerVoted      = "ReviewerVoted"
	TagReviewApproved     = "ReviewApproved"
	TagReviewMerged       = "ReviewMerged"
	TagReviewAbandoned    = "ReviewAbandoned"
	TagThreadCreated      = "ThreadCreated"
	TagThreadResolved     = "ThreadResolved"
	TagThreadReopened     = "ThreadReopened"
	TagCommentAdded       = "CommentAdded"
)

// tsFormat is RFC 3339 UTC with fixed-width nanoseconds so that encoded
// timestamps sort lexicographically.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTS encodes t the way log lines and projection rows store it.
func FormatTS(t time.Time) string { return t.UTC().Format(tsFormat) }

// ParseTS decodes a stored timestamp. Any RFC 3339 form is accepted.
func ParseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Payload is one event variant.
type Payload interface {
	Tag() string
}

// Envelope wraps a payload with its append timestamp and author.
type Envelope struct {
	TS      time.Time
	Author  string
	Payload Payload
}

// New builds an envelope stamped with the current UTC time.
func New(author string, p Payload) Envelope {
	return Envelope{TS: time.Now().UTC(), Author: author, Payload: p}
}

// Vote is a reviewer decision.
type Vote string

const (
	VoteLgtm  Vote = "lgtm"
	VoteBlock Vote = "block"
)

func (v Vote) Valid() bool { return v == VoteLgtm || v == VoteBlock }

// Selection anchors a thread to a single line or an inclusive range.
type Selection struct {
	Type  string `json:"type"`
	Line  int    `json:"line,omitempty"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

const (
	SelectionLine  = "line"
	SelectionRange = "range"
)

func LineSelection(n int) Selection {
	return Selection{Type: SelectionLine, Line: n}
}

func RangeSelection(start, end int) Selection {
	return Selection{Type: SelectionRange, Start: start, End: end}
}

// StartLine returns the first anchored line.
func (s Selection) StartLine() int {
	if s.Type == SelectionLine {
		return s.Line
	}
	return s.Start
}

// EndLine returns the last anchored line (equal to StartLine for a
// single-line selection).
func (s Selection) EndLine() int {
	if s.Type == SelectionLine {
		return s.Line
	}
	return s.End
}

func (s Selection) Validate() error {
	switch s.Type {
	case SelectionLine:
		if s.Line < 1 {
			return fmt.Errorf("line must be >= 1, got %d", s.Line)
		}
	case SelectionRange:
		if s.Start < 1 {
			return fmt.Errorf("range start must be >= 1, got %d", s.Start)
		}
		if s.End < s.Start {
			return fmt.Errorf("range end %d before start %d", s.End, s.Start)
		}
	default:
		return fmt.Errorf("unknown selection type %q", s.Type)
	}
	return nil
}

// String renders the selection for display: "21" or "10-14".
func (s Selection) String() string {
	if s.Type == SelectionRange && s.End != s.Start {
		return fmt.Sprintf("%d-%d", s.Start, s.End)
	}
	return fmt.Sprintf("%d", s.StartLine())
}

// ReviewCreated opens a new review for the change at ScmAnchor.
type ReviewCreated struct {
	ReviewID      string `json:"review_id"`
	ScmKind       string `json:"scm_kind,omitempty"`
	ScmAnchor     string `json:"scm_anchor,omitempty"`
	InitialCommit string `json:"initial_commit"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`

	// JJChangeID is the anchor field written by the old single-log
	// layout. Migrated logs keep their original lines, so readers must
	// still accept it.
	JJChangeID string `json:"jj_change_id,omitempty"`
}

func (ReviewCreated) Tag() string { return TagReviewCreated }

// Anchor returns the scm kind and anchor, mapping the legacy jj_change_id
// field when the newer keys are absent.
func (p ReviewCreated) Anchor() (kind, anchor string) {
	if p.ScmAnchor == "" && p.JJChangeID != "" {
		return "jj", p.JJChangeID
	}
	return p.ScmKind, p.ScmAnchor
}

type ReviewersRequested struct {
	ReviewID  string   `json:"review_id"`
	Reviewers []string `json:"reviewers"`
}

func (ReviewersRequested) Tag() string { return TagReviewersRequested }

type ReviewerVoted struct {
	ReviewID string `json:"review_id"`
	Vote     Vote   `json:"vote"`
	Message  string `json:"message,omitempty"`

	// Reason is the legacy name for Message; accepted on read only.
	Reason string `json:"reason,omitempty"`
}

func (ReviewerVoted) Tag() string { return TagReviewerVoted }

// Note returns the vote message, falling back to the legacy reason key.
func (p ReviewerVoted) Note() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Reason
}

type ReviewApproved struct {
	ReviewID string `json:"review_id"`
}

func (ReviewApproved) Tag() string { return TagReviewApproved }

type ReviewMerged struct {
	ReviewID    string `json:"review_id"`
	FinalCommit string `json:"final_commit"`
}

func (ReviewMerged) Tag() string { return TagReviewMerged }

type ReviewAbandoned struct {
	ReviewID string `json:"review_id"`
	Reason   string `json:"reason,omitempty"`
}

func (ReviewAbandoned) Tag() string { return TagReviewAbandoned }

type ThreadCreated struct {
	ThreadID   string    `json:"thread_id"`
	ReviewID   string    `json:"review_id"`
	FilePath   string    `json:"file_path"`
	Selection  Selection `json:"selection"`
	CommitHash string    `json:"commit_hash"`
}

func (ThreadCreated) Tag() string { return TagThreadCreated }

type ThreadResolved struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason,omitempty"`
}

func (ThreadResolved) Tag() string { return TagThreadResolved }

type ThreadReopened struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason,omitempty"`
}

func (ThreadReopened) Tag() string { return TagThreadReopened }

type CommentAdded struct {
	CommentID string `json:"comment_id"`
	ThreadID  string `json:"thread_id"`
	Body      string `json:"body"`
	RequestID string `json:"request_id,omitempty"`
}

func (CommentAdded) Tag() string { return TagCommentAdded }

type wireEnvelope struct {
	TS     string          `json:"ts"`
	Author string          `json:"author"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// MarshalJSON encodes the envelope as the flat wire object
// {ts, author, event, data}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope has no payload")
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		TS:     e.TS.UTC().Format(tsFormat),
		Author: e.Author,
		Event:  e.Payload.Tag(),
		Data:   data,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.TS)
	if err != nil {
		return fmt.Errorf("bad ts %q: %w", w.TS, err)
	}
	if w.Author == "" {
		return fmt.Errorf("empty author")
	}
	p, err := unmarshalPayload(w.Event, w.Data)
	if err != nil {
		return err
	}
	e.TS = ts.UTC()
	e.Author = w.Author
	e.Payload = p
	return nil
}

func unmarshalPayload(tag string, data json.RawMessage) (Payload, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	switch tag {
	case TagReviewCreated:
		var p ReviewCreated
		return p, json.Unmarshal(data, &p)
	case TagReviewersRequested:
		var p ReviewersRequested
		return p, json.Unmarshal(data, &p)
	case TagReviewerVoted:
		var p ReviewerVoted
		return p, json.Unmarshal(data, &p)
	case TagReviewApproved:
		var p ReviewApproved
		return p, json.Unmarshal(data, &p)
	case TagReviewMerged:
		var p ReviewMerged
		return p, json.Unmarshal(data, &p)
	case TagReviewAbandoned:
		var p ReviewAbandoned
		return p, json.Unmarshal(data, &p)
	case TagThreadCreated:
		var p ThreadCreated
		return p, json.Unmarshal(data, &p)
	case TagThreadResolved:
		var p ThreadResolved
		return p, json.Unmarshal(data, &p)
	case TagThreadReopened:
		var p ThreadReopened
		return p, json.Unmarshal(data, &p)
	case TagCommentAdded:
		var p CommentAdded
		return p, json.Unmarshal(data, &p)
	}
	return nil, fmt.Errorf("unknown event %q", tag)
}

// MarshalLine encodes the envelope as one LF-terminated JSON line.
func (e Envelope) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ParseLine decodes a single log line. Trailing CR/LF is tolerated.
func ParseLine(line []byte) (Envelope, error) {
	var e Envelope
	trimmed := strings.TrimRight(string(line), "\r\n")
	if trimmed == "" {
		return e, fmt.Errorf("empty line")
	}
	if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
		return e, err
	}
	return e, nil
}

// ReviewIDOf returns the review a payload belongs to, or "" when the
// payload identifies itself only by thread (resolution happens against
// the projection).
func ReviewIDOf(p Payload) string {
	switch v := p.(type) {
	case ReviewCreated:
		return v.ReviewID
	case ReviewersRequested:
		return v.ReviewID
	case ReviewerVoted:
		return v.ReviewID
	case ReviewApproved:
		return v.ReviewID
	case ReviewMerged:
		return v.ReviewID
	case ReviewAbandoned:
		return v.ReviewID
	case ThreadCreated:
		return v.ReviewID
	}
	return ""
}

// ThreadIDOf returns the thread a payload refers to, or "".
func ThreadIDOf(p Payload) string {
	switch v := p.(type) {
	case ThreadCreated:
		return v.ThreadID
	case ThreadResolved:
		return v.ThreadID
	case ThreadReopened:
		return v.ThreadID
	case CommentAdded:
		return v.ThreadID
	}
	return ""
}
