package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/event"
)

// Filter narrows ListReviews. Zero values mean "don't filter".
type Filter struct {
	Status ReviewStatus
	Author string
	Anchor string
	// NeedsReview keeps reviews where this agent is a requested reviewer
	// who has not voted since the most recent request.
	NeedsReview string
	// HasUnresolved keeps reviews with at least one open thread.
	HasUnresolved bool
	// Since keeps reviews created at or after this time.
	Since time.Time
	Limit int
}

const reviewColumns = `
	r.review_id, r.scm_kind, r.scm_anchor, r.initial_commit, r.final_commit,
	r.title, r.description, r.author, r.created_at, r.status,
	r.status_changed_at, r.status_changed_by, r.abandon_reason,
	(SELECT COUNT(*) FROM threads t WHERE t.review_id = r.review_id),
	(SELECT COUNT(*) FROM threads t WHERE t.review_id = r.review_id AND t.status = 'open')`

// ListReviews returns reviews matching f, newest first.
func (db *DB) ListReviews(f Filter) ([]Review, error) {
	var where []string
	var args []any

	if f.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(f.Status))
	}
	if f.Author != "" {
		where = append(where, "r.author = ?")
		args = append(args, f.Author)
	}
	if f.Anchor != "" {
		where = append(where, "r.scm_anchor = ?")
		args = append(args, f.Anchor)
	}
	if f.NeedsReview != "" {
		where = append(where, `r.status IN ('open', 'approved') AND EXISTS (
			SELECT 1 FROM review_reviewers rr
			LEFT JOIN reviewer_votes v ON v.review_id = rr.review_id AND v.reviewer = rr.reviewer
			WHERE rr.review_id = r.review_id AND rr.reviewer = ?
			  AND (v.vote IS NULL OR rr.requested_at > v.voted_at))`)
		args = append(args, f.NeedsReview)
	}
	if f.HasUnresolved {
		where = append(where, `EXISTS (
			SELECT 1 FROM threads t WHERE t.review_id = r.review_id AND t.status = 'open')`)
	}
	if !f.Since.IsZero() {
		where = append(where, "r.created_at >= ?")
		args = append(args, event.FormatTS(f.Since))
	}

	query := "SELECT" + reviewColumns + " FROM reviews r"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.created_at DESC, r.review_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, crit.Storage(err, "list reviews")
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, crit.Storage(err, "list reviews")
	}
	return out, nil
}

// GetReview returns one review, or nil when it does not exist.
func (db *DB) GetReview(reviewID string) (*Review, error) {
	row := db.QueryRow("SELECT"+reviewColumns+" FROM reviews r WHERE r.review_id = ?", reviewID)
	r, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (Review, error) {
	var r Review
	var createdAt string
	var finalCommit, description, changedAt, changedBy, abandonReason sql.NullString
	var status string
	err := row.Scan(
		&r.ReviewID, &r.ScmKind, &r.ScmAnchor, &r.InitialCommit, &finalCommit,
		&r.Title, &description, &r.Author, &createdAt, &status,
		&changedAt, &changedBy, &abandonReason,
		&r.ThreadCount, &r.OpenThreadCount)
	if err == sql.ErrNoRows {
		return r, err
	}
	if err != nil {
		return r, crit.Storage(err, "scan review")
	}
	r.FinalCommit = finalCommit.String
	r.Description = description.String
	r.Status = ReviewStatus(status)
	r.StatusChangedBy = changedBy.String
	r.AbandonReason = abandonReason.String
	if r.CreatedAt, err = event.ParseTS(createdAt); err != nil {
		return r, crit.Storage(err, "bad created_at for %s", r.ReviewID)
	}
	if changedAt.Valid {
		if r.StatusChangedAt, err = event.ParseTS(changedAt.String); err != nil {
			return r, crit.Storage(err, "bad status_changed_at for %s", r.ReviewID)
		}
	}
	return r, nil
}

// GetReviewers lists requested reviewers with their latest request.
func (db *DB) GetReviewers(reviewID string) ([]Reviewer, error) {
	rows, err := db.Query(`
		SELECT reviewer, requested_at, requested_by FROM review_reviewers
		WHERE review_id = ? ORDER BY requested_at, reviewer`, reviewID)
	if err != nil {
		return nil, crit.Storage(err, "list reviewers for %s", reviewID)
	}
	defer rows.Close()

	var out []Reviewer
	for rows.Next() {
		var rv Reviewer
		var at string
		if err := rows.Scan(&rv.Reviewer, &at, &rv.RequestedBy); err != nil {
			return nil, crit.Storage(err, "scan reviewer")
		}
		if rv.RequestedAt, err = event.ParseTS(at); err != nil {
			return nil, crit.Storage(err, "bad requested_at for %s", reviewID)
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

// GetVotes lists the latest vote per reviewer. Equal timestamps order by
// reviewer name so the listing is deterministic.
func (db *DB) GetVotes(reviewID string) ([]VoteRecord, error) {
	rows, err := db.Query(`
		SELECT reviewer, vote, message, voted_at FROM reviewer_votes
		WHERE review_id = ? ORDER BY voted_at, reviewer`, reviewID)
	if err != nil {
		return nil, crit.Storage(err, "list votes for %s", reviewID)
	}
	defer rows.Close()

	var out []VoteRecord
	for rows.Next() {
		var v VoteRecord
		var vote, at string
		var message sql.NullString
		if err := rows.Scan(&v.Reviewer, &vote, &message, &at); err != nil {
			return nil, crit.Storage(err, "scan vote")
		}
		v.Vote = event.Vote(vote)
		v.Message = message.String
		if v.VotedAt, err = event.ParseTS(at); err != nil {
			return nil, crit.Storage(err, "bad voted_at for %s", reviewID)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Blockers returns the reviewers holding an outstanding block vote,
// sorted by name.
func (db *DB) Blockers(reviewID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT reviewer FROM reviewer_votes
		WHERE review_id = ? AND vote = 'block' ORDER BY reviewer`, reviewID)
	if err != nil {
		return nil, crit.Storage(err, "list blockers for %s", reviewID)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var reviewer string
		if err := rows.Scan(&reviewer); err != nil {
			return nil, crit.Storage(err, "scan blocker")
		}
		out = append(out, reviewer)
	}
	return out, rows.Err()
}

// ThreadFilter narrows ListThreads.
type ThreadFilter struct {
	Status ThreadStatus
	File   string
}

const threadColumns = `
	t.thread_id, t.review_id, t.file_path,
	t.selection_type, t.selection_start, t.selection_end,
	t.commit_hash, t.author, t.created_at, t.status,
	t.status_changed_at, t.status_changed_by, t.resolve_reason, t.reopen_reason,
	t.next_comment_number,
	(SELECT COUNT(*) FROM comments c WHERE c.thread_id = t.thread_id)`

// ListThreads returns a review's threads in creation order.
func (db *DB) ListThreads(reviewID string, f ThreadFilter) ([]Thread, error) {
	query := "SELECT" + threadColumns + " FROM threads t WHERE t.review_id = ?"
	args := []any{reviewID}
	if f.Status != "" {
		query += " AND t.status = ?"
		args = append(args, string(f.Status))
	}
	if f.File != "" {
		query += " AND t.file_path = ?"
		args = append(args, f.File)
	}
	query += " ORDER BY t.created_at, t.thread_id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, crit.Storage(err, "list threads for %s", reviewID)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetThread returns one thread, or nil when it does not exist.
func (db *DB) GetThread(threadID string) (*Thread, error) {
	row := db.QueryRow("SELECT"+threadColumns+" FROM threads t WHERE t.thread_id = ?", threadID)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindOpenThreadAt returns an open thread on the review with exactly
// this file and selection, or nil.
func (db *DB) FindOpenThreadAt(reviewID, file string, sel event.Selection) (*Thread, error) {
	row := db.QueryRow("SELECT"+threadColumns+` FROM threads t
		WHERE t.review_id = ? AND t.file_path = ? AND t.status = 'open'
		  AND t.selection_start = ? AND t.selection_end = ?
		ORDER BY t.created_at LIMIT 1`,
		reviewID, file, sel.StartLine(), sel.EndLine())
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanThread(row rowScanner) (Thread, error) {
	var t Thread
	var selType, createdAt, status string
	var selStart, selEnd int
	var changedAt, changedBy, resolveReason, reopenReason sql.NullString
	err := row.Scan(
		&t.ThreadID, &t.ReviewID, &t.FilePath,
		&selType, &selStart, &selEnd,
		&t.CommitHash, &t.Author, &createdAt, &status,
		&changedAt, &changedBy, &resolveReason, &reopenReason,
		&t.NextCommentNumber, &t.CommentCount)
	if err == sql.ErrNoRows {
		return t, err
	}
	if err != nil {
		return t, crit.Storage(err, "scan thread")
	}
	if selType == event.SelectionLine {
		t.Selection = event.LineSelection(selStart)
	} else {
		t.Selection = event.RangeSelection(selStart, selEnd)
	}
	t.Status = ThreadStatus(status)
	t.StatusChangedBy = changedBy.String
	t.ResolveReason = resolveReason.String
	t.ReopenReason = reopenReason.String
	if t.CreatedAt, err = event.ParseTS(createdAt); err != nil {
		return t, crit.Storage(err, "bad created_at for %s", t.ThreadID)
	}
	if changedAt.Valid {
		if t.StatusChangedAt, err = event.ParseTS(changedAt.String); err != nil {
			return t, crit.Storage(err, "bad status_changed_at for %s", t.ThreadID)
		}
	}
	return t, nil
}

// ListComments returns a thread's comments in serial order.
func (db *DB) ListComments(threadID string) ([]Comment, error) {
	rows, err := db.Query(`
		SELECT comment_id, thread_id, number, body, author, created_at, request_id
		FROM comments WHERE thread_id = ? ORDER BY number`, threadID)
	if err != nil {
		return nil, crit.Storage(err, "list comments for %s", threadID)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CommentByRequestID returns the comment recorded for an idempotency
// token, or nil.
func (db *DB) CommentByRequestID(requestID string) (*Comment, error) {
	row := db.QueryRow(`
		SELECT comment_id, thread_id, number, body, author, created_at, request_id
		FROM comments WHERE request_id = ?`, requestID)
	c, err := scanComment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanComment(row rowScanner) (Comment, error) {
	var c Comment
	var createdAt string
	var requestID sql.NullString
	err := row.Scan(&c.CommentID, &c.ThreadID, &c.Number, &c.Body, &c.Author, &createdAt, &requestID)
	if err == sql.ErrNoRows {
		return c, err
	}
	if err != nil {
		return c, crit.Storage(err, "scan comment")
	}
	c.RequestID = requestID.String
	if c.CreatedAt, err = event.ParseTS(createdAt); err != nil {
		return c, crit.Storage(err, "bad created_at for %s", c.CommentID)
	}
	return c, nil
}
