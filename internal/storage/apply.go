package storage

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/event"
)

// ApplyEvent applies one envelope to the projection. Application is
// idempotent and guarded: replaying a log over already-applied state
// converges on the same rows, and no event rolls a terminal status back.
func (db *DB) ApplyEvent(env event.Envelope) error {
	tx, err := db.Begin()
	if err != nil {
		return crit.Storage(err, "begin apply")
	}
	if err := applyEvent(tx, env); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return crit.Storage(err, "commit apply")
	}
	return nil
}

func applyEvent(tx *sql.Tx, env event.Envelope) error {
	ts := event.FormatTS(env.TS)

	switch p := env.Payload.(type) {
	case event.ReviewCreated:
		return applyReviewCreated(tx, p, env.Author, ts)
	case event.ReviewersRequested:
		return applyReviewersRequested(tx, p, env.Author, ts)
	case event.ReviewerVoted:
		return applyReviewerVoted(tx, p, env.Author, ts)
	case event.ReviewApproved:
		return applyReviewApproved(tx, p, env.Author, ts)
	case event.ReviewMerged:
		return applyReviewMerged(tx, p, env.Author, ts)
	case event.ReviewAbandoned:
		return applyReviewAbandoned(tx, p, env.Author, ts)
	case event.ThreadCreated:
		return applyThreadCreated(tx, p, env.Author, ts)
	case event.ThreadResolved:
		return applyThreadResolved(tx, p, env.Author, ts)
	case event.ThreadReopened:
		return applyThreadReopened(tx, p, env.Author, ts)
	case event.CommentAdded:
		return applyCommentAdded(tx, p, env.Author, ts)
	}
	return crit.Storage(nil, "unhandled event %T", env.Payload)
}

func applyReviewCreated(tx *sql.Tx, p event.ReviewCreated, author, ts string) error {
	kind, anchor := p.Anchor()
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO reviews (
			review_id, scm_kind, scm_anchor, initial_commit,
			title, description, author, created_at, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open')`,
		p.ReviewID, kind, anchor, p.InitialCommit,
		p.Title, nullStr(p.Description), author, ts)
	if err != nil {
		return crit.Storage(err, "apply ReviewCreated %s", p.ReviewID)
	}
	return nil
}

func applyReviewersRequested(tx *sql.Tx, p event.ReviewersRequested, author, ts string) error {
	for _, reviewer := range p.Reviewers {
		_, err := tx.Exec(`
			INSERT INTO review_reviewers (review_id, reviewer, requested_at, requested_by)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (review_id, reviewer) DO UPDATE SET
				requested_at = excluded.requested_at,
				requested_by = excluded.requested_by`,
			p.ReviewID, reviewer, ts, author)
		if err != nil {
			return crit.Storage(err, "apply ReviewersRequested %s", p.ReviewID)
		}
	}
	return nil
}

func applyReviewerVoted(tx *sql.Tx, p event.ReviewerVoted, author, ts string) error {
	_, err := tx.Exec(`
		INSERT INTO reviewer_votes (review_id, reviewer, vote, message, voted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (review_id, reviewer) DO UPDATE SET
			vote = excluded.vote,
			message = excluded.message,
			voted_at = excluded.voted_at`,
		p.ReviewID, author, string(p.Vote), nullStr(p.Note()), ts)
	if err != nil {
		return crit.Storage(err, "apply ReviewerVoted %s", p.ReviewID)
	}

	switch p.Vote {
	case event.VoteLgtm:
		// With no outstanding block this lgtm promotes an open review.
		// The upsert above already replaced any prior block by the same
		// reviewer, so a surviving block row is someone else's.
		var blocks int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM reviewer_votes
			WHERE review_id = ? AND vote = 'block'`, p.ReviewID).Scan(&blocks); err != nil {
			return crit.Storage(err, "count blocks for %s", p.ReviewID)
		}
		if blocks == 0 {
			_, err = tx.Exec(`
				UPDATE reviews SET status = 'approved', status_changed_at = ?, status_changed_by = ?
				WHERE review_id = ? AND status = 'open'`,
				ts, author, p.ReviewID)
			if err != nil {
				return crit.Storage(err, "promote %s", p.ReviewID)
			}
		}
	case event.VoteBlock:
		// Latest vote wins: a block pulls an approved review back to open.
		_, err = tx.Exec(`
			UPDATE reviews SET status = 'open', status_changed_at = ?, status_changed_by = ?
			WHERE review_id = ? AND status = 'approved'`,
			ts, author, p.ReviewID)
		if err != nil {
			return crit.Storage(err, "demote %s", p.ReviewID)
		}
	}
	return nil
}

func applyReviewApproved(tx *sql.Tx, p event.ReviewApproved, author, ts string) error {
	_, err := tx.Exec(`
		UPDATE reviews SET status = 'approved', status_changed_at = ?, status_changed_by = ?
		WHERE review_id = ? AND status = 'open'`,
		ts, author, p.ReviewID)
	if err != nil {
		return crit.Storage(err, "apply ReviewApproved %s", p.ReviewID)
	}
	return nil
}

func applyReviewMerged(tx *sql.Tx, p event.ReviewMerged, author, ts string) error {
	_, err := tx.Exec(`
		UPDATE reviews SET
			status = 'merged', final_commit = ?, status_changed_at = ?, status_changed_by = ?
		WHERE review_id = ? AND status IN ('open', 'approved')`,
		p.FinalCommit, ts, author, p.ReviewID)
	if err != nil {
		return crit.Storage(err, "apply ReviewMerged %s", p.ReviewID)
	}
	return nil
}

func applyReviewAbandoned(tx *sql.Tx, p event.ReviewAbandoned, author, ts string) error {
	_, err := tx.Exec(`
		UPDATE reviews SET
			status = 'abandoned', status_changed_at = ?, status_changed_by = ?, abandon_reason = ?
		WHERE review_id = ? AND status IN ('open', 'approved')`,
		ts, author, nullStr(p.Reason), p.ReviewID)
	if err != nil {
		return crit.Storage(err, "apply ReviewAbandoned %s", p.ReviewID)
	}
	return nil
}

func applyThreadCreated(tx *sql.Tx, p event.ThreadCreated, author, ts string) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO threads (
			thread_id, review_id, file_path,
			selection_type, selection_start, selection_end,
			commit_hash, author, created_at, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'open')`,
		p.ThreadID, p.ReviewID, p.FilePath,
		p.Selection.Type, p.Selection.StartLine(), p.Selection.EndLine(),
		p.CommitHash, author, ts)
	if err != nil {
		return crit.Storage(err, "apply ThreadCreated %s", p.ThreadID)
	}
	return nil
}

func applyThreadResolved(tx *sql.Tx, p event.ThreadResolved, author, ts string) error {
	_, err := tx.Exec(`
		UPDATE threads SET
			status = 'resolved', status_changed_at = ?, status_changed_by = ?, resolve_reason = ?
		WHERE thread_id = ? AND status = 'open'`,
		ts, author, nullStr(p.Reason), p.ThreadID)
	if err != nil {
		return crit.Storage(err, "apply ThreadResolved %s", p.ThreadID)
	}
	return nil
}

func applyThreadReopened(tx *sql.Tx, p event.ThreadReopened, author, ts string) error {
	_, err := tx.Exec(`
		UPDATE threads SET
			status = 'open', status_changed_at = ?, status_changed_by = ?, reopen_reason = ?
		WHERE thread_id = ? AND status = 'resolved'`,
		ts, author, nullStr(p.Reason), p.ThreadID)
	if err != nil {
		return crit.Storage(err, "apply ThreadReopened %s", p.ThreadID)
	}
	return nil
}

func applyCommentAdded(tx *sql.Tx, p event.CommentAdded, author, ts string) error {
	// Duplicate comment_id or request_id rows are silently skipped so
	// replays and idempotent retries converge. The partial unique index
	// on request_id turns a second insert into a no-op.
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO comments (comment_id, thread_id, number, body, author, created_at, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.CommentID, p.ThreadID, commentSerial(p.CommentID), p.Body, author, ts, nullStr(p.RequestID))
	if err != nil {
		return crit.Storage(err, "apply CommentAdded %s", p.CommentID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crit.Storage(err, "apply CommentAdded %s", p.CommentID)
	}
	if n == 0 {
		return nil
	}

	_, err = tx.Exec(`
		UPDATE threads SET next_comment_number = MAX(next_comment_number, ? + 1)
		WHERE thread_id = ?`,
		commentSerial(p.CommentID), p.ThreadID)
	if err != nil {
		return crit.Storage(err, "bump comment serial for %s", p.ThreadID)
	}
	return nil
}

// commentSerial extracts the numeric suffix of "<thread>.<n>". Zero
// means the id carries no serial; the serial counter is left to the
// MAX() bump.
func commentSerial(commentID string) int {
	i := strings.LastIndexByte(commentID, '.')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(commentID[i+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
