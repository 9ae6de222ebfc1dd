package storage

import (
	"database/sql"
	"time"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/event"
)

// RequestStatus distinguishes first-time review requests from repeats.
type RequestStatus string

const (
	// RequestFresh: the agent has never voted on this review.
	RequestFresh RequestStatus = "fresh"
	// RequestReReview: the agent voted, then was requested again later.
	RequestReReview RequestStatus = "re-review"
)

// AwaitingVote is an inbox entry for a review the agent should vote on.
type AwaitingVote struct {
	ReviewID        string        `json:"review_id"`
	Title           string        `json:"title"`
	Author          string        `json:"author"`
	Status          ReviewStatus  `json:"status"`
	OpenThreadCount int           `json:"open_thread_count"`
	RequestedAt     time.Time     `json:"requested_at"`
	RequestStatus   RequestStatus `json:"request_status"`
}

// ThreadUpdate is an inbox entry for a thread the agent participated in
// that has newer responses from others.
type ThreadUpdate struct {
	ThreadID         string       `json:"thread_id"`
	ReviewID         string       `json:"review_id"`
	ReviewTitle      string       `json:"review_title"`
	FilePath         string       `json:"file_path"`
	SelectionStart   int          `json:"selection_start"`
	Status           ThreadStatus `json:"status"`
	MyLastCommentAt  time.Time    `json:"my_last_comment_at"`
	NewResponseCount int          `json:"new_response_count"`
	LatestResponseAt time.Time    `json:"latest_response_at"`
}

// OpenFeedback is an inbox entry for an open thread on a review the
// agent authored.
type OpenFeedback struct {
	ThreadID        string    `json:"thread_id"`
	ReviewID        string    `json:"review_id"`
	ReviewTitle     string    `json:"review_title"`
	FilePath        string    `json:"file_path"`
	SelectionStart  int       `json:"selection_start"`
	ThreadAuthor    string    `json:"thread_author"`
	CommentCount    int       `json:"comment_count"`
	LatestCommentAt time.Time `json:"latest_comment_at,omitempty"`
}

// InboxSummary holds the three inbox categories in their fixed order.
type InboxSummary struct {
	AwaitingVote []AwaitingVote `json:"reviews_awaiting_vote"`
	NewResponses []ThreadUpdate `json:"threads_with_new_responses"`
	OpenFeedback []OpenFeedback `json:"open_threads_on_my_reviews"`
}

func (s *InboxSummary) Empty() bool {
	return len(s.AwaitingVote) == 0 && len(s.NewResponses) == 0 && len(s.OpenFeedback) == 0
}

// Inbox computes what needs the agent's attention. Only open and
// approved reviews contribute.
func (db *DB) Inbox(agent string) (*InboxSummary, error) {
	awaiting, err := db.reviewsAwaitingVote(agent)
	if err != nil {
		return nil, err
	}
	responses, err := db.threadsWithNewResponses(agent)
	if err != nil {
		return nil, err
	}
	feedback, err := db.openThreadsOnMyReviews(agent)
	if err != nil {
		return nil, err
	}
	return &InboxSummary{
		AwaitingVote: awaiting,
		NewResponses: responses,
		OpenFeedback: feedback,
	}, nil
}

// reviewsAwaitingVote: the agent is a requested reviewer and either has
// never voted ("fresh") or the latest request postdates their vote
// ("re-review").
func (db *DB) reviewsAwaitingVote(agent string) ([]AwaitingVote, error) {
	rows, err := db.Query(`
		SELECT r.review_id, r.title, r.author, r.status,
			(SELECT COUNT(*) FROM threads t WHERE t.review_id = r.review_id AND t.status = 'open'),
			rr.requested_at,
			CASE WHEN v.vote IS NULL THEN 'fresh' ELSE 're-review' END
		FROM review_reviewers rr
		JOIN reviews r ON r.review_id = rr.review_id
		LEFT JOIN reviewer_votes v ON v.review_id = rr.review_id AND v.reviewer = rr.reviewer
		WHERE rr.reviewer = ?
		  AND r.status IN ('open', 'approved')
		  AND (v.vote IS NULL OR rr.requested_at > v.voted_at)
		ORDER BY rr.requested_at DESC, r.review_id`, agent)
	if err != nil {
		return nil, crit.Storage(err, "inbox awaiting-vote query")
	}
	defer rows.Close()

	var out []AwaitingVote
	for rows.Next() {
		var a AwaitingVote
		var status, requestedAt, reqStatus string
		if err := rows.Scan(&a.ReviewID, &a.Title, &a.Author, &status,
			&a.OpenThreadCount, &requestedAt, &reqStatus); err != nil {
			return nil, crit.Storage(err, "scan awaiting-vote row")
		}
		a.Status = ReviewStatus(status)
		a.RequestStatus = RequestStatus(reqStatus)
		if a.RequestedAt, err = event.ParseTS(requestedAt); err != nil {
			return nil, crit.Storage(err, "bad requested_at for %s", a.ReviewID)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// threadsWithNewResponses: open threads where the agent commented and
// someone else commented later. Acknowledgment is a later comment by the
// agent (which empties new_responses) or resolving the thread (which
// drops it from the open set).
func (db *DB) threadsWithNewResponses(agent string) ([]ThreadUpdate, error) {
	rows, err := db.Query(`
		WITH my_last_comment AS (
			SELECT thread_id, MAX(created_at) AS last_at
			FROM comments WHERE author = ? GROUP BY thread_id
		),
		new_responses AS (
			SELECT c.thread_id, COUNT(*) AS new_count, MAX(c.created_at) AS latest_at
			FROM comments c
			JOIN my_last_comment m ON m.thread_id = c.thread_id
			WHERE c.author != ? AND c.created_at > m.last_at
			GROUP BY c.thread_id
		)
		SELECT t.thread_id, t.review_id, r.title, t.file_path,
			t.selection_start, t.status,
			m.last_at, n.new_count, n.latest_at
		FROM threads t
		JOIN reviews r ON r.review_id = t.review_id
		JOIN my_last_comment m ON m.thread_id = t.thread_id
		JOIN new_responses n ON n.thread_id = t.thread_id
		WHERE t.status = 'open' AND r.status IN ('open', 'approved')
		ORDER BY n.latest_at DESC, t.thread_id`, agent, agent)
	if err != nil {
		return nil, crit.Storage(err, "inbox new-responses query")
	}
	defer rows.Close()

	var out []ThreadUpdate
	for rows.Next() {
		var u ThreadUpdate
		var status, lastAt, latestAt string
		if err := rows.Scan(&u.ThreadID, &u.ReviewID, &u.ReviewTitle, &u.FilePath,
			&u.SelectionStart, &status, &lastAt, &u.NewResponseCount, &latestAt); err != nil {
			return nil, crit.Storage(err, "scan new-responses row")
		}
		u.Status = ThreadStatus(status)
		if u.MyLastCommentAt, err = event.ParseTS(lastAt); err != nil {
			return nil, crit.Storage(err, "bad comment ts for %s", u.ThreadID)
		}
		if u.LatestResponseAt, err = event.ParseTS(latestAt); err != nil {
			return nil, crit.Storage(err, "bad response ts for %s", u.ThreadID)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// openThreadsOnMyReviews: feedback awaiting the review author.
func (db *DB) openThreadsOnMyReviews(agent string) ([]OpenFeedback, error) {
	rows, err := db.Query(`
		SELECT t.thread_id, t.review_id, r.title, t.file_path,
			t.selection_start, t.author,
			COUNT(c.comment_id), MAX(c.created_at)
		FROM threads t
		JOIN reviews r ON r.review_id = t.review_id
		LEFT JOIN comments c ON c.thread_id = t.thread_id
		WHERE r.author = ? AND r.status IN ('open', 'approved') AND t.status = 'open'
		GROUP BY t.thread_id
		ORDER BY MAX(c.created_at) DESC, t.created_at DESC, t.thread_id`, agent)
	if err != nil {
		return nil, crit.Storage(err, "inbox open-feedback query")
	}
	defer rows.Close()

	var out []OpenFeedback
	for rows.Next() {
		var f OpenFeedback
		var latest sql.NullString
		if err := rows.Scan(&f.ThreadID, &f.ReviewID, &f.ReviewTitle, &f.FilePath,
			&f.SelectionStart, &f.ThreadAuthor, &f.CommentCount, &latest); err != nil {
			return nil, crit.Storage(err, "scan open-feedback row")
		}
		if latest.Valid {
			if f.LatestCommentAt, err = event.ParseTS(latest.String); err != nil {
				return nil, crit.Storage(err, "bad comment ts for %s", f.ThreadID)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
