package review

import (
	"context"
	"time"

	"github.com/bobisme/botcrit/internal/drift"
	"github.com/bobisme/botcrit/internal/event"
	"github.com/bobisme/botcrit/internal/scm"
	"github.com/bobisme/botcrit/internal/storage"
)

// ReviewDetail is a review with its reviewers and votes.
type ReviewDetail struct {
	storage.Review
	Reviewers []storage.Reviewer   `json:"reviewers,omitempty"`
	Votes     []storage.VoteRecord `json:"votes,omitempty"`
}

// GetReview returns a review's full detail.
func (c *Core) GetReview(ctx context.Context, reviewID string) (*ReviewDetail, error) {
	r, err := c.requireReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	reviewers, err := c.DB.GetReviewers(reviewID)
	if err != nil {
		return nil, err
	}
	votes, err := c.DB.GetVotes(reviewID)
	if err != nil {
		return nil, err
	}
	return &ReviewDetail{Review: *r, Reviewers: reviewers, Votes: votes}, nil
}

// ListReviews returns reviews matching the filter, newest first.
func (c *Core) ListReviews(ctx context.Context, f storage.Filter) ([]storage.Review, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c.DB.ListReviews(f)
}

// ListThreads returns a review's threads. Threads on a merged or
// abandoned review read as resolved: the review's terminal state settles
// every conversation.
func (c *Core) ListThreads(ctx context.Context, reviewID string, f storage.ThreadFilter) ([]storage.Thread, error) {
	r, err := c.requireReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	// Status filtering happens after the terminal override, not in SQL.
	want := f.Status
	f.Status = ""
	threads, err := c.DB.ListThreads(reviewID, f)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		for i := range threads {
			threads[i].Status = storage.ThreadResolved
		}
	}
	if want == "" {
		return threads, nil
	}
	var out []storage.Thread
	for _, t := range threads {
		if t.Status == want {
			out = append(out, t)
		}
	}
	return out, nil
}

// ThreadDetail is a thread with its comments and surrounding code.
type ThreadDetail struct {
	storage.Thread
	Comments []storage.Comment `json:"comments"`
	Context  *scm.CodeContext  `json:"context,omitempty"`
}

// GetThread returns a thread with comments and a context window read at
// the thread's anchored commit. contextLines < 0 uses the configured
// default; a context extraction failure degrades to no context rather
// than failing the query.
func (c *Core) GetThread(ctx context.Context, threadID string, contextLines int) (*ThreadDetail, error) {
	thread, r, err := c.requireThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		thread.Status = storage.ThreadResolved
	}
	comments, err := c.DB.ListComments(threadID)
	if err != nil {
		return nil, err
	}

	detail := &ThreadDetail{Thread: *thread, Comments: comments}
	if contextLines < 0 {
		contextLines = c.Config.ContextLines
	}
	codeCtx, err := scm.ExtractContext(c.Repo, thread.FilePath, thread.CommitHash,
		thread.Selection.StartLine(), thread.Selection.EndLine(), contextLines)
	if err == nil {
		detail.Context = codeCtx
	}
	return detail, nil
}

// ActivityOptions controls GetReviewActivity.
type ActivityOptions struct {
	// ContextLines for per-thread code windows; negative uses the config
	// default.
	ContextLines int
	// Since drops comments at or before this time and threads left with
	// none.
	Since time.Time
	// WithDiffs attaches each thread file's diff from the review's
	// initial commit to the current commit.
	WithDiffs bool
}

// ThreadActivity is one thread's slice of a review activity report.
type ThreadActivity struct {
	storage.Thread
	Comments []storage.Comment `json:"comments"`
	Context  *scm.CodeContext  `json:"context,omitempty"`
	Diff     string            `json:"diff,omitempty"`
}

// Activity is the full conversation on one review.
type Activity struct {
	Review  ReviewDetail     `json:"review"`
	Threads []ThreadActivity `json:"threads"`
}

// GetReviewActivity assembles a review's threads, comments, and
// optionally code context and per-file diffs in one call.
func (c *Core) GetReviewActivity(ctx context.Context, reviewID string, opts ActivityOptions) (*Activity, error) {
	detail, err := c.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	threads, err := c.ListThreads(ctx, reviewID, storage.ThreadFilter{})
	if err != nil {
		return nil, err
	}

	var currentCommit string
	if opts.WithDiffs {
		if currentCommit, err = c.Repo.CurrentCommit(); err != nil {
			return nil, err
		}
	}

	act := &Activity{Review: *detail}
	for _, t := range threads {
		comments, err := c.DB.ListComments(t.ThreadID)
		if err != nil {
			return nil, err
		}
		if !opts.Since.IsZero() {
			var recent []storage.Comment
			for _, cm := range comments {
				if cm.CreatedAt.After(opts.Since) {
					recent = append(recent, cm)
				}
			}
			if len(recent) == 0 {
				continue
			}
			comments = recent
		}

		ta := ThreadActivity{Thread: t, Comments: comments}
		lines := opts.ContextLines
		if lines < 0 {
			lines = c.Config.ContextLines
		}
		if codeCtx, err := scm.ExtractContext(c.Repo, t.FilePath, t.CommitHash,
			t.Selection.StartLine(), t.Selection.EndLine(), lines); err == nil {
			ta.Context = codeCtx
		}
		if opts.WithDiffs {
			if d, err := c.Repo.DiffGitFile(detail.InitialCommit, currentCommit, t.FilePath); err == nil {
				ta.Diff = d
			}
		}
		act.Threads = append(act.Threads, ta)
	}
	return act, nil
}

// DriftRow is one thread's drift against the current commit.
type DriftRow struct {
	ReviewID  string          `json:"review_id"`
	ThreadID  string          `json:"thread_id"`
	FilePath  string          `json:"file_path"`
	Selection event.Selection `json:"selection"`
	Drift     drift.Result    `json:"drift"`
}

// Status computes drift for every open thread of one review, or of all
// open and approved reviews when reviewID is empty.
func (c *Core) Status(ctx context.Context, reviewID string) ([]DriftRow, error) {
	var reviews []storage.Review
	if reviewID != "" {
		r, err := c.requireReview(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		reviews = []storage.Review{*r}
	} else {
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		for _, status := range []storage.ReviewStatus{storage.StatusOpen, storage.StatusApproved} {
			rs, err := c.DB.ListReviews(storage.Filter{Status: status})
			if err != nil {
				return nil, err
			}
			reviews = append(reviews, rs...)
		}
	}

	commit, err := c.Repo.CurrentCommit()
	if err != nil {
		return nil, err
	}

	var rows []DriftRow
	for _, r := range reviews {
		threads, err := c.DB.ListThreads(r.ReviewID, storage.ThreadFilter{Status: storage.ThreadOpen})
		if err != nil {
			return nil, err
		}
		for _, t := range threads {
			res, err := drift.Compute(c.Repo, t.FilePath, t.CommitHash, commit,
				t.Selection.StartLine(), t.Selection.EndLine())
			if err != nil {
				return nil, err
			}
			rows = append(rows, DriftRow{
				ReviewID:  r.ReviewID,
				ThreadID:  t.ThreadID,
				FilePath:  t.FilePath,
				Selection: t.Selection,
				Drift:     res,
			})
		}
	}
	return rows, nil
}

// Inbox returns what needs the agent's attention.
func (c *Core) Inbox(ctx context.Context, agent string) (*storage.InboxSummary, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c.DB.Inbox(agent)
}
