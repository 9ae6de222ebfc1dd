package review

import (
	"context"
	"fmt"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/critignore"
	"github.com/bobisme/botcrit/internal/drift"
	"github.com/bobisme/botcrit/internal/event"
	"github.com/bobisme/botcrit/internal/scm"
	"github.com/bobisme/botcrit/internal/storage"
)

// CreateReview opens a review for the current working-copy change and
// returns its id. It refuses a change with nothing reviewable: no files
// changed against the parent commit, or every changed file ignored by
// .critignore.
func (c *Core) CreateReview(ctx context.Context, title, description, author string) (string, error) {
	if title == "" {
		return "", crit.InvalidInput("title", "cannot be empty")
	}

	anchor, err := c.Repo.CurrentAnchor()
	if err != nil {
		return "", err
	}
	commit, err := c.Repo.CurrentCommit()
	if err != nil {
		return "", err
	}
	if err := c.checkReviewable(commit); err != nil {
		return "", err
	}

	id, err := c.ids.ReviewID()
	if err != nil {
		return "", crit.Storage(err, "generate review id")
	}

	env := event.New(author, event.ReviewCreated{
		ReviewID:      id,
		ScmKind:       string(c.Repo.Kind()),
		ScmAnchor:     anchor,
		InitialCommit: commit,
		Title:         title,
		Description:   description,
	})
	if _, err := c.append(ctx, id, env); err != nil {
		return "", err
	}
	return id, nil
}

// checkReviewable gates review creation on the change having reviewable
// files. A commit whose parent cannot be resolved (a root commit) skips
// the gate.
func (c *Core) checkReviewable(commit string) error {
	parent, err := c.Repo.ParentCommit(commit)
	if err != nil {
		return nil
	}
	files, err := c.Repo.ChangedFilesBetween(parent, commit)
	if err != nil {
		return err
	}
	ig, err := critignore.Load(c.Repo.Root())
	if err != nil {
		return err
	}
	kept, ignored := ig.Filter(files)
	switch {
	case len(files) == 0:
		return crit.InvalidState("change", commit, "empty", "nothing to review: no files changed")
	case len(kept) == 0:
		return crit.InvalidState("change", commit, "empty",
			"nothing to review: all %d changed file(s) are ignored by .critignore", ignored)
	}
	return nil
}

// RequestReviewers records a (re-)request for one or more reviewers.
func (c *Core) RequestReviewers(ctx context.Context, reviewID string, reviewers []string, author string) error {
	if len(reviewers) == 0 {
		return crit.InvalidInput("reviewers", "cannot be empty")
	}
	seen := make(map[string]bool, len(reviewers))
	for _, rv := range reviewers {
		if rv == "" {
			return crit.InvalidInput("reviewers", "reviewer name cannot be empty")
		}
		if seen[rv] {
			return crit.InvalidInput("reviewers", "duplicate reviewer %q", rv)
		}
		seen[rv] = true
	}

	r, err := c.requireReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return crit.InvalidState("review", reviewID, string(r.Status), "cannot request reviewers")
	}

	env := event.New(author, event.ReviewersRequested{ReviewID: reviewID, Reviewers: reviewers})
	_, err = c.append(ctx, reviewID, env)
	return err
}

// CommentResult reports where AddComment landed.
type CommentResult struct {
	CommentID     string
	ThreadID      string
	ThreadCreated bool
}

// AddComment attaches a comment to the review at (file, selection). An
// open thread already anchored there takes the comment as a reply when
// its anchor is still resolvable; otherwise a new thread is created at
// the current commit. A request id makes the call idempotent: replays
// return the original comment, and a replay with a different body is a
// Conflict.
func (c *Core) AddComment(ctx context.Context, reviewID, file string, sel event.Selection, body, requestID, author string) (*CommentResult, error) {
	if body == "" {
		return nil, crit.InvalidInput("body", "cannot be empty")
	}
	if err := scm.ValidatePath(file); err != nil {
		return nil, err
	}
	if err := sel.Validate(); err != nil {
		return nil, crit.InvalidInput("selection", "%v", err)
	}

	r, err := c.requireReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if r.Status != storage.StatusOpen {
		return nil, crit.InvalidState("review", reviewID, string(r.Status), "comments are only accepted while open")
	}

	if requestID != "" {
		if res, err := c.replayedComment(requestID, body); err != nil || res != nil {
			return res, err
		}
	}

	thread, err := c.DB.FindOpenThreadAt(reviewID, file, sel)
	if err != nil {
		return nil, err
	}
	if thread != nil && !c.anchorResolvable(thread) {
		thread = nil
	}

	if thread != nil {
		commentID := event.CommentID(thread.ThreadID, thread.NextCommentNumber)
		env := event.New(author, event.CommentAdded{
			CommentID: commentID,
			ThreadID:  thread.ThreadID,
			Body:      body,
			RequestID: requestID,
		})
		if _, err := c.append(ctx, reviewID, env); err != nil {
			return nil, err
		}
		return &CommentResult{CommentID: commentID, ThreadID: thread.ThreadID}, nil
	}

	commit, err := c.Repo.CurrentCommit()
	if err != nil {
		return nil, err
	}
	threadID, err := c.ids.ThreadID()
	if err != nil {
		return nil, crit.Storage(err, "generate thread id")
	}

	env := event.New(author, event.ThreadCreated{
		ThreadID:   threadID,
		ReviewID:   reviewID,
		FilePath:   file,
		Selection:  sel,
		CommitHash: commit,
	})
	if _, err := c.append(ctx, reviewID, env); err != nil {
		return nil, err
	}

	commentID := event.CommentID(threadID, 1)
	env = event.New(author, event.CommentAdded{
		CommentID: commentID,
		ThreadID:  threadID,
		Body:      body,
		RequestID: requestID,
	})
	if _, err := c.append(ctx, reviewID, env); err != nil {
		return nil, err
	}
	return &CommentResult{CommentID: commentID, ThreadID: threadID, ThreadCreated: true}, nil
}

// replayedComment returns the already-recorded comment for a request id,
// a Conflict when the body differs, or nil when the id is new.
func (c *Core) replayedComment(requestID, body string) (*CommentResult, error) {
	existing, err := c.DB.CommentByRequestID(requestID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if existing.Body != body {
		return nil, crit.Conflict("request %s already recorded comment %s with a different body",
			requestID, existing.CommentID)
	}
	return &CommentResult{CommentID: existing.CommentID, ThreadID: existing.ThreadID}, nil
}

// anchorResolvable reports whether a thread's anchored lines still map
// onto the current commit. A drift failure counts as unresolvable so a
// fresh thread carries the conversation instead of a dead anchor.
func (c *Core) anchorResolvable(t *storage.Thread) bool {
	commit, err := c.Repo.CurrentCommit()
	if err != nil {
		return false
	}
	res, err := drift.Compute(c.Repo, t.FilePath, t.CommitHash, commit,
		t.Selection.StartLine(), t.Selection.EndLine())
	if err != nil {
		return false
	}
	return res.Kind != drift.Detached
}

// ReplyToThread appends a comment to an existing thread.
func (c *Core) ReplyToThread(ctx context.Context, threadID, body, requestID, author string) (*CommentResult, error) {
	if body == "" {
		return nil, crit.InvalidInput("body", "cannot be empty")
	}
	thread, r, err := c.requireThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if r.Status != storage.StatusOpen {
		return nil, crit.InvalidState("review", r.ReviewID, string(r.Status), "comments are only accepted while open")
	}
	if requestID != "" {
		if res, err := c.replayedComment(requestID, body); err != nil || res != nil {
			return res, err
		}
	}

	commentID := event.CommentID(threadID, thread.NextCommentNumber)
	env := event.New(author, event.CommentAdded{
		CommentID: commentID,
		ThreadID:  threadID,
		Body:      body,
		RequestID: requestID,
	})
	if _, err := c.append(ctx, r.ReviewID, env); err != nil {
		return nil, err
	}
	return &CommentResult{CommentID: commentID, ThreadID: threadID}, nil
}

// ResolveThread marks an open thread resolved.
func (c *Core) ResolveThread(ctx context.Context, threadID, reason, author string) error {
	thread, r, err := c.requireThread(ctx, threadID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return crit.InvalidState("review", r.ReviewID, string(r.Status), "threads are frozen")
	}
	if thread.Status != storage.ThreadOpen {
		return crit.InvalidState("thread", threadID, string(thread.Status), "only open threads can be resolved")
	}
	env := event.New(author, event.ThreadResolved{ThreadID: threadID, Reason: reason})
	_, err = c.append(ctx, r.ReviewID, env)
	return err
}

// ReopenThread reverses a resolve.
func (c *Core) ReopenThread(ctx context.Context, threadID, reason, author string) error {
	thread, r, err := c.requireThread(ctx, threadID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return crit.InvalidState("review", r.ReviewID, string(r.Status), "threads are frozen")
	}
	if thread.Status != storage.ThreadResolved {
		return crit.InvalidState("thread", threadID, string(thread.Status), "only resolved threads can be reopened")
	}
	env := event.New(author, event.ThreadReopened{ThreadID: threadID, Reason: reason})
	_, err = c.append(ctx, r.ReviewID, env)
	return err
}

// ThreadOutcome is one entry in a batch resolve result.
type ThreadOutcome struct {
	ThreadID string
	Err      error
}

// ResolveThreads resolves several threads, continuing past individual
// failures. The returned slice parallels threadIDs.
func (c *Core) ResolveThreads(ctx context.Context, threadIDs []string, reason, author string) []ThreadOutcome {
	out := make([]ThreadOutcome, 0, len(threadIDs))
	for _, id := range threadIDs {
		out = append(out, ThreadOutcome{ThreadID: id, Err: c.ResolveThread(ctx, id, reason, author)})
	}
	return out
}

// Vote records the reviewer's latest decision. A lgtm that leaves no
// outstanding block promotes the review to approved during projection;
// a block demotes an approved review back to open.
func (c *Core) Vote(ctx context.Context, reviewID string, vote event.Vote, message, author string) error {
	if !vote.Valid() {
		return crit.InvalidInput("vote", "expected lgtm or block, got %q", vote)
	}
	r, err := c.requireReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return crit.InvalidState("review", reviewID, string(r.Status), "voting is closed")
	}
	env := event.New(author, event.ReviewerVoted{ReviewID: reviewID, Vote: vote, Message: message})
	_, err = c.append(ctx, reviewID, env)
	return err
}

// Approve force-approves an open review without a vote.
func (c *Core) Approve(ctx context.Context, reviewID, author string) error {
	r, err := c.requireReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if r.Status != storage.StatusOpen {
		return crit.InvalidState("review", reviewID, string(r.Status), "only open reviews can be approved")
	}
	env := event.New(author, event.ReviewApproved{ReviewID: reviewID})
	_, err = c.append(ctx, reviewID, env)
	return err
}

// Abandon closes a review without merging.
func (c *Core) Abandon(ctx context.Context, reviewID, reason, author string) error {
	r, err := c.requireReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return crit.InvalidState("review", reviewID, string(r.Status), "cannot abandon")
	}
	env := event.New(author, event.ReviewAbandoned{ReviewID: reviewID, Reason: reason})
	_, err = c.append(ctx, reviewID, env)
	return err
}

// MarkMerged records that the change landed. From open it requires the
// review author acting with selfApprove, which appends a ReviewApproved
// before the merge. Outstanding blocks from other reviewers always
// refuse the merge; the caller's own block is bypassed only by the
// author with selfApprove.
func (c *Core) MarkMerged(ctx context.Context, reviewID, finalCommit, author string, selfApprove bool) error {
	if finalCommit == "" {
		return crit.InvalidInput("final_commit", "cannot be empty")
	}
	r, err := c.requireReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return crit.InvalidState("review", reviewID, string(r.Status), "cannot mark merged")
	}

	override := selfApprove && author == r.Author
	blockers, err := c.DB.Blockers(reviewID)
	if err != nil {
		return err
	}
	var outstanding []string
	for _, b := range blockers {
		if override && b == author {
			continue
		}
		outstanding = append(outstanding, b)
	}
	if len(outstanding) > 0 {
		return crit.BlockedByVote(outstanding)
	}

	if r.Status == storage.StatusOpen {
		if !override {
			return crit.InvalidState("review", reviewID, string(r.Status),
				"not approved; the author can pass self-approve to merge anyway")
		}
		env := event.New(author, event.ReviewApproved{ReviewID: reviewID})
		if _, err := c.append(ctx, reviewID, env); err != nil {
			return err
		}
	}

	env := event.New(author, event.ReviewMerged{ReviewID: reviewID, FinalCommit: finalCommit})
	_, err = c.append(ctx, reviewID, env)
	return err
}

// String renders a batch outcome for logs.
func (o ThreadOutcome) String() string {
	if o.Err == nil {
		return o.ThreadID + ": resolved"
	}
	return fmt.Sprintf("%s: %v", o.ThreadID, o.Err)
}
