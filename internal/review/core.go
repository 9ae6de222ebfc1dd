// Package review is the service layer: every operation on reviews,
// threads, comments, and votes, plus the read-side query surface. Each
// mutation appends to the review's event log first (the commit point)
// and then best-effort syncs the projection; a failed sync is repaired
// by the next one.
package review

import (
	"context"
	"log"
	"time"

	"github.com/bobisme/botcrit/internal/config"
	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/event"
	"github.com/bobisme/botcrit/internal/eventlog"
	"github.com/bobisme/botcrit/internal/scm"
	"github.com/bobisme/botcrit/internal/storage"
)

// Core wires one repository's engine together: the SCM adapter, the
// event-log layout, the projection store, and configuration. A Core is
// scoped to a single process invocation; all durable state lives on
// disk.
type Core struct {
	Repo   scm.Repo
	Layout eventlog.Layout
	Config *config.Config
	DB     *storage.DB

	syncer *storage.Syncer
	ids    *event.Generator
}

// Open attaches to an initialized repository. It fails with
// NotInitialized or VersionMismatch when the layout is missing or old.
func Open(repo scm.Repo) (*Core, error) {
	layout := eventlog.NewLayout(repo.Root())
	if err := layout.RequireV2(); err != nil {
		return nil, err
	}
	return open(repo, layout)
}

// Init creates the v2 layout (idempotently) and returns an attached
// Core.
func Init(repo scm.Repo) (*Core, error) {
	layout := eventlog.NewLayout(repo.Root())
	if err := layout.Init(); err != nil {
		return nil, err
	}
	return open(repo, layout)
}

func open(repo scm.Repo, layout eventlog.Layout) (*Core, error) {
	cfg, err := config.Load(repo.Root())
	if err != nil {
		return nil, crit.Storage(err, "load config")
	}
	db, err := storage.Open(layout.IndexDBPath())
	if err != nil {
		return nil, err
	}
	c := &Core{
		Repo:   repo,
		Layout: layout,
		Config: cfg,
		DB:     db,
		ids:    event.NewGenerator(nil),
	}
	c.syncer = &storage.Syncer{Layout: layout, DB: db, LockWait: cfg.LockTimeout()}
	return c, nil
}

func (c *Core) Close() error { return c.DB.Close() }

// ResolveAgent resolves the acting identity for an operation.
func (c *Core) ResolveAgent(explicit string) (string, error) {
	return c.Config.ResolveAgent(explicit)
}

// Sync brings the projection up to date with the event logs.
func (c *Core) Sync(ctx context.Context) (*storage.Report, error) {
	return c.syncer.Sync(ctx)
}

// Rebuild replays every log into a fresh projection.
func (c *Core) Rebuild(ctx context.Context) (*storage.Report, error) {
	return c.syncer.Rebuild(ctx)
}

// append writes one event to a review's log and then syncs. The append
// is the commit point: a sync failure is logged, not returned, because
// the event is durable and the next sync replays it.
func (c *Core) append(ctx context.Context, reviewID string, env event.Envelope) (event.Envelope, error) {
	logf := c.Layout.OpenLog(reviewID, c.Config.LockTimeout())
	stored, _, err := logf.Append(ctx, env)
	if err != nil {
		return env, err
	}
	if _, err := c.syncer.Sync(ctx); err != nil {
		log.Printf("sync after append to %s failed (will retry on next sync): %v", reviewID, err)
	}
	return stored, nil
}

// refresh syncs before a read so gates and queries see current state.
func (c *Core) refresh(ctx context.Context) error {
	_, err := c.syncer.Sync(ctx)
	return err
}

// requireReview loads a review after a refresh, or fails with NotFound.
func (c *Core) requireReview(ctx context.Context, reviewID string) (*storage.Review, error) {
	if !event.IsReviewID(reviewID) {
		return nil, crit.InvalidInput("review_id", "malformed id %q", reviewID)
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	r, err := c.DB.GetReview(reviewID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, crit.NotFound("review", reviewID)
	}
	return r, nil
}

// requireThread loads a thread and its parent review after a refresh.
func (c *Core) requireThread(ctx context.Context, threadID string) (*storage.Thread, *storage.Review, error) {
	if !event.IsThreadID(threadID) {
		return nil, nil, crit.InvalidInput("thread_id", "malformed id %q", threadID)
	}
	if err := c.refresh(ctx); err != nil {
		return nil, nil, err
	}
	t, err := c.DB.GetThread(threadID)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, crit.NotFound("thread", threadID)
	}
	r, err := c.DB.GetReview(t.ReviewID)
	if err != nil {
		return nil, nil, err
	}
	if r == nil {
		return nil, nil, crit.NotFound("review", t.ReviewID)
	}
	return t, r, nil
}

// ParseSince accepts an RFC 3339 timestamp or a relative duration like
// "30m", "2h", "3d", "1w".
func ParseSince(s string) (time.Time, error) {
	if t, err := event.ParseTS(s); err == nil {
		return t, nil
	}
	if len(s) < 2 {
		return time.Time{}, crit.InvalidInput("since", "expected RFC 3339 or <N><m|h|d|w>, got %q", s)
	}
	n := 0
	for _, ch := range s[:len(s)-1] {
		if ch < '0' || ch > '9' {
			return time.Time{}, crit.InvalidInput("since", "expected RFC 3339 or <N><m|h|d|w>, got %q", s)
		}
		n = n*10 + int(ch-'0')
	}
	if n == 0 {
		return time.Time{}, crit.InvalidInput("since", "duration must be positive: %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return time.Time{}, crit.InvalidInput("since", "unknown unit %q (expected m, h, d, or w)", s[len(s)-1:])
	}
	return time.Now().UTC().Add(-time.Duration(n) * unit), nil
}
