package review

import (
	"context"
	"testing"
	"time"

	"github.com/bobisme/botcrit/internal/event"
	"github.com/bobisme/botcrit/internal/storage"
)

func TestWatcherSyncsOnLogAppend(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCore(t)

	reports := make(chan *storage.Report, 8)
	w := NewWatcher(c)
	w.OnSync = func(r *storage.Report) { reports <- r }
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Append directly to a log, as another process would.
	env := event.New("alice", event.ReviewCreated{
		ReviewID:      "cr-ab12",
		ScmKind:       "git",
		ScmAnchor:     "main",
		InitialCommit: "C1",
		Title:         "written elsewhere",
	})
	if _, _, err := c.Layout.OpenLog("cr-ab12", time.Second).Append(ctx, env); err != nil {
		t.Fatalf("Append: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-reports:
			r, err := c.DB.GetReview("cr-ab12")
			if err != nil {
				t.Fatal(err)
			}
			if r != nil {
				if r.Title != "written elsewhere" {
					t.Errorf("review = %+v", r)
				}
				return
			}
			// An early debounce fire can precede the append; keep waiting.
		case <-deadline:
			t.Fatal("no sync observed within 5s")
		}
	}
}

func TestWatcherStopIsIdempotentAndFinal(t *testing.T) {
	c, _ := newTestCore(t)
	w := NewWatcher(c)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()
	w.Stop()
	if err := w.Start(context.Background()); err == nil {
		t.Error("restart after Stop should fail")
	}
}
