package migrate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/event"
	"github.com/bobisme/botcrit/internal/eventlog"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(n int) time.Time { return testEpoch.Add(time.Duration(n) * time.Minute) }

func env(n int, author string, p event.Payload) event.Envelope {
	return event.Envelope{TS: at(n), Author: author, Payload: p}
}

func v1Layout(t *testing.T, events ...event.Envelope) eventlog.Layout {
	t.Helper()
	layout := eventlog.NewLayout(t.TempDir())
	if err := os.MkdirAll(layout.CritDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	writeLegacy(t, layout.LegacyLogPath(), events)
	return layout
}

func writeLegacy(t *testing.T, path string, events []event.Envelope) {
	t.Helper()
	var buf []byte
	for _, e := range events {
		line, err := e.MarshalLine()
		if err != nil {
			t.Fatal(err)
		}
		buf = append(buf, line...)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

func readReview(t *testing.T, layout eventlog.Layout, id string) []event.Envelope {
	t.Helper()
	events, err := layout.OpenLog(id, time.Second).Read(context.Background())
	if err != nil {
		t.Fatalf("read %s: %v", id, err)
	}
	return events
}

func legacyEvents() []event.Envelope {
	return []event.Envelope{
		env(0, "alice", event.ReviewCreated{ReviewID: "cr-001", JJChangeID: "zx", InitialCommit: "c1", Title: "first"}),
		env(1, "bob", event.ThreadCreated{ThreadID: "th-001", ReviewID: "cr-001", FilePath: "a.go", Selection: event.LineSelection(3), CommitHash: "c1"}),
		env(2, "bob", event.CommentAdded{CommentID: "th-001.1", ThreadID: "th-001", Body: "issue"}),
		env(3, "alice", event.ReviewCreated{ReviewID: "cr-002", JJChangeID: "zy", InitialCommit: "c2", Title: "second"}),
		env(4, "carol", event.ReviewerVoted{ReviewID: "cr-001", Vote: event.VoteLgtm}),
		env(5, "alice", event.ThreadResolved{ThreadID: "th-001", Reason: "fixed"}),
		env(6, "bob", event.ThreadReopened{ThreadID: "th-001"}),
	}
}

func TestRunGroupsByReview(t *testing.T) {
	layout := v1Layout(t, legacyEvents()...)

	rep, err := Run(context.Background(), layout, Options{Backup: true, LockWait: time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.TotalEvents != 7 || rep.MigratedEvents != 7 || rep.Orphaned != 0 {
		t.Errorf("report = %+v", rep)
	}
	if rep.EventsByReview["cr-001"] != 6 || rep.EventsByReview["cr-002"] != 1 {
		t.Errorf("by review = %v", rep.EventsByReview)
	}

	// Thread-scoped events land with the thread's review, in ts order.
	events := readReview(t, layout, "cr-001")
	wantTags := []string{
		event.TagReviewCreated, event.TagThreadCreated, event.TagCommentAdded,
		event.TagReviewerVoted, event.TagThreadResolved, event.TagThreadReopened,
	}
	if len(events) != len(wantTags) {
		t.Fatalf("cr-001 has %d events, want %d", len(events), len(wantTags))
	}
	for i, e := range events {
		if e.Payload.Tag() != wantTags[i] {
			t.Errorf("event %d = %s, want %s", i, e.Payload.Tag(), wantTags[i])
		}
	}

	if v, err := layout.DetectVersion(); err != nil || v != eventlog.V2 {
		t.Errorf("version after migration = %v, %v", v, err)
	}
	if _, err := os.Stat(layout.LegacyLogPath()); !os.IsNotExist(err) {
		t.Error("legacy log still present")
	}
	if _, err := os.Stat(rep.BackupPath); err != nil {
		t.Errorf("backup missing: %v", err)
	}
}

func TestRunNoBackupRemovesLegacyLog(t *testing.T) {
	layout := v1Layout(t, legacyEvents()...)
	rep, err := Run(context.Background(), layout, Options{LockWait: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if rep.BackupPath != "" {
		t.Errorf("backup path = %q, want empty", rep.BackupPath)
	}
	if _, err := os.Stat(layout.LegacyLogPath() + BackupSuffix); !os.IsNotExist(err) {
		t.Error("unexpected backup file")
	}
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	layout := v1Layout(t, legacyEvents()...)
	rep, err := Run(context.Background(), layout, Options{DryRun: true, Backup: true})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.DryRun || rep.MigratedEvents != 7 {
		t.Errorf("report = %+v", rep)
	}
	if _, err := os.Stat(layout.LegacyLogPath()); err != nil {
		t.Error("legacy log should be untouched")
	}
	if _, err := os.Stat(layout.VersionPath()); !os.IsNotExist(err) {
		t.Error("version file should not exist after dry run")
	}
	if _, err := os.Stat(layout.ReviewsDir()); !os.IsNotExist(err) {
		t.Error("reviews dir should not exist after dry run")
	}
}

func TestRunAlreadyV2(t *testing.T) {
	layout := eventlog.NewLayout(t.TempDir())
	if err := layout.Init(); err != nil {
		t.Fatal(err)
	}
	rep, err := Run(context.Background(), layout, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.AlreadyV2 {
		t.Errorf("report = %+v, want AlreadyV2", rep)
	}
}

func TestRunUninitialized(t *testing.T) {
	layout := eventlog.NewLayout(t.TempDir())
	if _, err := Run(context.Background(), layout, Options{}); !crit.IsCode(err, crit.CodeNotInitialized) {
		t.Errorf("err = %v, want NotInitialized", err)
	}
}

func TestRunEmptyCritDirStampsV2(t *testing.T) {
	layout := eventlog.NewLayout(t.TempDir())
	if err := os.MkdirAll(layout.CritDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	rep, err := Run(context.Background(), layout, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.TotalEvents != 0 {
		t.Errorf("report = %+v", rep)
	}
	if v, _ := layout.DetectVersion(); v != eventlog.V2 {
		t.Errorf("version = %v, want V2", v)
	}
}

func TestRunRejectsPathTraversalReviewID(t *testing.T) {
	layout := v1Layout(t,
		env(0, "alice", event.ReviewCreated{ReviewID: "../../../tmp/evil", InitialCommit: "c1", Title: "bad"}),
	)
	_, err := Run(context.Background(), layout, Options{})
	if !crit.IsCode(err, crit.CodeInvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
	if _, err := os.Stat(layout.ReviewsDir()); !os.IsNotExist(err) {
		t.Error("reviews dir created despite rejection")
	}
}

func TestRunCountsOrphanedEvents(t *testing.T) {
	events := append(legacyEvents(),
		// Comment on a thread no ThreadCreated names.
		env(7, "bob", event.CommentAdded{CommentID: "th-zz99.1", ThreadID: "th-zz99", Body: "lost"}),
	)
	layout := v1Layout(t, events...)
	rep, err := Run(context.Background(), layout, Options{LockWait: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Orphaned != 1 || rep.MigratedEvents != 7 || rep.TotalEvents != 8 {
		t.Errorf("report = %+v", rep)
	}
}

func TestFromBackupRecoversDroppedEvents(t *testing.T) {
	ctx := context.Background()
	layout := eventlog.NewLayout(t.TempDir())
	if err := layout.Init(); err != nil {
		t.Fatal(err)
	}

	all := legacyEvents()
	writeLegacy(t, layout.LegacyLogPath()+BackupSuffix, all)

	// Simulate a buggy migration that kept only the review-scoped events.
	logf := layout.OpenLog("cr-001", time.Second)
	for _, e := range []event.Envelope{all[0], all[1], all[4]} {
		if _, _, err := logf.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := FromBackup(ctx, layout, Options{LockWait: time.Second})
	if err != nil {
		t.Fatalf("FromBackup: %v", err)
	}
	if rep.Recovered != 4 || rep.ReviewsAffected != 2 {
		t.Errorf("report = %+v", rep)
	}
	if got := readReview(t, layout, "cr-001"); len(got) != 6 {
		t.Errorf("cr-001 events = %d, want 6", len(got))
	}
	if got := readReview(t, layout, "cr-002"); len(got) != 1 {
		t.Errorf("cr-002 events = %d, want 1", len(got))
	}

	// Re-running recovers nothing further.
	rep, err = FromBackup(ctx, layout, Options{LockWait: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Recovered != 0 || rep.ReviewsAffected != 0 {
		t.Errorf("second run = %+v", rep)
	}
}

func TestFromBackupDryRun(t *testing.T) {
	ctx := context.Background()
	layout := eventlog.NewLayout(t.TempDir())
	if err := layout.Init(); err != nil {
		t.Fatal(err)
	}
	writeLegacy(t, layout.LegacyLogPath()+BackupSuffix, legacyEvents())

	rep, err := FromBackup(ctx, layout, Options{DryRun: true, LockWait: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Recovered != 7 {
		t.Errorf("report = %+v", rep)
	}
	ids, _ := layout.ListReviewIDs()
	if len(ids) != 0 {
		t.Errorf("dry run wrote logs for %v", ids)
	}
}

func TestFromBackupMissingFile(t *testing.T) {
	layout := eventlog.NewLayout(t.TempDir())
	if _, err := FromBackup(context.Background(), layout, Options{}); !crit.IsCode(err, crit.CodeNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestIsLegacyReviewID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"cr-001", true},
		{"cr-aaaa", true},
		{"cr-AB12cd", true},
		{"cr-a1", false},
		{"th-0001", false},
		{"cr-..%2f", false},
		{"../../../tmp/evil", false},
		{"cr-aa/bb", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsLegacyReviewID(tt.id); got != tt.want {
			t.Errorf("IsLegacyReviewID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
