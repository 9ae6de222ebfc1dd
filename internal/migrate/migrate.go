// Package migrate upgrades a repository from the v1 single-log layout
// (one flat .crit/events.jsonl) to the v2 per-review layout. It can also
// re-migrate from the v1 backup, merging events a broken earlier
// migration dropped.
package migrate

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/event"
	"github.com/bobisme/botcrit/internal/eventlog"
)

// BackupSuffix is appended to the legacy log path when the original file
// is preserved.
const BackupSuffix = ".v1.backup"

// Options controls a migration run.
type Options struct {
	// DryRun reports what would happen without touching disk.
	DryRun bool
	// Backup preserves the legacy log as events.jsonl.v1.backup instead
	// of deleting it.
	Backup bool
	// LockWait bounds per-review log lock acquisition.
	LockWait time.Duration
}

// Report summarizes a v1 to v2 migration.
type Report struct {
	AlreadyV2 bool
	DryRun    bool
	// TotalEvents counts lines read from the legacy log.
	TotalEvents int
	// MigratedEvents counts events written to per-review logs.
	MigratedEvents int
	// EventsByReview maps review id to its migrated event count.
	EventsByReview map[string]int
	// Orphaned counts events whose review could not be resolved.
	Orphaned int
	// BackupPath is set when the legacy log was preserved.
	BackupPath string
}

// Run migrates root from v1 to v2. It is idempotent: an already-v2
// repository is a no-op, and a repository with no version and no legacy
// events just gains the v2 version file.
func Run(ctx context.Context, layout eventlog.Layout, opts Options) (*Report, error) {
	version, err := layout.DetectVersion()
	if err != nil {
		return nil, err
	}

	rep := &Report{DryRun: opts.DryRun}
	switch version {
	case eventlog.V2:
		rep.AlreadyV2 = true
		return rep, nil
	case eventlog.VersionNone:
		if _, err := os.Stat(layout.CritDir()); os.IsNotExist(err) {
			return nil, crit.NotInitialized()
		}
		// Nothing to move; just stamp the layout.
		if !opts.DryRun {
			if err := layout.Init(); err != nil {
				return nil, err
			}
		}
		return rep, nil
	}

	legacyPath := layout.LegacyLogPath()
	content, err := os.ReadFile(legacyPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, crit.Storage(err, "read %s", legacyPath)
	}
	events, err := eventlog.ParseLog("events.jsonl", content)
	if err != nil {
		return nil, err
	}
	rep.TotalEvents = len(events)

	byReview, orphaned := groupByReview(events)
	rep.Orphaned = orphaned
	rep.EventsByReview = make(map[string]int, len(byReview))
	for id, evts := range byReview {
		if !IsLegacyReviewID(id) {
			return nil, crit.InvalidInput("review_id",
				"legacy log names review %q, refusing to create its directory", id)
		}
		rep.EventsByReview[id] = len(evts)
		rep.MigratedEvents += len(evts)
	}

	if opts.DryRun {
		return rep, nil
	}

	for _, id := range sortedKeys(byReview) {
		evts := byReview[id]
		sort.SliceStable(evts, func(i, j int) bool { return evts[i].TS.Before(evts[j].TS) })

		logf := layout.OpenLog(id, opts.LockWait)
		for _, env := range evts {
			if _, _, err := logf.Append(ctx, env); err != nil {
				return nil, err
			}
		}
	}
	if rep.Orphaned > 0 {
		log.Printf("migrate: %d event(s) had no resolvable review and were not migrated", rep.Orphaned)
	}

	if opts.Backup {
		rep.BackupPath = legacyPath + BackupSuffix
		if err := os.Rename(legacyPath, rep.BackupPath); err != nil {
			return nil, crit.Storage(err, "back up %s", legacyPath)
		}
	} else if err := os.Remove(legacyPath); err != nil && !os.IsNotExist(err) {
		return nil, crit.Storage(err, "remove %s", legacyPath)
	}

	if err := os.MkdirAll(layout.ReviewsDir(), 0o755); err != nil {
		return nil, crit.Storage(err, "create %s", layout.ReviewsDir())
	}
	if err := os.WriteFile(layout.VersionPath(), []byte("2\n"), 0o644); err != nil {
		return nil, crit.Storage(err, "write version file")
	}
	// The projection schema keys on per-review logs now; force a rebuild.
	if err := os.Remove(layout.IndexDBPath()); err != nil && !os.IsNotExist(err) {
		return nil, crit.Storage(err, "remove %s", layout.IndexDBPath())
	}
	return rep, nil
}

// RecoverReport summarizes a re-migration from the v1 backup.
type RecoverReport struct {
	DryRun bool
	// BackupEvents counts lines read from the backup file.
	BackupEvents int
	// Recovered counts events appended to per-review logs.
	Recovered int
	// ReviewsAffected counts reviews that gained at least one event.
	ReviewsAffected int
	Orphaned        int
}

// FromBackup merges events from events.jsonl.v1.backup into the
// per-review logs, appending only events not already present. Presence
// is judged by (timestamp, event type, entity id), so re-running is a
// no-op.
func FromBackup(ctx context.Context, layout eventlog.Layout, opts Options) (*RecoverReport, error) {
	backupPath := layout.LegacyLogPath() + BackupSuffix
	content, err := os.ReadFile(backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, crit.NotFound("backup", backupPath)
		}
		return nil, crit.Storage(err, "read %s", backupPath)
	}
	events, err := eventlog.ParseLog("events.jsonl.v1.backup", content)
	if err != nil {
		return nil, err
	}

	rep := &RecoverReport{DryRun: opts.DryRun, BackupEvents: len(events)}
	byReview, orphaned := groupByReview(events)
	rep.Orphaned = orphaned

	for _, id := range sortedKeys(byReview) {
		if !IsLegacyReviewID(id) {
			return nil, crit.InvalidInput("review_id",
				"backup names review %q, refusing to create its directory", id)
		}
		logf := layout.OpenLog(id, opts.LockWait)
		existing, err := logf.Read(ctx)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(existing))
		for _, env := range existing {
			seen[dedupKey(env)] = true
		}

		evts := byReview[id]
		sort.SliceStable(evts, func(i, j int) bool { return evts[i].TS.Before(evts[j].TS) })

		recovered := 0
		for _, env := range evts {
			if seen[dedupKey(env)] {
				continue
			}
			if !opts.DryRun {
				if _, _, err := logf.Append(ctx, env); err != nil {
					return nil, err
				}
			}
			recovered++
		}
		if recovered > 0 {
			rep.Recovered += recovered
			rep.ReviewsAffected++
		}
	}

	if rep.Recovered > 0 && !opts.DryRun {
		if err := os.Remove(layout.IndexDBPath()); err != nil && !os.IsNotExist(err) {
			return nil, crit.Storage(err, "remove %s", layout.IndexDBPath())
		}
	}
	return rep, nil
}

// IsLegacyReviewID accepts the looser pre-current id format: "cr-"
// followed by at least three alphanumerics, no digit requirement. It is
// the path-safety gate for directory names derived from log content.
func IsLegacyReviewID(s string) bool {
	if len(s) < 6 || s[:3] != "cr-" {
		return false
	}
	for _, c := range s[3:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}

// groupByReview buckets events by review id. Thread-scoped events
// (comments, resolves, reopens) carry only a thread id, so a first pass
// over ThreadCreated events builds the thread-to-review map.
func groupByReview(events []event.Envelope) (map[string][]event.Envelope, int) {
	threadReview := make(map[string]string)
	for _, env := range events {
		if tc, ok := env.Payload.(event.ThreadCreated); ok {
			threadReview[tc.ThreadID] = tc.ReviewID
		}
	}

	byReview := make(map[string][]event.Envelope)
	orphaned := 0
	for _, env := range events {
		id := event.ReviewIDOf(env.Payload)
		if id == "" {
			id = threadReview[event.ThreadIDOf(env.Payload)]
		}
		if id == "" {
			orphaned++
			log.Printf("migrate: no review resolvable for %s event at %s",
				env.Payload.Tag(), event.FormatTS(env.TS))
			continue
		}
		byReview[id] = append(byReview[id], env)
	}
	return byReview, orphaned
}

// dedupKey identifies an event across logs: its timestamp, type, and the
// most specific entity it names.
func dedupKey(env event.Envelope) string {
	var entity string
	switch p := env.Payload.(type) {
	case event.ReviewerVoted:
		entity = p.ReviewID + ":" + env.Author
	case event.CommentAdded:
		entity = p.CommentID
	default:
		if entity = event.ThreadIDOf(env.Payload); entity == "" {
			entity = event.ReviewIDOf(env.Payload)
		}
	}
	return fmt.Sprintf("%s:%s:%s", event.FormatTS(env.TS), env.Payload.Tag(), entity)
}

func sortedKeys(m map[string][]event.Envelope) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
