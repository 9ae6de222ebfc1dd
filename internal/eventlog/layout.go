// Package eventlog owns the on-disk .crit layout and the per-review
// append-only log files. Appends take an exclusive advisory lock, reads a
// shared one, and every successful append reports the log's new
// (length, hash) fingerprint for regression detection.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bobisme/botcrit/internal/crit"
)

const (
	critDirName     = ".crit"
	versionFileName = "version"
	reviewsDirName  = "reviews"
	eventsFileName  = "events.jsonl"
	indexDBName     = "index.db"
	gitignoreName   = ".gitignore"

	// legacyLogName is the single flat log used before per-review
	// directories.
	legacyLogName = "events.jsonl"
)

// manifestTimeLayout names orphaned-reviews manifests sortably.
const manifestTimeLayout = "20060102-150405"

// Version is the on-disk layout version.
type Version int

const (
	VersionNone Version = 0
	V1          Version = 1
	V2          Version = 2
)

// Layout resolves .crit paths under one repository root.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) CritDir() string     { return filepath.Join(l.Root, critDirName) }
func (l Layout) VersionPath() string { return filepath.Join(l.CritDir(), versionFileName) }
func (l Layout) ReviewsDir() string  { return filepath.Join(l.CritDir(), reviewsDirName) }
func (l Layout) IndexDBPath() string { return filepath.Join(l.CritDir(), indexDBName) }

// LegacyLogPath is the flat pre-migration log.
func (l Layout) LegacyLogPath() string { return filepath.Join(l.CritDir(), legacyLogName) }

func (l Layout) ReviewDir(reviewID string) string {
	return filepath.Join(l.ReviewsDir(), reviewID)
}

func (l Layout) EventsPath(reviewID string) string {
	return filepath.Join(l.ReviewDir(reviewID), eventsFileName)
}

// ManifestPath names a recovery manifest for regressions detected at ts.
func (l Layout) ManifestPath(ts time.Time) string {
	name := fmt.Sprintf("orphaned-reviews-%s.json", ts.UTC().Format(manifestTimeLayout))
	return filepath.Join(l.CritDir(), name)
}

// OpenLog returns the append log for one review.
func (l Layout) OpenLog(reviewID string, lockWait time.Duration) *Log {
	return NewLog(l.EventsPath(reviewID), reviewID, lockWait)
}

// Init creates the v2 layout: .crit/, reviews/, a version file, and a
// .gitignore keeping the projection cache out of the repository. It is
// idempotent; an existing older layout is rejected rather than upgraded.
func (l Layout) Init() error {
	switch v, err := l.DetectVersion(); {
	case err != nil:
		return err
	case v == V1:
		return crit.VersionMismatch("1")
	}

	if err := os.MkdirAll(l.ReviewsDir(), 0o755); err != nil {
		return crit.Storage(err, "create %s", l.ReviewsDir())
	}
	if _, err := os.Stat(l.VersionPath()); os.IsNotExist(err) {
		if err := os.WriteFile(l.VersionPath(), []byte("2\n"), 0o644); err != nil {
			return crit.Storage(err, "write version file")
		}
	}
	gitignore := filepath.Join(l.CritDir(), gitignoreName)
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		if err := os.WriteFile(gitignore, []byte(indexDBName+"*\n"), 0o644); err != nil {
			return crit.Storage(err, "write %s", gitignore)
		}
	}
	return nil
}

// DetectVersion inspects the layout on disk. Precedence: the version
// file, then a non-empty legacy flat log (V1), then a reviews directory
// (V2), then nothing.
func (l Layout) DetectVersion() (Version, error) {
	if b, err := os.ReadFile(l.VersionPath()); err == nil {
		switch s := strings.TrimSpace(string(b)); s {
		case "1":
			return V1, nil
		case "2":
			return V2, nil
		default:
			return VersionNone, crit.VersionMismatch(strings.TrimSpace(string(b)))
		}
	} else if !os.IsNotExist(err) {
		return VersionNone, crit.Storage(err, "read version file")
	}

	if fi, err := os.Stat(l.LegacyLogPath()); err == nil && !fi.IsDir() && fi.Size() > 0 {
		return V1, nil
	}
	if fi, err := os.Stat(l.ReviewsDir()); err == nil && fi.IsDir() {
		return V2, nil
	}
	return VersionNone, nil
}

// RequireV2 gates every service operation on an initialized v2 layout.
func (l Layout) RequireV2() error {
	v, err := l.DetectVersion()
	if err != nil {
		return err
	}
	switch v {
	case V2:
		return nil
	case V1:
		return crit.VersionMismatch("1")
	default:
		return crit.NotInitialized()
	}
}

// ListReviewIDs enumerates review directories that contain an event log.
// Identifiers are not revalidated here: migrated logs may carry older,
// shorter ids.
func (l Layout) ListReviewIDs() ([]string, error) {
	entries, err := os.ReadDir(l.ReviewsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, crit.Storage(err, "read %s", l.ReviewsDir())
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(l.EventsPath(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
