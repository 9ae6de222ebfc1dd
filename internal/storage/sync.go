package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/event"
	"github.com/bobisme/botcrit/internal/eventlog"
)

// Syncer brings the projection up to date with the per-review logs.
type Syncer struct {
	Layout   eventlog.Layout
	DB       *DB
	LockWait time.Duration
}

// Regression records one review whose log shrank or changed under us,
// usually because a working-copy operation restored an older version of
// the checked-in file. The entry goes into the recovery manifest.
type Regression struct {
	ReviewID   string    `json:"review_id"`
	PriorLen   int64     `json:"prior_len"`
	PriorHash  string    `json:"prior_hash"`
	CurrentLen int64     `json:"cur_len"`
	CurHash    string    `json:"cur_hash"`
	DetectedAt time.Time `json:"detected_at"`
}

// Report summarizes one sync pass.
type Report struct {
	// ReviewsSeen is the number of review logs enumerated.
	ReviewsSeen int
	// ReviewsSynced lists reviews whose events were (re)applied.
	ReviewsSynced []string
	// EventsApplied counts envelopes applied this pass.
	EventsApplied int
	// Regressions lists restored logs that were rebuilt from scratch.
	Regressions []Regression
	// ManifestPath is the orphaned-reviews manifest written when
	// Regressions is non-empty.
	ManifestPath string
}

// Sync runs the incremental protocol: enumerate review logs, skip the
// ones whose fingerprint matches, rebuild regressed ones, apply new
// events for the rest, and advance the fingerprints and watermark in a
// single transaction.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	ids, err := s.Layout.ListReviewIDs()
	if err != nil {
		return nil, err
	}

	watermark, err := s.DB.Watermark()
	if err != nil {
		return nil, err
	}

	report := &Report{ReviewsSeen: len(ids)}

	tx, err := s.DB.Begin()
	if err != nil {
		return nil, crit.Storage(err, "begin sync")
	}
	defer tx.Rollback()

	maxTS := watermark
	for _, id := range ids {
		log := s.Layout.OpenLog(id, s.LockWait)
		content, fp, err := log.ReadRaw(ctx)
		if err != nil {
			return nil, err
		}

		var stored eventlog.Fingerprint
		var haveStored bool
		err = tx.QueryRow(`SELECT log_len, log_hash FROM review_logs WHERE review_id = ?`, id).
			Scan(&stored.Len, &stored.Hash)
		switch {
		case err == nil:
			haveStored = true
		case isNoRows(err):
		default:
			return nil, crit.Storage(err, "read fingerprint for %s", id)
		}

		if haveStored && fp.Equal(stored) {
			continue
		}

		regressed := haveStored &&
			(fp.Len < stored.Len || (fp.Len == stored.Len && fp.Hash != stored.Hash))

		events, err := eventlog.ParseLog(id, content)
		if err != nil {
			// CorruptLog is never papered over; the caller decides.
			return nil, err
		}

		if regressed {
			report.Regressions = append(report.Regressions, Regression{
				ReviewID:   id,
				PriorLen:   stored.Len,
				PriorHash:  stored.Hash,
				CurrentLen: fp.Len,
				CurHash:    fp.Hash,
				DetectedAt: time.Now().UTC(),
			})
			if err := wipeReviewTx(tx, id); err != nil {
				return nil, err
			}
		}

		toApply := events
		if haveStored && !regressed {
			toApply = eventsAfter(events, watermark)
			// A changed fingerprint with nothing past the watermark means
			// a skewed clock wrote into the past; replay the whole log
			// rather than lose the event. Application is idempotent.
			if len(toApply) == 0 {
				toApply = events
			}
		}

		for _, env := range toApply {
			if err := applyEvent(tx, env); err != nil {
				return nil, err
			}
			if ts := event.FormatTS(env.TS); ts > maxTS {
				maxTS = ts
			}
		}
		report.EventsApplied += len(toApply)
		report.ReviewsSynced = append(report.ReviewsSynced, id)

		if err := setFingerprintTx(tx, id, fp); err != nil {
			return nil, err
		}
	}

	if err := setWatermarkTx(tx, maxTS); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, crit.Storage(err, "commit sync")
	}

	if len(report.Regressions) > 0 {
		path, err := s.writeManifest(report.Regressions)
		if err != nil {
			return report, err
		}
		report.ManifestPath = path
	}
	return report, nil
}

// Rebuild wipes every projection table and replays every log from
// scratch. Recovery and migration both end here.
func (s *Syncer) Rebuild(ctx context.Context) (*Report, error) {
	ids, err := s.Layout.ListReviewIDs()
	if err != nil {
		return nil, err
	}

	report := &Report{ReviewsSeen: len(ids)}

	tx, err := s.DB.Begin()
	if err != nil {
		return nil, crit.Storage(err, "begin rebuild")
	}
	defer tx.Rollback()

	if err := wipeTx(tx); err != nil {
		return nil, err
	}

	maxTS := ""
	for _, id := range ids {
		log := s.Layout.OpenLog(id, s.LockWait)
		content, fp, err := log.ReadRaw(ctx)
		if err != nil {
			return nil, err
		}
		events, err := eventlog.ParseLog(id, content)
		if err != nil {
			return nil, err
		}
		for _, env := range events {
			if err := applyEvent(tx, env); err != nil {
				return nil, err
			}
			if ts := event.FormatTS(env.TS); ts > maxTS {
				maxTS = ts
			}
		}
		report.EventsApplied += len(events)
		report.ReviewsSynced = append(report.ReviewsSynced, id)
		if err := setFingerprintTx(tx, id, fp); err != nil {
			return nil, err
		}
	}

	if err := setWatermarkTx(tx, maxTS); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, crit.Storage(err, "commit rebuild")
	}
	return report, nil
}

// writeManifest records regressed reviews so an operator can recover the
// dropped events from the log file's own source-control history.
func (s *Syncer) writeManifest(regs []Regression) (string, error) {
	path := s.Layout.ManifestPath(time.Now())
	data, err := json.MarshalIndent(struct {
		DetectedAt time.Time    `json:"detected_at"`
		Reviews    []Regression `json:"reviews"`
	}{DetectedAt: time.Now().UTC(), Reviews: regs}, "", "  ")
	if err != nil {
		return "", crit.Storage(err, "encode recovery manifest")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", crit.Storage(err, "write recovery manifest %s", path)
	}
	return path, nil
}

func eventsAfter(events []event.Envelope, watermark string) []event.Envelope {
	if watermark == "" {
		return events
	}
	var out []event.Envelope
	for _, env := range events {
		if event.FormatTS(env.TS) > watermark {
			out = append(out, env)
		}
	}
	return out
}

// wipeReviewTx removes every projected row derived from one review's log.
func wipeReviewTx(tx *sql.Tx, reviewID string) error {
	stmts := []string{
		`DELETE FROM comments WHERE thread_id IN (SELECT thread_id FROM threads WHERE review_id = ?)`,
		`DELETE FROM threads WHERE review_id = ?`,
		`DELETE FROM reviewer_votes WHERE review_id = ?`,
		`DELETE FROM review_reviewers WHERE review_id = ?`,
		`DELETE FROM reviews WHERE review_id = ?`,
		`DELETE FROM review_logs WHERE review_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, reviewID); err != nil {
			return crit.Storage(err, "wipe review %s", reviewID)
		}
	}
	return nil
}

func setFingerprintTx(tx *sql.Tx, reviewID string, fp eventlog.Fingerprint) error {
	_, err := tx.Exec(`
		INSERT INTO review_logs (review_id, log_len, log_hash) VALUES (?, ?, ?)
		ON CONFLICT (review_id) DO UPDATE SET
			log_len = excluded.log_len,
			log_hash = excluded.log_hash`,
		reviewID, fp.Len, fp.Hash)
	if err != nil {
		return crit.Storage(err, "store fingerprint for %s", reviewID)
	}
	return nil
}

func setWatermarkTx(tx *sql.Tx, watermark string) error {
	_, err := tx.Exec(`
		INSERT INTO sync_state (id, watermark) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET watermark = excluded.watermark`,
		watermark)
	if err != nil {
		return crit.Storage(err, "store sync watermark")
	}
	return nil
}

func isNoRows(err error) bool { return err == sql.ErrNoRows }
