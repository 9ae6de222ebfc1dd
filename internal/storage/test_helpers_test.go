package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bobisme/botcrit/internal/event"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// at offsets a deterministic timestamp n minutes past the test epoch.
func at(n int) time.Time {
	return testEpoch.Add(time.Duration(n) * time.Minute)
}

func env(n int, author string, p event.Payload) event.Envelope {
	return event.Envelope{TS: at(n), Author: author, Payload: p}
}

func mustApply(t *testing.T, db *DB, envs ...event.Envelope) {
	t.Helper()
	for i, e := range envs {
		if err := db.ApplyEvent(e); err != nil {
			t.Fatalf("ApplyEvent %d (%s): %v", i, e.Payload.Tag(), err)
		}
	}
}

func created(n int, author, reviewID, title string) event.Envelope {
	return env(n, author, event.ReviewCreated{
		ReviewID:      reviewID,
		ScmKind:       "git",
		ScmAnchor:     "main",
		InitialCommit: "c1",
		Title:         title,
	})
}

func threadAt(n int, author, threadID, reviewID, file string, line int) event.Envelope {
	return env(n, author, event.ThreadCreated{
		ThreadID:   threadID,
		ReviewID:   reviewID,
		FilePath:   file,
		Selection:  event.LineSelection(line),
		CommitHash: "c1",
	})
}

func comment(n int, author, threadID string, serial int, body string) event.Envelope {
	return env(n, author, event.CommentAdded{
		CommentID: event.CommentID(threadID, serial),
		ThreadID:  threadID,
		Body:      body,
	})
}

func vote(n int, author, reviewID string, v event.Vote) event.Envelope {
	return env(n, author, event.ReviewerVoted{ReviewID: reviewID, Vote: v})
}

func requested(n int, author, reviewID string, reviewers ...string) event.Envelope {
	return env(n, author, event.ReviewersRequested{ReviewID: reviewID, Reviewers: reviewers})
}
