package eventlog

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/blake2b"

	"github.com/bobisme/botcrit/internal/crit"
	"github.com/bobisme/botcrit/internal/event"
)

// lockRetryDelay is the poll interval while waiting on the advisory lock.
const lockRetryDelay = 50 * time.Millisecond

// Fingerprint identifies a log file's exact content: its byte length and
// a blake2b-256 hex digest. The projection stores the last-seen
// fingerprint per review to detect working-copy restorations.
type Fingerprint struct {
	Len  int64
	Hash string
}

func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Len == o.Len && f.Hash == o.Hash
}

// Zero reports a missing or empty log.
func (f Fingerprint) Zero() bool { return f.Len == 0 }

func fingerprintOf(content []byte) Fingerprint {
	if len(content) == 0 {
		return Fingerprint{}
	}
	sum := blake2b.Sum256(content)
	return Fingerprint{Len: int64(len(content)), Hash: hex.EncodeToString(sum[:])}
}

// Log is the append-only event file for one review.
type Log struct {
	path     string
	reviewID string
	lockWait time.Duration
}

// NewLog points at a log file. lockWait bounds lock acquisition; zero
// means wait as long as the context allows.
func NewLog(path, reviewID string, lockWait time.Duration) *Log {
	return &Log{path: path, reviewID: reviewID, lockWait: lockWait}
}

func (l *Log) Path() string     { return l.path }
func (l *Log) ReviewID() string { return l.reviewID }

func (l *Log) lockCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.lockWait > 0 {
		return context.WithTimeout(ctx, l.lockWait)
	}
	return context.WithCancel(ctx)
}

// Append writes one envelope as a single LF-terminated line and fsyncs it.
// Under the exclusive lock it first drops any partial final line left by
// an interrupted writer, then clamps the envelope timestamp so ts never
// decreases within the log. The stored envelope and the log's new
// fingerprint are returned.
func (l *Log) Append(ctx context.Context, env event.Envelope) (event.Envelope, Fingerprint, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return env, Fingerprint{}, crit.Storage(err, "create %s", filepath.Dir(l.path))
	}

	lockCtx, cancel := l.lockCtx(ctx)
	defer cancel()

	fl := flock.New(l.path)
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		return env, Fingerprint{}, crit.Storage(err, "acquire exclusive lock on %s", l.path)
	}
	defer fl.Unlock()

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return env, Fingerprint{}, crit.Storage(err, "open %s", l.path)
	}
	defer f.Close()

	content, err := os.ReadFile(l.path)
	if err != nil {
		return env, Fingerprint{}, crit.Storage(err, "read %s", l.path)
	}

	// An interrupted append leaves a line without its newline at EOF.
	// Truncate back to the last complete line so this append lands clean.
	if n := len(content); n > 0 && content[n-1] != '\n' {
		keep := bytes.LastIndexByte(content, '\n') + 1
		if err := f.Truncate(int64(keep)); err != nil {
			return env, Fingerprint{}, crit.Storage(err, "truncate partial line in %s", l.path)
		}
		content = content[:keep]
	}

	// ts is non-decreasing within one log. Clock skew between agents is
	// tolerated by clamping, never by reordering.
	if last, ok := lastCompleteLine(content); ok {
		if prev, err := event.ParseLine(last); err == nil && env.TS.Before(prev.TS) {
			env.TS = prev.TS
		}
	}
	env.TS = env.TS.UTC()

	line, err := env.MarshalLine()
	if err != nil {
		return env, Fingerprint{}, crit.Storage(err, "encode event")
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return env, Fingerprint{}, crit.Storage(err, "seek %s", l.path)
	}
	if _, err := f.Write(line); err != nil {
		return env, Fingerprint{}, crit.Storage(err, "append to %s", l.path)
	}
	// The fsync is the commit point; everything after is best-effort.
	if err := f.Sync(); err != nil {
		return env, Fingerprint{}, crit.Storage(err, "fsync %s", l.path)
	}

	return env, fingerprintOf(append(content, line...)), nil
}

func lastCompleteLine(content []byte) ([]byte, bool) {
	if len(content) == 0 {
		return nil, false
	}
	// content ends with '\n' here; find the start of its final line.
	trimmed := content[:len(content)-1]
	start := bytes.LastIndexByte(trimmed, '\n') + 1
	line := trimmed[start:]
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, false
	}
	return line, true
}

// ReadRaw returns the log's bytes and fingerprint under a shared lock.
// A missing file is an empty log, not an error.
func (l *Log) ReadRaw(ctx context.Context) ([]byte, Fingerprint, error) {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil, Fingerprint{}, nil
	}

	lockCtx, cancel := l.lockCtx(ctx)
	defer cancel()

	fl := flock.New(l.path)
	locked, err := fl.TryRLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		return nil, Fingerprint{}, crit.Storage(err, "acquire shared lock on %s", l.path)
	}
	defer fl.Unlock()

	content, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Fingerprint{}, nil
		}
		return nil, Fingerprint{}, crit.Storage(err, "read %s", l.path)
	}
	return content, fingerprintOf(content), nil
}

// Read parses every complete event line in the log.
func (l *Log) Read(ctx context.Context) ([]event.Envelope, error) {
	content, _, err := l.ReadRaw(ctx)
	if err != nil {
		return nil, err
	}
	return ParseLog(l.reviewID, content)
}

// Fingerprint computes the log's current fingerprint without parsing.
func (l *Log) Fingerprint(ctx context.Context) (Fingerprint, error) {
	_, fp, err := l.ReadRaw(ctx)
	return fp, err
}

// ParseLog decodes log content. A final line with no trailing newline is
// an interrupted append and is skipped; any other unparseable line is a
// CorruptLog error carrying its 1-based line number.
func ParseLog(reviewID string, content []byte) ([]event.Envelope, error) {
	if len(content) == 0 {
		return nil, nil
	}

	var events []event.Envelope
	lineNo := 0
	for len(content) > 0 {
		lineNo++
		nl := bytes.IndexByte(content, '\n')
		if nl < 0 {
			// Partial final line: the writer will truncate and retry.
			break
		}
		line := content[:nl]
		content = content[nl+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		env, err := event.ParseLine(line)
		if err != nil {
			return nil, crit.CorruptLog(reviewID, lineNo, err)
		}
		events = append(events, env)
	}
	return events, nil
}
