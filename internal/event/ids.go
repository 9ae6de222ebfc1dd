package event

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	reviewPrefix = "cr-"
	threadPrefix = "th-"

	// hashLen is the generated hash length. Parsing accepts longer
	// hashes so the format can grow without breaking old IDs.
	hashLen = 4

	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	// maxIDAttempts bounds rejection sampling. With 4 base36 chars the
	// odds of zero digits per attempt are (26/36)^4, so hitting this
	// bound means the entropy source is broken.
	maxIDAttempts = 100
)

// Generator produces review and thread IDs from an entropy source.
// A nil reader uses crypto/rand.
type Generator struct {
	rand io.Reader
}

func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// ReviewID returns a fresh "cr-xxxx" identifier.
func (g *Generator) ReviewID() (string, error) {
	h, err := g.hash()
	if err != nil {
		return "", err
	}
	return reviewPrefix + h, nil
}

// ThreadID returns a fresh "th-xxxx" identifier.
func (g *Generator) ThreadID() (string, error) {
	h, err := g.hash()
	if err != nil {
		return "", err
	}
	return threadPrefix + h, nil
}

// hash samples hashLen base36 characters, rejecting candidates without a
// digit so IDs are never mistaken for words.
func (g *Generator) hash() (string, error) {
	buf := make([]byte, hashLen)
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		out := make([]byte, hashLen)
		hasDigit := false
		for i, b := range buf {
			c := idAlphabet[int(b)%len(idAlphabet)]
			out[i] = c
			if c >= '0' && c <= '9' {
				hasDigit = true
			}
		}
		if hasDigit {
			return string(out), nil
		}
	}
	return "", fmt.Errorf("no digit in %d id candidates", maxIDAttempts)
}

// CommentID builds the nth comment ID within a thread, e.g. "th-ab12.3".
func CommentID(threadID string, n int) string {
	return fmt.Sprintf("%s.%d", threadID, n)
}

// NewRequestID returns a globally unique idempotency token.
func NewRequestID() string {
	return uuid.NewString()
}

func validHash(h string) bool {
	if len(h) < hashLen {
		return false
	}
	hasDigit := false
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return hasDigit
}

// IsReviewID reports whether id is a well-formed review identifier.
func IsReviewID(id string) bool {
	return strings.HasPrefix(id, reviewPrefix) && validHash(id[len(reviewPrefix):])
}

// IsThreadID reports whether id is a well-formed thread identifier.
func IsThreadID(id string) bool {
	return strings.HasPrefix(id, threadPrefix) && validHash(id[len(threadPrefix):])
}

// IsCommentID reports whether id is "<thread_id>.<N>" with N >= 1.
func IsCommentID(id string) bool {
	_, _, err := SplitCommentID(id)
	return err == nil
}

// SplitCommentID splits a comment ID into its thread and serial parts.
func SplitCommentID(id string) (threadID string, n int, err error) {
	i := strings.IndexByte(id, '.')
	if i < 0 {
		return "", 0, fmt.Errorf("comment id %q has no serial", id)
	}
	threadID, serial := id[:i], id[i+1:]
	if !IsThreadID(threadID) {
		return "", 0, fmt.Errorf("comment id %q has invalid thread part", id)
	}
	n, err = strconv.Atoi(serial)
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("comment id %q has invalid serial %q", id, serial)
	}
	return threadID, n, nil
}

// IDKind names the entity class an identifier belongs to.
type IDKind string

const (
	KindReview  IDKind = "review"
	KindThread  IDKind = "thread"
	KindComment IDKind = "comment"
)

// ParseID classifies an identifier and returns its hash (or, for
// comments, the "<thread-hash>.<N>" remainder).
func ParseID(id string) (IDKind, string, error) {
	switch {
	case IsReviewID(id):
		return KindReview, id[len(reviewPrefix):], nil
	case IsCommentID(id):
		return KindComment, id[len(threadPrefix):], nil
	case IsThreadID(id):
		return KindThread, id[len(threadPrefix):], nil
	}
	return "", "", fmt.Errorf("unrecognized id %q", id)
}
