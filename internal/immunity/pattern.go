package immunity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Resolution is how a pattern's violation class was last resolved.
type Resolution string

const (
	// ResolutionRepaired carries a verified patch.
	ResolutionRepaired Resolution = "repaired"

	// ResolutionTombstone marks a known-bad class with no fix yet.
	ResolutionTombstone Resolution = "tombstone"

	// ResolutionAccepted is a non-blocking violation on a passing step.
	ResolutionAccepted Resolution = "accepted"

	// ResolutionClean reinforces a known-clean step shape.
	ResolutionClean Resolution = "clean"
)

// Fingerprint identifies a class of violation independent of incidental
// details such as line numbers or literal values.
type Fingerprint struct {
	// Key is a stable hash of the normalized fields.
	Key string `json:"key"`

	// Text is the normalized description used for similarity search.
	Text string `json:"text"`

	VectorID string `json:"vector_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Pattern is a fingerprint plus its resolution.
type Pattern struct {
	ID          string      `json:"id"`
	Scope       string      `json:"scope,omitempty"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Resolution  Resolution  `json:"resolution"`

	// Fix is the patch or replacement that resolved the class, if any.
	Fix string `json:"fix,omitempty"`

	Occurrences int       `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// PatternMatch is a pattern returned by a similarity lookup.
type PatternMatch struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float64 `json:"similarity"`
}

// PatternStore is the long-term pattern capability. Implementations are
// assumed eventually consistent.
type PatternStore interface {
	// FindSimilar returns up to limit patterns ordered by descending similarity.
	FindSimilar(ctx context.Context, fp Fingerprint, limit int) ([]PatternMatch, error)

	// Upsert creates or replaces a pattern by ID and returns the ID.
	Upsert(ctx context.Context, p Pattern) (string, error)
}

var (
	quotedPattern = regexp.MustCompile("\"[^\"]*\"|'[^']*'|`[^`]*`")
	numberPattern = regexp.MustCompile(`\d+`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// normalizeMessage strips literals so messages about the same class of
// problem collapse to the same text.
func normalizeMessage(msg string) string {
	msg = strings.ToLower(msg)
	msg = quotedPattern.ReplaceAllString(msg, "<str>")
	msg = numberPattern.ReplaceAllString(msg, "<n>")
	msg = spacePattern.ReplaceAllString(msg, " ")
	return strings.TrimSpace(msg)
}

// FingerprintViolation builds the fingerprint for a violation from a vector.
func FingerprintViolation(vectorID string, v Violation) Fingerprint {
	norm := normalizeMessage(v.Message)
	return newFingerprint(vectorID, v.Kind, fmt.Sprintf("%s %s: %s", vectorID, v.Kind, norm))
}

// FingerprintClean builds the fingerprint reinforcing a clean step shape.
func FingerprintClean(step *TrajectoryStep) Fingerprint {
	ext := ""
	if i := strings.LastIndex(step.Path, "."); i >= 0 {
		ext = step.Path[i:]
	}
	intent := strings.Fields(normalizeMessage(step.Intent))
	if len(intent) > 12 {
		intent = intent[:12]
	}
	text := fmt.Sprintf("clean %s %s: %s", step.Kind, ext, strings.Join(intent, " "))
	return newFingerprint("", "clean", text)
}

func newFingerprint(vectorID, kind, text string) Fingerprint {
	sum := sha256.Sum256([]byte(text))
	return Fingerprint{
		Key:      hex.EncodeToString(sum[:16]),
		Text:     text,
		VectorID: vectorID,
		Kind:     kind,
	}
}
