package hil

import (
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// Classifier maps a free-text human response to an approval decision.
// Implementations must be deterministic for the scheduler's resume semantics
// to be replayable; an ML-backed classifier can replace the keyword one
// behind the same contract without engine changes.
type Classifier interface {
	Classify(text string) schema.HILDecision
}

// approveKeywords and rejectKeywords are matched case-insensitively as
// substrings, except that short keywords ("no", "ok", "yes") require word
// boundaries to avoid firing inside words like "note" or "yesterday".
// Approve takes precedence when both match.
var (
	approveKeywords = []string{
		"approve", "approved", "yes", "confirm", "confirmed",
		"accept", "accepted", "go ahead", "proceed", "ok", "okay",
		"lgtm", "ship it",
	}
	rejectKeywords = []string{
		"reject", "rejected", "no", "deny", "denied", "decline",
		"declined", "cancel", "stop", "abort", "don't", "do not",
	}
)

// KeywordClassifier is the deterministic keyword-set classifier. Stateless.
type KeywordClassifier struct{}

// NewKeywordClassifier creates a KeywordClassifier.
func NewKeywordClassifier() KeywordClassifier {
	return KeywordClassifier{}
}

// Classify returns approved when an approve keyword matches, rejected when
// only a reject keyword matches, and unrelated otherwise.
func (KeywordClassifier) Classify(text string) schema.HILDecision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return schema.HILUnrelated
	}

	if containsAny(normalized, approveKeywords) {
		return schema.HILApproved
	}
	if containsAny(normalized, rejectKeywords) {
		return schema.HILRejected
	}
	return schema.HILUnrelated
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if matchKeyword(text, kw) {
			return true
		}
	}
	return false
}

// matchKeyword checks kw against text as a plain substring. Keywords of
// three characters or fewer are too collision-prone for that ("no" inside
// "note", "yes" inside "yesterday") and match only on word boundaries.
func matchKeyword(text, kw string) bool {
	if len(kw) > 3 {
		return strings.Contains(text, kw)
	}
	idx := 0
	for {
		i := strings.Index(text[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '\''
}
