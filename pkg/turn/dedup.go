package turn

import (
	"strings"
	"unicode/utf8"

	"github.com/harunnryd/avatartalk/pkg/transcript"
)

func foldText(text string) string {
	return strings.ToLower(transcript.Normalize(text))
}

// nearDuplicate reports whether a and b are the same utterance: equal, or one
// extends the other by fewer than maxDiff characters. Comparison ignores case
// and spacing.
func nearDuplicate(a, b string, maxDiff int) bool {
	ca, cb := foldText(a), foldText(b)
	if ca == "" || cb == "" {
		return false
	}
	if ca == cb {
		return true
	}
	short, long := ca, cb
	if utf8.RuneCountInString(short) > utf8.RuneCountInString(long) {
		short, long = long, short
	}
	if !strings.HasPrefix(long, short) {
		return false
	}
	return utf8.RuneCountInString(long)-utf8.RuneCountInString(short) < maxDiff
}

// coalesce merges a final transcript into the pending debounce buffer. An
// extension or repeat of the pending text keeps the longer one; unrelated
// text is appended.
func coalesce(pending, next string) string {
	next = transcript.Normalize(next)
	pending = transcript.Normalize(pending)
	switch {
	case pending == "":
		return next
	case next == "":
		return pending
	}
	cp, cn := foldText(pending), foldText(next)
	switch {
	case strings.HasPrefix(cn, cp):
		return next
	case strings.HasPrefix(cp, cn):
		return pending
	default:
		return pending + " " + next
	}
}
