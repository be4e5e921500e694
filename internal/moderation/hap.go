// Package moderation implements the hate/abuse/profanity precheck that
// gates every task before it may consume LLM budget. The filter is a pure
// function of the input text: the same content always produces the same
// verdict, which the executor relies on when deduplicating retries.
package moderation

import (
	"strings"

	"capsmith/internal/logging"
)

// Verdict is the filter output.
type Verdict struct {
	Severity   float64  // 0..1
	Categories []string // matched categories, sorted
	Confidence float64  // 0..1
}

// Filter scores text against per-category lexicons.
type Filter struct {
	blockThreshold float64
	lexicons       map[string][]string
}

// Category lexicons are deliberately small; the filter is a cheap first
// gate, not a full moderation model. Entries are matched on word
// boundaries, case-insensitive.
var defaultLexicons = map[string][]string{
	"hate": {
		"exterminate", "subhuman", "ethnic cleansing", "gas them",
	},
	"abuse": {
		"kill yourself", "i will hurt you", "i will find you", "dox",
	},
	"profanity": {
		"fuck", "shit", "asshole", "bastard", "bitch",
	},
	"malware": {
		"ransomware", "keylogger", "botnet", "ddos attack", "credential stealer",
	},
}

// NewFilter builds the filter. A verdict with severity >= blockThreshold
// terminates the task.
func NewFilter(blockThreshold float64) *Filter {
	if blockThreshold <= 0 {
		blockThreshold = 0.8
	}
	return &Filter{blockThreshold: blockThreshold, lexicons: defaultLexicons}
}

// Check scores the text. Severity scales with distinct matched terms;
// hate and abuse matches saturate immediately.
func (f *Filter) Check(text string) Verdict {
	lower := " " + strings.ToLower(text) + " "

	var categories []string
	matched := 0
	severe := false
	for _, cat := range []string{"hate", "abuse", "malware", "profanity"} {
		hits := 0
		for _, term := range f.lexicons[cat] {
			if containsWord(lower, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		categories = append(categories, cat)
		matched += hits
		if cat == "hate" || cat == "abuse" {
			severe = true
		}
	}

	var severity float64
	switch {
	case severe:
		severity = 1.0
	case matched > 0:
		severity = 0.3 + 0.15*float64(matched)
		if severity > 0.9 {
			severity = 0.9
		}
	}

	v := Verdict{Severity: severity, Categories: categories, Confidence: 0.9}
	if matched == 0 {
		v.Confidence = 0.99
	}
	if v.Severity > 0 {
		logging.ExecutorDebug("moderation: severity=%.2f categories=%v", v.Severity, v.Categories)
	}
	return v
}

// Blocks reports whether the verdict terminates the task.
func (f *Filter) Blocks(v Verdict) bool {
	return v.Severity >= f.blockThreshold
}

// containsWord matches term on word boundaries inside the padded haystack.
func containsWord(padded, term string) bool {
	idx := 0
	for {
		i := strings.Index(padded[idx:], term)
		if i < 0 {
			return false
		}
		i += idx
		before := padded[i-1]
		afterIdx := i + len(term)
		after := byte(' ')
		if afterIdx < len(padded) {
			after = padded[afterIdx]
		}
		if !isWordByte(before) && !isWordByte(after) {
			return true
		}
		idx = i + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
