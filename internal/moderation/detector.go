package moderation

import (
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the outcome of inspecting a message body.
type Verdict struct {
	Flagged bool
	Reasons []string
}

// merge folds o into v.
func (v Verdict) merge(o Verdict) Verdict {
	v.Flagged = v.Flagged || o.Flagged
	v.Reasons = append(v.Reasons, o.Reasons...)
	return v
}

// Detector classifies a message body before it is stored. Implementations
// must be safe for concurrent use.
type Detector interface {
	Inspect(body string) Verdict
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(body string) Verdict

// Inspect calls f(body).
func (f DetectorFunc) Inspect(body string) Verdict { return f(body) }

// Chain runs every detector and combines their verdicts.
type Chain []Detector

// Inspect implements Detector.
func (c Chain) Inspect(body string) Verdict {
	var v Verdict
	for _, d := range c {
		v = v.merge(d.Inspect(body))
	}
	return v
}

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// defaultMaxRepeat is the longest run of one character tolerated before the
// body is treated as spam.
const defaultMaxRepeat = 20

// KeywordDetector is a blocklist heuristic: it flags bodies containing a
// blocked phrase, too many links, or long runs of a single character.
type KeywordDetector struct {
	keywords  []string
	maxLinks  int
	maxRepeat int
}

// NewKeywordDetector builds a detector. Keywords match case-insensitively;
// maxLinks <= 0 disables the link check.
func NewKeywordDetector(keywords []string, maxLinks int) *KeywordDetector {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kw = append(kw, k)
		}
	}
	return &KeywordDetector{keywords: kw, maxLinks: maxLinks, maxRepeat: defaultMaxRepeat}
}

// Inspect implements Detector.
func (d *KeywordDetector) Inspect(body string) Verdict {
	var v Verdict
	lower := strings.ToLower(body)
	for _, k := range d.keywords {
		if strings.Contains(lower, k) {
			v.Flagged = true
			v.Reasons = append(v.Reasons, fmt.Sprintf("keyword %q", k))
		}
	}
	if d.maxLinks > 0 {
		if n := len(linkPattern.FindAllStringIndex(body, -1)); n > d.maxLinks {
			v.Flagged = true
			v.Reasons = append(v.Reasons, fmt.Sprintf("%d links (max %d)", n, d.maxLinks))
		}
	}
	if run := longestRun(body); run > d.maxRepeat {
		v.Flagged = true
		v.Reasons = append(v.Reasons, fmt.Sprintf("repeated character run of %d", run))
	}
	return v
}

// longestRun returns the length of the longest run of one rune, ignoring
// whitespace.
func longestRun(s string) int {
	var (
		best, cur int
		prev      rune = -1
	)
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			prev, cur = -1, 0
			continue
		}
		if r == prev {
			cur++
		} else {
			prev, cur = r, 1
		}
		if cur > best {
			best = cur
		}
	}
	return best
}
