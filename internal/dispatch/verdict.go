package dispatch

import (
	"regexp"
	"strings"
)

type Kind string

const (
	KindPass     Kind = "PASS"
	KindRoute    Kind = "ROUTE"
	KindUpdate   Kind = "UPDATE"
	KindMisalign Kind = "MISALIGN"
	KindQuestion Kind = "QUESTION"
)

// Verdict is the oracle's classification, parsed into a typed structure
// so raw strings stop at this boundary.
type Verdict struct {
	Kind     Kind
	Category string
	Content  string
}

var (
	categorizedPattern = regexp.MustCompile(`(?s)^(\w+)\|(\w+):\s*(.*)$`)
	plainPattern       = regexp.MustCompile(`(?s)^(\w+):\s*(.*)$`)
)

// ParseVerdict parses `KIND|category: content`, `KIND: content`
// (category defaults to general), or a bare `PASS`. Anything
// unrecognized is treated as PASS: a malformed verdict must never
// trigger an action.
func ParseVerdict(raw string) Verdict {
	raw = strings.TrimSpace(raw)
	if match := categorizedPattern.FindStringSubmatch(raw); match != nil {
		return Verdict{Kind: Kind(match[1]), Category: match[2], Content: strings.TrimSpace(match[3])}
	}
	if match := plainPattern.FindStringSubmatch(raw); match != nil {
		return Verdict{Kind: Kind(match[1]), Category: "general", Content: strings.TrimSpace(match[2])}
	}
	if raw == string(KindPass) {
		return Verdict{Kind: KindPass}
	}
	return Verdict{Kind: KindPass}
}

// Route splits a ROUTE verdict's content on the first | into the target
// member reference and the reason for pulling them in.
func (v Verdict) Route() (target, reason string) {
	target, reason, found := strings.Cut(v.Content, "|")
	target = strings.TrimSpace(target)
	reason = strings.TrimSpace(reason)
	if !found || reason == "" {
		reason = "could use your help here"
	}
	return target, reason
}
