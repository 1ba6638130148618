package agent

import (
	"strings"
)

// ExtractKind tags the precedence class a plan extraction fell into.
type ExtractKind string

const (
	ExtractMarked     ExtractKind = "marked"
	ExtractBulletList ExtractKind = "bullet_list"
	ExtractNumbered   ExtractKind = "numbered_list"
	ExtractTruncated  ExtractKind = "truncated"
)

// PlanExtract is the tagged result of scanning an agent transcript for its
// plan text. Precedence is fixed: Marked, then BulletList, then
// NumberedList, then Truncated — never more than one of Lines/Body/Prefix
// is meaningful for a given Kind.
type PlanExtract struct {
	Kind   ExtractKind
	Prefix string   // set for Marked
	Body   string   // set for Marked and Truncated
	Lines  []string // set for BulletList and NumberedList
}

// planMarkers are literal prefix tokens that delimit a plan block in a
// transcript, tried in order.
var planMarkers = []string{"PLAN:", "## Plan", "Here's my plan:", "Proposed plan:"}

const truncatedFallbackLen = 500

// ExtractPlan scans transcript for a plan block using the fixed precedence:
// a literal marker first, then the first bulleted list, then the first
// numbered list, then a truncated prefix of the raw text.
func ExtractPlan(transcript string) PlanExtract {
	for _, marker := range planMarkers {
		if idx := strings.Index(transcript, marker); idx >= 0 {
			body := strings.TrimSpace(transcript[idx+len(marker):])
			return PlanExtract{Kind: ExtractMarked, Prefix: marker, Body: body}
		}
	}

	if lines := bulletLines(transcript); len(lines) > 0 {
		return PlanExtract{Kind: ExtractBulletList, Lines: lines}
	}

	if lines := numberedLines(transcript); len(lines) > 0 {
		return PlanExtract{Kind: ExtractNumbered, Lines: lines}
	}

	body := transcript
	if len(body) > truncatedFallbackLen {
		body = body[:truncatedFallbackLen]
	}
	return PlanExtract{Kind: ExtractTruncated, Body: body}
}

func bulletLines(transcript string) []string {
	var lines []string
	for _, raw := range strings.Split(transcript, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			lines = append(lines, strings.TrimSpace(line[2:]))
		}
	}
	return lines
}

func numberedLines(transcript string) []string {
	var lines []string
	for _, raw := range strings.Split(transcript, "\n") {
		line := strings.TrimSpace(raw)
		if len(line) < 3 {
			continue
		}
		i := 0
		for i < len(line) && line[i] >= '0' && line[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(line) || line[i] != '.' {
			continue
		}
		rest := strings.TrimSpace(line[i+1:])
		if rest != "" {
			lines = append(lines, rest)
		}
	}
	return lines
}

// Text renders the extract's meaningful payload as a single plan string,
// regardless of which tagged branch produced it.
func (p PlanExtract) Text() string {
	switch p.Kind {
	case ExtractMarked, ExtractTruncated:
		return p.Body
	case ExtractBulletList, ExtractNumbered:
		return strings.Join(p.Lines, "\n")
	default:
		return ""
	}
}
