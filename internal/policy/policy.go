// Package policy implements the pure policy detector (spec.md §4.4): a
// deterministic function of (task input, already-approved reasons) that
// returns at most one reason code requiring human review.
package policy

import (
	"strings"
)

// Rule associates a reason code with the patterns that trigger it. Patterns
// are matched case-insensitively against the concatenation of all
// string-valued input fields.
type Rule struct {
	Code     string
	Patterns []string
}

// Detector holds a registration-ordered list of rules. First match wins;
// a reason already present in the caller's approved-reasons set is skipped.
type Detector struct {
	rules []Rule
}

// New constructs a Detector from the given rules, preserving registration
// order (spec.md §4.4 "evaluation order over reason codes is stable").
// Additional reason codes are pluggable by passing more rules here.
func New(rules ...Rule) *Detector {
	return &Detector{rules: rules}
}

// Default returns the baseline registry: a single "external_send_requested"
// rule matching URL prefixes and phrases indicating outbound transmission.
func Default() *Detector {
	return New(Rule{
		Code: "external_send_requested",
		Patterns: []string{
			"외부 전송",
			"external send",
			"메일 발송",
			"send externally",
			"http://",
			"https://",
		},
	})
}

// Detect scans input's string-valued fields for the first registered
// pattern whose reason code is not already in approvedReasons. Returns ""
// when nothing matches.
func (d *Detector) Detect(input map[string]interface{}, approvedReasons []string) string {
	cleared := make(map[string]bool, len(approvedReasons))
	for _, r := range approvedReasons {
		cleared[r] = true
	}

	joined := strings.ToLower(joinStringValues(input))

	for _, rule := range d.rules {
		if cleared[rule.Code] {
			continue
		}
		for _, pattern := range rule.Patterns {
			if strings.Contains(joined, strings.ToLower(pattern)) {
				return rule.Code
			}
		}
	}
	return ""
}

func joinStringValues(input map[string]interface{}) string {
	var b strings.Builder
	for _, v := range input {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	return b.String()
}
