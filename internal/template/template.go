// Package template implements the tagged-map template registry the
// Pipeline Executor dispatches on (spec.md §9 "a tagged map from template
// name to a {validate, render, review} triple").
package template

import (
	"fmt"
	"strings"
)

// Template is one registered template's three behaviors: validating create
// input, rendering the artifact body, and reviewing the rendered body for
// well-formedness.
type Template struct {
	// RequiredFields lists the input keys that must be present and
	// non-empty for this template (spec.md §4.5 stage "executor"
	// precondition, enforced at create time per §4.3's validate-on-create
	// note in the Task data model).
	RequiredFields []string
	// Render produces the artifact text from validated input. It may
	// return an error, which the pipeline treats as a retryable failure.
	Render func(input map[string]interface{}) (string, error)
	// Review checks the rendered artifact's well-formedness. A non-nil
	// error is a retryable failure.
	Review func(rendered string) error
}

// Registry is a name -> Template lookup, constructed once at startup.
type Registry struct {
	templates map[string]Template
}

// NewRegistry builds a Registry from the given named templates.
func NewRegistry(templates map[string]Template) *Registry {
	return &Registry{templates: templates}
}

// Lookup returns the named template, or (zero, false) if unregistered.
func (r *Registry) Lookup(name string) (Template, bool) {
	t, ok := r.templates[name]
	return t, ok
}

// Default returns the registry shipped with this service: the
// "meeting_summary" template, the one worked example spec.md §8 exercises.
// Report-renderer bodies for any other template are out of this repo's
// scope (spec.md §1 Non-goals).
func Default() *Registry {
	return NewRegistry(map[string]Template{
		"meeting_summary": {
			RequiredFields: []string{"meeting_title", "meeting_date", "participants", "notes"},
			Render:         renderMeetingSummary,
			Review:         reviewMeetingSummary,
		},
	})
}

const meetingSummaryHeader = "# 회의 결과 요약"

func renderMeetingSummary(input map[string]interface{}) (string, error) {
	notes, _ := input["notes"].(string)
	points := extractPoints(notes, 5)
	if len(points) == 0 {
		return "", fmt.Errorf("notes must include at least one meaningful line")
	}

	participantsRaw, hasParticipants := input["participants"]
	participantText := "N/A"
	if hasParticipants {
		items, ok := participantsRaw.([]interface{})
		if !ok {
			return "", fmt.Errorf("participants must be a list")
		}
		if len(items) > 0 {
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = fmt.Sprintf("%v", item)
			}
			participantText = strings.Join(parts, ", ")
		}
	}

	meetingTitle := stringOr(input["meeting_title"], "N/A")
	meetingDate := stringOr(input["meeting_date"], "N/A")

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", meetingSummaryHeader)
	fmt.Fprintf(&b, "- 회의 제목: %s\n", meetingTitle)
	fmt.Fprintf(&b, "- 회의 날짜: %s\n", meetingDate)
	fmt.Fprintf(&b, "- 참석자: %s\n\n", participantText)
	b.WriteString("## 핵심 논점\n")
	for _, p := range points {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\n## 액션 아이템\n")
	b.WriteString("| 항목 | 담당자 | 기한 | 우선순위 | 상태 |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for i := range points {
		fmt.Fprintf(&b, "| Action %d | TBD | TBD | Medium | Open |\n", i+1)
	}
	b.WriteString("\n## 확인 필요\n")
	b.WriteString("- 담당자/기한 확정 필요\n")

	return b.String(), nil
}

func reviewMeetingSummary(rendered string) error {
	if !strings.Contains(rendered, meetingSummaryHeader) {
		return fmt.Errorf("review failed: report header missing")
	}
	return nil
}

// extractPoints splits notes into up to limit trimmed, non-empty lines,
// stripping leading bullet markers. If the whole string is non-blank but
// produces no lines (no newlines, no markers), the whole string is the
// single point — ports the reference Python's _extract_points behavior.
func extractPoints(notes string, limit int) []string {
	raw := strings.ReplaceAll(notes, "\r", "\n")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.Trim(line, "-* \t")
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) == 0 && strings.TrimSpace(notes) != "" {
		return []string{strings.TrimSpace(notes)}
	}
	if len(lines) > limit {
		return lines[:limit]
	}
	return lines
}

func stringOr(v interface{}, fallback string) string {
	if v == nil {
		return fallback
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback
	}
	return s
}
