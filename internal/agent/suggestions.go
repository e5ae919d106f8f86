package agent

import (
	"strings"

	"draftline/internal/domain"
)

const maxSuggestions = 8

// bulletLines pulls the text of "-", "*", and numbered list items out of a
// completion body.
func bulletLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "- "); ok {
			out = append(out, strings.TrimSpace(after))
			continue
		}
		if after, ok := strings.CutPrefix(line, "* "); ok {
			out = append(out, strings.TrimSpace(after))
			continue
		}
		if n := numberedPrefix(line); n > 0 {
			out = append(out, strings.TrimSpace(line[n:]))
		}
	}
	return out
}

// numberedPrefix returns the length of a "12." or "12)" list marker, 0 when
// the line is not a numbered item.
func numberedPrefix(line string) int {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) {
		return 0
	}
	if line[i] == '.' || line[i] == ')' {
		return i + 1
	}
	return 0
}

func typed(kind string, lines []string) []domain.Suggestion {
	var out []domain.Suggestion
	for _, l := range lines {
		if l == "" {
			continue
		}
		out = append(out, domain.Suggestion{Type: kind, Text: l})
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

func extractIdeas(content string) []domain.Suggestion {
	return typed("idea", bulletLines(content))
}

func extractRevisions(content string) []domain.Suggestion {
	lines := bulletLines(content)
	// editors often phrase standalone advice as "Consider ..." sentences
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Consider ") {
			lines = append(lines, line)
		}
	}
	return typed("revision", lines)
}

func extractMediaIdeas(content string) []domain.Suggestion {
	lines := bulletLines(content)
	for _, field := range strings.Fields(content) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			lines = append(lines, field)
		}
	}
	return typed("media", lines)
}

func extractClaims(content string) []domain.Suggestion {
	lines := bulletLines(content)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") || numberedPrefix(line) > 0 {
			continue
		}
		l := strings.ToLower(line)
		if strings.Contains(l, "citation needed") || strings.Contains(l, "unverified") {
			lines = append(lines, line)
		}
	}
	return typed("claim", lines)
}
