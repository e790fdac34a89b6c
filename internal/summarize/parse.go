package summarize

import (
	"errors"
	"strings"
)

const maxTags = 5

// errMalformed is returned when a provider reply lacks a summary.
var errMalformed = errors.New("malformed response: no SUMMARY")

// parseReply reads the TITLE:/SUMMARY:/TAGS: reply format. Lines following
// SUMMARY: up to the next marker are part of the summary.
func parseReply(text string) (title, summary string, tags []string, err error) {
	var body []string
	inSummary := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "*#"))
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "TITLE:"):
			title = field(trimmed[len("TITLE:"):])
			inSummary = false
		case strings.HasPrefix(upper, "SUMMARY:"):
			body = append(body, field(trimmed[len("SUMMARY:"):]))
			inSummary = true
		case strings.HasPrefix(upper, "TAGS:"):
			tags = parseTags(field(trimmed[len("TAGS:"):]))
			inSummary = false
		case inSummary:
			body = append(body, strings.TrimRight(line, " \t\r"))
		}
	}

	summary = strings.TrimSpace(strings.Join(body, "\n"))
	if summary == "" {
		return "", "", nil, errMalformed
	}
	return title, summary, tags, nil
}

// field cleans the text after a marker, dropping markdown bold and quotes.
func field(s string) string {
	return strings.Trim(strings.TrimSpace(strings.TrimLeft(s, "*")), `"`)
}

func parseTags(s string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, t := range strings.Split(s, ",") {
		t = strings.ToLower(strings.Trim(strings.TrimSpace(t), "#"))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}
