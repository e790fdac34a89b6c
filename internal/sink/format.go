package sink

import (
	"fmt"
	"strings"
	"time"

	"digestd/internal/model"
)

// FormatDigest renders a digest as a plain-text chat message.
func FormatDigest(feedName string, d model.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n\n", feedName)
	b.WriteString(d.Title)
	if d.Summary != "" {
		b.WriteString("\n\n")
		b.WriteString(d.Summary)
	}
	if len(d.Sources) > 0 {
		fmt.Fprintf(&b, "\n\nSources: %s", strings.Join(d.Sources, ", "))
	}
	if len(d.Tags) > 0 {
		b.WriteString("\n")
		for i, t := range d.Tags {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString("#" + strings.ReplaceAll(t, " ", "_"))
		}
	}
	for _, p := range d.Provenance {
		if p.Link != "" {
			b.WriteString("\n")
			b.WriteString(p.Link)
		}
	}
	return b.String()
}

// Markdown renders all digests of a run as one markdown document.
func Markdown(feed model.Feed, digests []model.Digest) string {
	var b strings.Builder
	date := time.Now().UTC()
	if len(digests) > 0 && !digests[0].CreatedAt.IsZero() {
		date = digests[0].CreatedAt
	}
	fmt.Fprintf(&b, "# %s (%s)\n", feed.Name, date.Format("2006-01-02 15:04 UTC"))
	for _, d := range digests {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", d.Title, d.Summary)
		if len(d.Tags) > 0 {
			fmt.Fprintf(&b, "\nTags: %s\n", strings.Join(d.Tags, ", "))
		}
		if len(d.Provenance) > 0 {
			b.WriteString("\n")
			for _, p := range d.Provenance {
				title := p.Title
				if title == "" {
					title = p.ItemID
				}
				if p.Link != "" {
					fmt.Fprintf(&b, "- [%s](%s)\n", title, p.Link)
				} else {
					fmt.Fprintf(&b, "- %s\n", title)
				}
			}
		}
	}
	return b.String()
}
