package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"digestd/internal/model"
)

var unsafeName = regexp.MustCompile(`[^a-z0-9]+`)

// Export writes each run's digests to <dir>/<feed>/<run>.md.
type Export struct {
	dir string
}

// NewExport creates an Export sink rooted at dir.
func NewExport(dir string) *Export {
	return &Export{dir: dir}
}

// Deliver implements Sink.
func (e *Export) Deliver(_ context.Context, feed model.Feed, digests []model.Digest) error {
	if len(digests) == 0 {
		return nil
	}
	dir := filepath.Join(e.dir, slug(feed))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, digests[0].RunID+".md")
	if err := os.WriteFile(path, []byte(Markdown(feed, digests)), 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

func slug(feed model.Feed) string {
	s := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(feed.Name), "-"), "-")
	if s == "" {
		return fmt.Sprintf("feed-%d", feed.ID)
	}
	return s
}
