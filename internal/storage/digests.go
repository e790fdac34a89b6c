package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"digestd/internal/model"
)

type digestRow struct {
	ID        string `db:"id"`
	RunID     string `db:"run_id"`
	Title     string `db:"title"`
	Summary   string `db:"summary"`
	Sources   string `db:"sources"`
	Tags      string `db:"tags"`
	Provider  string `db:"provider"`
	TokensIn  int    `db:"tokens_in"`
	TokensOut int    `db:"tokens_out"`
	CreatedAt string `db:"created_at"`
}

type provenanceRow struct {
	DigestID string `db:"digest_id"`
	SourceID int64  `db:"source_id"`
	ItemID   string `db:"item_id"`
	Title    string `db:"title"`
	Link     string `db:"link"`
}

// SaveDigest inserts a digest together with its provenance entries.
func (s *SQLite) SaveDigest(ctx context.Context, d *model.Digest) error {
	sources, err := encodeJSON(lo.Ternary(d.Sources == nil, []string{}, d.Sources))
	if err != nil {
		return err
	}
	tags, err := encodeJSON(lo.Ternary(d.Tags == nil, []string{}, d.Tags))
	if err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO digests (id, run_id, title, summary, sources, tags, provider, tokens_in, tokens_out, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.Title, d.Summary, sources, tags, d.Provider, d.TokensIn, d.TokensOut, formatTime(d.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert digest: %w", err)
	}
	for pos, p := range d.Provenance {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO digest_provenance (digest_id, position, source_id, item_id, title, link)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			d.ID, pos, p.SourceID, p.ItemID, p.Title, p.Link,
		); err != nil {
			return fmt.Errorf("insert provenance: %w", err)
		}
	}
	return tx.Commit()
}

// ListDigests returns all digests produced by a run, in creation order.
func (s *SQLite) ListDigests(ctx context.Context, runID string) ([]model.Digest, error) {
	var rows []digestRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, run_id, title, summary, sources, tags, provider, tokens_in, tokens_out, created_at
		 FROM digests WHERE run_id = ? ORDER BY rowid`, runID); err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	var prov []provenanceRow
	if err := s.db.SelectContext(ctx, &prov,
		`SELECT p.digest_id, p.source_id, p.item_id, p.title, p.link
		 FROM digest_provenance p JOIN digests d ON d.id = p.digest_id
		 WHERE d.run_id = ? ORDER BY p.digest_id, p.position`, runID); err != nil {
		return nil, fmt.Errorf("query provenance: %w", err)
	}
	byDigest := lo.GroupBy(prov, func(p provenanceRow) string { return p.DigestID })

	digests := make([]model.Digest, 0, len(rows))
	for _, r := range rows {
		d := model.Digest{
			ID:        r.ID,
			RunID:     r.RunID,
			Title:     r.Title,
			Summary:   r.Summary,
			Provider:  r.Provider,
			TokensIn:  r.TokensIn,
			TokensOut: r.TokensOut,
			CreatedAt: parseTime(r.CreatedAt),
		}
		if err := decodeJSON(r.Sources, &d.Sources); err != nil {
			return nil, err
		}
		if err := decodeJSON(r.Tags, &d.Tags); err != nil {
			return nil, err
		}
		d.Provenance = lo.Map(byDigest[r.ID], func(p provenanceRow, _ int) model.Provenance {
			return model.Provenance{SourceID: p.SourceID, ItemID: p.ItemID, Title: p.Title, Link: p.Link}
		})
		digests = append(digests, d)
	}
	return digests, nil
}

// ListSeen returns up to limit most recently recorded item IDs of a source,
// oldest first.
func (s *SQLite) ListSeen(ctx context.Context, sourceID int64, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT item_id FROM (
		   SELECT seq, item_id FROM seen_items WHERE source_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query seen: %w", err)
	}
	return ids, nil
}

// AddSeen records item IDs for a source and prunes the history down to
// capacity entries, dropping the oldest first. A capacity of zero disables
// pruning.
func (s *SQLite) AddSeen(ctx context.Context, sourceID int64, itemIDs []string, capacity int) error {
	if len(itemIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	for _, id := range itemIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO seen_items (source_id, item_id, seen_at) VALUES (?, ?, ?)`,
			sourceID, id, now,
		); err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
	}
	if capacity > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM seen_items WHERE source_id = ? AND seq NOT IN (
			   SELECT seq FROM seen_items WHERE source_id = ? ORDER BY seq DESC LIMIT ?
			 )`,
			sourceID, sourceID, capacity,
		); err != nil {
			return fmt.Errorf("prune seen: %w", err)
		}
	}
	return tx.Commit()
}
