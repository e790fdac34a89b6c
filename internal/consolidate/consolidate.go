// Package consolidate groups fetched items into summarization units
// according to a feed's digest mode.
package consolidate

import (
	"github.com/samber/lo"

	"digestd/internal/model"
)

// SourceItems holds the surviving items of one source, in fetch order.
type SourceItems struct {
	SourceID int64
	Items    []model.Item
}

// Build turns per-source items into units. individual yields one unit per
// item, per_source one unit per source with items, all_sources a single unit
// or none when nothing survived. Unit indexes are assigned in order from 0.
func Build(mode model.DigestMode, sources []SourceItems) []model.Unit {
	var groups [][]model.Item
	switch mode {
	case model.ModePerSource:
		for _, s := range sources {
			if len(s.Items) > 0 {
				groups = append(groups, s.Items)
			}
		}
	case model.ModeAllSources:
		all := lo.FlatMap(sources, func(s SourceItems, _ int) []model.Item { return s.Items })
		if len(all) > 0 {
			groups = append(groups, all)
		}
	default:
		for _, s := range sources {
			for _, it := range s.Items {
				groups = append(groups, []model.Item{it})
			}
		}
	}

	return lo.Map(groups, func(items []model.Item, i int) model.Unit {
		return model.Unit{
			Index:      i,
			Mode:       mode,
			Items:      items,
			Provenance: lo.Map(items, func(it model.Item, _ int) model.ProvenanceRef {
				return model.ProvenanceRef{SourceID: it.SourceID, ItemID: it.ID}
			}),
		}
	})
}

// Count returns the number of items across all sources.
func Count(sources []SourceItems) int {
	return lo.SumBy(sources, func(s SourceItems) int { return len(s.Items) })
}
