// Package search merges local search results with those of a network
// content index.
package search

import (
	"context"
	"sort"
	"time"

	"mediashare/pkg/types"

	"go.uber.org/zap"
)

// LocalIndex is the local side of a search, normally the content store.
type LocalIndex interface {
	SearchContent(ctx context.Context, query string) []types.ContentRecord
}

// NetworkContentIndex searches content held by remote peers.
type NetworkContentIndex interface {
	Search(ctx context.Context, query string) ([]types.ContentRecord, error)
}

// Verifier vets the metadata of remote records before they are trusted.
type Verifier interface {
	VerifyMetadata(metadata types.Metadata) bool
}

type Aggregator struct {
	local    LocalIndex
	network  NetworkContentIndex
	verifier Verifier
	logger   *zap.Logger
}

// NewAggregator builds an aggregator. network and verifier may be nil.
func NewAggregator(local LocalIndex, network NetworkContentIndex, verifier Verifier, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		local:    local,
		network:  network,
		verifier: verifier,
		logger:   logger,
	}
}

// Search runs query locally and against the network index and merges the
// two. A failing network index yields the local results alone.
func (a *Aggregator) Search(ctx context.Context, query string) []types.ContentRecord {
	local := a.local.SearchContent(ctx, query)
	if a.network == nil {
		return Merge(local, nil)
	}

	remote, err := a.network.Search(ctx, query)
	if err != nil {
		a.logger.Warn("Network search failed, returning local results",
			zap.String("query", query),
			zap.Error(err))
		return Merge(local, nil)
	}

	if a.verifier != nil {
		trusted := remote[:0:0]
		for _, r := range remote {
			if !a.verifier.VerifyMetadata(r.Metadata) {
				a.logger.Debug("Dropping unverified remote record", zap.String("content_id", string(r.ID)))
				continue
			}
			trusted = append(trusted, r)
		}
		remote = trusted
	}

	results := Merge(local, remote)
	a.logger.Debug("Search aggregated",
		zap.String("query", query),
		zap.Int("local", len(local)),
		zap.Int("remote", len(remote)),
		zap.Int("results", len(results)))
	return results
}

// Merge returns the local records followed by every network record whose
// id is not among the local ones, then stable-sorts them: local before
// network, higher relevance first when both records carry one, and
// otherwise more recent publishedAt first. Local records arrive already
// ranked by the store (matched terms, then score) and keep that order
// among themselves. Inputs are not modified.
func Merge(local, network []types.ContentRecord) []types.ContentRecord {
	localIDs := make(map[types.ContentID]bool, len(local))
	merged := make([]types.ContentRecord, 0, len(local)+len(network))
	for _, r := range local {
		r.IsLocal = true
		localIDs[r.ID] = true
		merged = append(merged, r)
	}
	for _, r := range network {
		if localIDs[r.ID] {
			continue
		}
		r.IsLocal = false
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := &merged[i], &merged[j]
		if a.IsLocal != b.IsLocal {
			return a.IsLocal
		}
		if a.IsLocal {
			return false
		}
		if a.Relevance != nil && b.Relevance != nil {
			return *a.Relevance > *b.Relevance
		}
		return publishedAt(a.Metadata) > publishedAt(b.Metadata)
	})
	return merged
}

// publishedAt reads the "publishedAt" metadata field as Unix milliseconds.
// Missing or unreadable values count as zero.
func publishedAt(metadata types.Metadata) float64 {
	switch v := metadata["publishedAt"].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float64:
		return v
	case time.Time:
		return float64(v.UnixMilli())
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return float64(t.UnixMilli())
		}
	}
	return 0
}
