package node

import (
	"context"

	"mediashare/pkg/distribution"
	"mediashare/pkg/merkle"
	"mediashare/pkg/search"
	"mediashare/pkg/store"
	"mediashare/pkg/types"
)

// parts is a snapshot of the running components. Operations work on the
// snapshot so a concurrent Shutdown never waits behind a blocked call.
type parts struct {
	store       *store.Store
	coordinator *distribution.Coordinator
	aggregator  *search.Aggregator
	merkle      *merkle.Builder
}

func (n *Node) parts() (parts, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.initialized {
		return parts{}, ErrNotInitialized
	}
	return parts{
		store:       n.store,
		coordinator: n.coordinator,
		aggregator:  n.aggregator,
		merkle:      n.merkle,
	}, nil
}

// Content

func (n *Node) StoreContent(ctx context.Context, payload []byte, metadata types.Metadata) (*types.ContentRecord, error) {
	p, err := n.parts()
	if err != nil {
		return nil, err
	}
	return p.store.StoreContent(ctx, payload, metadata)
}

func (n *Node) GetContent(ctx context.Context, id types.ContentID) (*types.ContentRecord, error) {
	p, err := n.parts()
	if err != nil {
		return nil, err
	}
	return p.store.GetContent(ctx, id)
}

func (n *Node) GetLocalContent(ctx context.Context, q store.Query) ([]types.ContentRecord, error) {
	p, err := n.parts()
	if err != nil {
		return nil, err
	}
	return p.store.GetLocalContent(ctx, q)
}

func (n *Node) DeleteContent(ctx context.Context, id types.ContentID) (bool, error) {
	p, err := n.parts()
	if err != nil {
		return false, err
	}
	return p.store.DeleteContent(ctx, id)
}

// SearchContent searches the local store only.
func (n *Node) SearchContent(ctx context.Context, query string) []types.ContentRecord {
	p, err := n.parts()
	if err != nil {
		return []types.ContentRecord{}
	}
	return p.store.SearchContent(ctx, query)
}

// Search merges local results with those of every configured peer.
func (n *Node) Search(ctx context.Context, query string) []types.ContentRecord {
	p, err := n.parts()
	if err != nil {
		return []types.ContentRecord{}
	}
	return p.aggregator.Search(ctx, query)
}

func (n *Node) RecentContent(ctx context.Context, limit int) []types.ContentRecord {
	p, err := n.parts()
	if err != nil {
		return []types.ContentRecord{}
	}
	return p.store.RecentContent(ctx, limit)
}

func (n *Node) ContentByCategory(ctx context.Context, category string) []types.ContentRecord {
	p, err := n.parts()
	if err != nil {
		return []types.ContentRecord{}
	}
	return p.store.ContentByCategory(ctx, category)
}

func (n *Node) Reindex(ctx context.Context) (store.ReindexReport, error) {
	p, err := n.parts()
	if err != nil {
		return store.ReindexReport{}, err
	}
	return p.store.Reindex(ctx)
}

// Usage reports how many records are stored, their total size and the
// configured capacity (zero when unlimited).
func (n *Node) Usage(ctx context.Context) (count int, bytes int64, capacity int64, err error) {
	p, err := n.parts()
	if err != nil {
		return 0, 0, 0, err
	}
	count, bytes, err = p.store.Usage(ctx)
	return count, bytes, p.store.Capacity(), err
}

// Playback

func (n *Node) RecordPlay(ctx context.Context, id types.ContentID) (*types.PlayHistoryRecord, error) {
	p, err := n.parts()
	if err != nil {
		return nil, err
	}
	return p.store.RecordPlay(ctx, id)
}

func (n *Node) UpdatePlayPosition(ctx context.Context, id types.ContentID, position float64) (*types.PlayHistoryRecord, error) {
	p, err := n.parts()
	if err != nil {
		return nil, err
	}
	return p.store.UpdatePlayPosition(ctx, id, position)
}

func (n *Node) PlayHistory(ctx context.Context, id types.ContentID) ([]types.PlayHistoryRecord, error) {
	p, err := n.parts()
	if err != nil {
		return nil, err
	}
	return p.store.PlayHistory(ctx, id)
}

// Distribution

func (n *Node) ShareContent(ctx context.Context, payload []byte, metadata types.Metadata) (types.AvailabilityRecord, error) {
	p, err := n.parts()
	if err != nil {
		return types.AvailabilityRecord{}, err
	}
	return p.coordinator.ShareContent(ctx, payload, metadata)
}

// ShareStored shares content already held in the local store.
func (n *Node) ShareStored(ctx context.Context, id types.ContentID) (types.AvailabilityRecord, error) {
	p, err := n.parts()
	if err != nil {
		return types.AvailabilityRecord{}, err
	}
	record, err := p.store.GetContent(ctx, id)
	if err != nil {
		return types.AvailabilityRecord{}, err
	}
	return p.coordinator.ShareContent(ctx, record.Payload, record.Metadata)
}

func (n *Node) GetContentAvailability(id types.ContentID) (types.AvailabilityRecord, bool) {
	p, err := n.parts()
	if err != nil {
		return types.AvailabilityRecord{}, false
	}
	return p.coordinator.GetContentAvailability(id)
}

func (n *Node) DownloadContent(ctx context.Context, id types.ContentID, metadata types.Metadata) (types.DownloadQueueEntry, error) {
	p, err := n.parts()
	if err != nil {
		return types.DownloadQueueEntry{}, err
	}
	return p.coordinator.DownloadContent(ctx, id, metadata)
}

func (n *Node) RemoveFromQueue(id types.ContentID) bool {
	p, err := n.parts()
	if err != nil {
		return false
	}
	return p.coordinator.RemoveFromQueue(id)
}

func (n *Node) GetDownloadQueue() []types.DownloadQueueEntry {
	p, err := n.parts()
	if err != nil {
		return []types.DownloadQueueEntry{}
	}
	return p.coordinator.GetDownloadQueue()
}

func (n *Node) StreamContent(ctx context.Context, id types.ContentID) (types.StreamingSession, error) {
	p, err := n.parts()
	if err != nil {
		return types.StreamingSession{}, err
	}
	return p.coordinator.StreamContent(ctx, id)
}

func (n *Node) StopStreaming(id types.ContentID) bool {
	p, err := n.parts()
	if err != nil {
		return false
	}
	return p.coordinator.StopStreaming(id)
}

func (n *Node) GetStreamingSessions() []types.StreamingSession {
	p, err := n.parts()
	if err != nil {
		return []types.StreamingSession{}
	}
	return p.coordinator.GetStreamingSessions()
}

func (n *Node) GetMetrics() types.Metrics {
	p, err := n.parts()
	if err != nil {
		return types.Metrics{}
	}
	return p.coordinator.GetMetrics()
}

// Integrity

func (n *Node) BuildMerkleTree(items [][]byte) (*merkle.Tree, error) {
	p, err := n.parts()
	if err != nil {
		return nil, err
	}
	return p.merkle.Build(items)
}

func (n *Node) GetMerkleProof(tree *merkle.Tree, item []byte) (merkle.Proof, error) {
	p, err := n.parts()
	if err != nil {
		return nil, err
	}
	return p.merkle.Proof(tree, item)
}

func (n *Node) VerifyMerkleProof(item []byte, proof merkle.Proof, root string) bool {
	p, err := n.parts()
	if err != nil {
		return false
	}
	return p.merkle.VerifyProof(item, proof, root)
}

// VerifyContent recomputes the digest of a stored payload and compares it
// with its id. Content stored under an explicit metadata id never matches.
func (n *Node) VerifyContent(ctx context.Context, id types.ContentID) (bool, error) {
	p, err := n.parts()
	if err != nil {
		return false, err
	}
	record, err := p.store.GetContent(ctx, id)
	if err != nil {
		return false, err
	}
	return p.store.Hasher().Verify(record.Payload, id), nil
}
