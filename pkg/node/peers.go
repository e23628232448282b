package node

import (
	"context"
	"errors"
	"sync"

	"mediashare/pkg/distribution"
	"mediashare/pkg/transport"
	"mediashare/pkg/types"

	"go.uber.org/zap"
)

var errNoPeers = errors.New("no peers configured")

// offlineTransport stands in when the node has no peers. Every operation
// fails as a transport error and no events are ever delivered.
type offlineTransport struct{}

func (offlineTransport) Share(ctx context.Context, payload []byte, metadata types.Metadata) (distribution.ShareReceipt, error) {
	return distribution.ShareReceipt{}, errNoPeers
}

func (offlineTransport) Download(ctx context.Context, id types.ContentID, opts distribution.DownloadOptions) (types.Descriptor, error) {
	return "", errNoPeers
}

func (offlineTransport) Stream(ctx context.Context, id types.ContentID) (distribution.StreamHandle, error) {
	return distribution.StreamHandle{}, errNoPeers
}

func (offlineTransport) Events() <-chan distribution.Event {
	return nil
}

// peerIndex searches every peer at once. Peers that fail are skipped; the
// search only fails when all of them do.
type peerIndex struct {
	peers  []*transport.Client
	logger *zap.Logger
}

func newPeerIndex(peers []*transport.Client, logger *zap.Logger) *peerIndex {
	return &peerIndex{peers: peers, logger: logger}
}

func (p *peerIndex) Search(ctx context.Context, query string) ([]types.ContentRecord, error) {
	results := make([][]types.ContentRecord, len(p.peers))
	errs := make([]error, len(p.peers))

	var wg sync.WaitGroup
	for i, peer := range p.peers {
		wg.Add(1)
		go func(i int, peer *transport.Client) {
			defer wg.Done()
			results[i], errs[i] = peer.Search(ctx, query)
		}(i, peer)
	}
	wg.Wait()

	var (
		merged []types.ContentRecord
		failed []error
	)
	for i := range p.peers {
		if errs[i] != nil {
			p.logger.Warn("Peer search failed", zap.Int("peer", i), zap.Error(errs[i]))
			failed = append(failed, errs[i])
			continue
		}
		merged = append(merged, results[i]...)
	}
	if len(failed) == len(p.peers) {
		return nil, errors.Join(failed...)
	}
	return merged, nil
}
