package distribution

import (
	"context"

	"mediashare/pkg/types"
)

// ShareReceipt is what a transport reports after publishing a payload.
type ShareReceipt struct {
	ContentID  types.ContentID
	Descriptor types.Descriptor
	Protocols  []string
}

type DownloadOptions struct {
	Metadata types.Metadata
}

// StreamHandle is an opened stream. Resource may implement types.Revoker.
type StreamHandle struct {
	Resource   types.Resource
	Descriptor types.Descriptor
}

type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is a download notification keyed by the transport's descriptor.
type Event struct {
	Descriptor types.Descriptor
	Kind       EventKind
	// Progress is the completed fraction in [0, 1] for progress events.
	Progress float64
	// Bytes received so far.
	Bytes int64
	// Payload is set on completion when the transport hands the bytes over.
	Payload  []byte
	Metadata types.Metadata
	Err      error
}

// Transport performs the actual network publish, fetch and stream work.
// Events must stay open for the transport's lifetime; closing it ends
// event processing.
type Transport interface {
	Share(ctx context.Context, payload []byte, metadata types.Metadata) (ShareReceipt, error)
	Download(ctx context.Context, id types.ContentID, opts DownloadOptions) (types.Descriptor, error)
	Stream(ctx context.Context, id types.ContentID) (StreamHandle, error)
	Events() <-chan Event
}

// SecurityVerifier vets metadata that arrived from a remote peer.
type SecurityVerifier interface {
	VerifyMetadata(metadata types.Metadata) bool
}

// ContentSink receives verified downloads.
type ContentSink interface {
	StoreContent(ctx context.Context, payload []byte, metadata types.Metadata) (*types.ContentRecord, error)
}
