package types

import (
	"time"
)

// ContentID is the lowercase hex digest of a payload's bytes.
type ContentID string

// Descriptor is the transport-assigned handle for a download or stream.
type Descriptor string

// Metadata is the free-form key/value map attached to content.
type Metadata map[string]any

// String returns the string value stored under key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy of the map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type ContentRecord struct {
	ID         ContentID
	Payload    []byte
	PayloadRef string
	Metadata   Metadata
	Size       int64
	AddedAt    time.Time

	// Set on search results: true for records held in the local store,
	// false for records reported by a remote content index.
	IsLocal bool
	// Relevance is only set on records that carry an explicit ranking score.
	Relevance *float64
}

type SearchIndexEntry struct {
	ContentID ContentID
	Term      string
	Relevance float64
}

type PlayHistoryRecord struct {
	ContentID ContentID
	Timestamp time.Time
	Position  float64
}

type AvailabilityRecord struct {
	ContentID    ContentID
	Protocols    []string
	Availability float64
	SharedAt     time.Time
}

type DownloadStatus string

const (
	DownloadQueued      DownloadStatus = "queued"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
)

type DownloadQueueEntry struct {
	ContentID   ContentID
	Status      DownloadStatus
	Progress    float64
	StartedAt   time.Time
	CompletedAt time.Time
	Descriptor  Descriptor
	Error       string
	Metadata    Metadata
}

type StreamStatus string

const (
	StreamStreaming StreamStatus = "streaming"
	StreamStopped   StreamStatus = "stopped"
)

// Resource is a transient, transport-provided playable reference.
type Resource interface {
	URL() string
}

// Revoker is implemented by resources that must be explicitly released.
type Revoker interface {
	Revoke() error
}

type StreamingSession struct {
	ContentID  ContentID
	Status     StreamStatus
	Resource   Resource
	Descriptor Descriptor
	StartedAt  time.Time
}

type Metrics struct {
	TotalShared     int64
	TotalDownloaded int64
	ActiveStreams   int64
	SuccessRate     float64
}
