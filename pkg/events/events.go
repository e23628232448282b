package events

import "mediashare/pkg/types"

// Event names published by the store and the distribution coordinator.
// Names and payload shapes are part of the public contract.
const (
	ContentStored     = "content:stored"
	ContentDeleted    = "content:deleted"
	ContentShared     = "content:shared"
	DownloadQueued    = "download:queued"
	DownloadStarted   = "download:started"
	DownloadProgress  = "download:progress"
	DownloadCompleted = "download:completed"
	DownloadFailed    = "download:failed"
	StreamStarted     = "stream:started"
	StreamStopped     = "stream:stopped"
)

// Event is the payload carried on the shared bus. Only the fields that
// matter for a given name are set.
type Event struct {
	ContentID    types.ContentID
	Record       *types.ContentRecord
	Availability *types.AvailabilityRecord
	Download     *types.DownloadQueueEntry
	Session      *types.StreamingSession
	Err          error
}

// EventBus is the bus shared across components.
type EventBus = Bus[Event]

func NewEventBus() *EventBus {
	return NewBus[Event]()
}
