// Package distribution tracks content availability, the download queue and
// streaming sessions against a network transport. All state is owned by a
// single loop goroutine; public methods submit closures to it and do their
// transport I/O outside of it.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mediashare/pkg/events"
	"mediashare/pkg/hashing"
	"mediashare/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrStopped is returned by operations on a coordinator that is not running.
var ErrStopped = errors.New("coordinator is not running")

type Config struct {
	Logger  *zap.Logger
	Bus     *events.EventBus
	Metrics *Metrics
	Hasher  *hashing.Hasher
	// Verifier, when set, must accept the metadata of every completed download.
	Verifier SecurityVerifier
	// Sink receives the payload of every verified download.
	Sink ContentSink
	Now  func() time.Time
}

type download struct {
	entry   types.DownloadQueueEntry
	ready   chan struct{}
	settled bool
}

type stream struct {
	session types.StreamingSession
	open    bool
	err     error
	ready   chan struct{}
	settled bool
}

// resolved is a transport event whose descriptor has been mapped back to
// its content id.
type resolved struct {
	event    Event
	id       types.ContentID
	metadata types.Metadata
}

type Coordinator struct {
	transport Transport
	logger    *zap.Logger
	metrics   *Metrics
	hasher    *hashing.Hasher
	verifier  SecurityVerifier
	sink      ContentSink
	now       func() time.Time

	ops  chan func()
	wake chan struct{}
	out  *outbox

	// Loop-owned state.
	availability    map[types.ContentID]*types.AvailabilityRecord
	downloads       map[types.ContentID]*download
	descriptors     map[types.Descriptor]types.ContentID
	retired         map[types.Descriptor]struct{}
	held            map[types.Descriptor][]Event
	ready           []types.Descriptor
	streams         map[types.ContentID]*stream
	totalShared     int64
	totalDownloaded int64
	completed       int64
	failed          int64
	activeStreams   int64

	ctx        context.Context
	cancel     context.CancelFunc
	running    atomic.Bool
	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// New builds a coordinator. Operations fail with ErrStopped until Start
// is called and again after Stop.
func New(transport Transport, cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hashing.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		transport:    transport,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		hasher:       cfg.Hasher,
		verifier:     cfg.Verifier,
		sink:         cfg.Sink,
		now:          cfg.Now,
		ops:          make(chan func()),
		wake:         make(chan struct{}, 1),
		out:          newOutbox(cfg.Bus),
		availability: make(map[types.ContentID]*types.AvailabilityRecord),
		downloads:    make(map[types.ContentID]*download),
		descriptors:  make(map[types.Descriptor]types.ContentID),
		retired:      make(map[types.Descriptor]struct{}),
		held:         make(map[types.Descriptor][]Event),
		streams:      make(map[types.ContentID]*stream),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the state loop, the transport event pump and the event
// dispatcher.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		if c.ctx.Err() != nil {
			return
		}
		c.running.Store(true)
		c.wg.Add(2)
		go c.loop()
		go c.pump()

		c.dispatchWG.Add(1)
		go func() {
			defer c.dispatchWG.Done()
			c.out.run()
		}()

		c.logger.Info("Distribution coordinator started")
	})
}

// Stop ends event processing and revokes every open stream. Callers still
// waiting on an in-flight download or stream are released with ErrStopped.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		c.cancel()
		c.wg.Wait()

		// The loop has exited, so its state is safe to touch here.
		for id, s := range c.streams {
			if s.open {
				c.revoke(id, s.session.Resource)
				c.metrics.ActiveStreams.Dec()
			} else if s.err == nil {
				s.err = ErrStopped
			}
			settle(&s.ready, &s.settled)
		}
		c.streams = make(map[types.ContentID]*stream)
		c.activeStreams = 0
		for _, d := range c.downloads {
			settle(&d.ready, &d.settled)
		}

		c.out.close()
		c.dispatchWG.Wait()

		c.logger.Info("Distribution coordinator stopped")
	})
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	if !c.running.Load() {
		return ErrStopped
	}
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case c.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrStopped
	}
	<-done
	return nil
}

func settle(ready *chan struct{}, settled *bool) {
	if !*settled {
		close(*ready)
		*settled = true
	}
}

func (c *Coordinator) observe(op string, start time.Time) {
	c.metrics.TransportLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ShareContent publishes payload through the transport and records it as
// fully available over the protocols the transport reports.
func (c *Coordinator) ShareContent(ctx context.Context, payload []byte, metadata types.Metadata) (types.AvailabilityRecord, error) {
	start := time.Now()
	receipt, err := c.transport.Share(ctx, payload, metadata)
	c.observe("share", start)
	if err != nil {
		c.metrics.ShareFailures.Inc()
		c.logger.Warn("Share failed", zap.Error(err))
		return types.AvailabilityRecord{}, types.TransportError("share", err)
	}

	id := receipt.ContentID
	if id == "" {
		id = c.hasher.HashBytes(payload)
	}

	var record types.AvailabilityRecord
	err = c.do(c.ctx, func() {
		rec := &types.AvailabilityRecord{
			ContentID:    id,
			Protocols:    slices.Clone(receipt.Protocols),
			Availability: 1.0,
			SharedAt:     c.now(),
		}
		c.availability[id] = rec
		c.totalShared += int64(len(payload))
		c.metrics.BytesShared.Add(float64(len(payload)))
		c.metrics.SharesTotal.Inc()

		record = copyAvailability(rec)
		snapshot := copyAvailability(rec)
		c.out.push(events.ContentShared, events.Event{ContentID: id, Availability: &snapshot})
	})
	if err != nil {
		return types.AvailabilityRecord{}, err
	}

	c.logger.Info("Content shared",
		zap.String("content_id", string(id)),
		zap.Strings("protocols", record.Protocols),
		zap.Int("size", len(payload)))
	return record, nil
}

func copyAvailability(rec *types.AvailabilityRecord) types.AvailabilityRecord {
	out := *rec
	out.Protocols = slices.Clone(rec.Protocols)
	return out
}

// GetContentAvailability returns the availability recorded for id.
func (c *Coordinator) GetContentAvailability(id types.ContentID) (types.AvailabilityRecord, bool) {
	var (
		record types.AvailabilityRecord
		found  bool
	)
	c.do(c.ctx, func() {
		if rec, ok := c.availability[id]; ok {
			record = copyAvailability(rec)
			found = true
		}
	})
	return record, found
}

// DownloadContent queues id for download. A second call for an id that is
// already queued returns the existing entry once the first request has
// been handed to the transport. A transport failure leaves the entry in
// the queue marked failed.
func (c *Coordinator) DownloadContent(ctx context.Context, id types.ContentID, metadata types.Metadata) (types.DownloadQueueEntry, error) {
	if id == "" {
		return types.DownloadQueueEntry{}, types.InputError("empty content id")
	}

	var (
		d       *download
		created bool
	)
	err := c.do(ctx, func() {
		if existing, ok := c.downloads[id]; ok {
			d = existing
			return
		}
		d = &download{
			entry: types.DownloadQueueEntry{
				ContentID: id,
				Status:    types.DownloadQueued,
				StartedAt: c.now(),
				Metadata:  metadata.Clone(),
			},
			ready: make(chan struct{}),
		}
		c.downloads[id] = d
		created = true

		c.metrics.DownloadsQueued.Inc()
		c.metrics.DownloadQueueSize.Set(float64(len(c.downloads)))
		c.out.push(events.DownloadQueued, events.Event{ContentID: id, Download: d.snapshot()})
	})
	if err != nil {
		return types.DownloadQueueEntry{}, err
	}

	if !created {
		select {
		case <-d.ready:
		case <-ctx.Done():
			return types.DownloadQueueEntry{}, ctx.Err()
		}
		var entry types.DownloadQueueEntry
		if err := c.do(ctx, func() { entry = *d.snapshot() }); err != nil {
			return types.DownloadQueueEntry{}, err
		}
		return entry, nil
	}

	c.logger.Info("Download queued", zap.String("content_id", string(id)))

	start := time.Now()
	descriptor, err := c.transport.Download(ctx, id, DownloadOptions{Metadata: metadata})
	c.observe("download", start)
	if err != nil {
		terr := types.TransportError("download", err)
		var entry types.DownloadQueueEntry
		c.do(c.ctx, func() {
			c.failDownload(d, terr)
			entry = *d.snapshot()
			settle(&d.ready, &d.settled)
		})
		return entry, terr
	}

	var entry types.DownloadQueueEntry
	err = c.do(c.ctx, func() {
		if prev, ok := c.descriptors[descriptor]; ok && prev != id {
			c.logger.Warn("Transport reused a descriptor",
				zap.String("descriptor", string(descriptor)),
				zap.String("previous_content_id", string(prev)),
				zap.String("content_id", string(id)))
			if other, ok := c.downloads[prev]; ok && other.entry.Descriptor == descriptor {
				other.entry.Descriptor = ""
			}
		}
		delete(c.retired, descriptor)

		d.entry.Status = types.DownloadDownloading
		d.entry.Descriptor = descriptor
		c.descriptors[descriptor] = id
		if len(c.held[descriptor]) > 0 {
			c.ready = append(c.ready, descriptor)
			c.signal()
		}

		entry = *d.snapshot()
		c.out.push(events.DownloadStarted, events.Event{ContentID: id, Download: d.snapshot()})
		settle(&d.ready, &d.settled)
	})
	if err != nil {
		return types.DownloadQueueEntry{}, err
	}

	c.logger.Info("Download started",
		zap.String("content_id", string(id)),
		zap.String("descriptor", string(descriptor)))
	return entry, nil
}

func (d *download) snapshot() *types.DownloadQueueEntry {
	entry := d.entry
	entry.Metadata = d.entry.Metadata.Clone()
	return &entry
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// failDownload runs on the loop.
func (c *Coordinator) failDownload(d *download, err error) {
	d.entry.Status = types.DownloadFailed
	d.entry.Error = err.Error()
	d.entry.CompletedAt = c.now()
	c.failed++
	c.metrics.DownloadsFailed.Inc()

	c.logger.Warn("Download failed",
		zap.String("content_id", string(d.entry.ContentID)),
		zap.Error(err))
	c.out.push(events.DownloadFailed, events.Event{ContentID: d.entry.ContentID, Download: d.snapshot(), Err: err})
}

// completeDownload runs on the loop.
func (c *Coordinator) completeDownload(d *download, bytes int64) {
	d.entry.Status = types.DownloadCompleted
	d.entry.Progress = 1
	d.entry.CompletedAt = c.now()
	c.completed++
	c.totalDownloaded += bytes
	c.metrics.DownloadsCompleted.Inc()
	c.metrics.BytesDownloaded.Add(float64(bytes))

	c.logger.Info("Download completed",
		zap.String("content_id", string(d.entry.ContentID)),
		zap.Int64("bytes", bytes))
	c.out.push(events.DownloadCompleted, events.Event{ContentID: d.entry.ContentID, Download: d.snapshot()})
}

// RemoveFromQueue drops a completed or failed entry so the content can be
// downloaded again. Entries still in flight are kept.
func (c *Coordinator) RemoveFromQueue(id types.ContentID) bool {
	removed := false
	c.do(c.ctx, func() {
		d, ok := c.downloads[id]
		if !ok {
			return
		}
		if d.entry.Status != types.DownloadCompleted && d.entry.Status != types.DownloadFailed {
			return
		}
		if desc := d.entry.Descriptor; desc != "" {
			delete(c.descriptors, desc)
			c.retired[desc] = struct{}{}
		}
		delete(c.downloads, id)
		c.metrics.DownloadQueueSize.Set(float64(len(c.downloads)))
		removed = true
	})
	return removed
}

// GetDownloadQueue lists queue entries in the order they were queued.
func (c *Coordinator) GetDownloadQueue() []types.DownloadQueueEntry {
	var queue []types.DownloadQueueEntry
	c.do(c.ctx, func() {
		queue = make([]types.DownloadQueueEntry, 0, len(c.downloads))
		for _, d := range c.downloads {
			queue = append(queue, *d.snapshot())
		}
	})
	sort.Slice(queue, func(i, j int) bool {
		if !queue[i].StartedAt.Equal(queue[j].StartedAt) {
			return queue[i].StartedAt.Before(queue[j].StartedAt)
		}
		return queue[i].ContentID < queue[j].ContentID
	})
	return queue
}

// pump feeds transport events through the loop. Events for descriptors the
// loop has not assigned yet are held there and replayed, in arrival order,
// once DownloadContent records the descriptor.
func (c *Coordinator) pump() {
	defer c.wg.Done()

	incoming := c.transport.Events()
	for {
		select {
		case ev, ok := <-incoming:
			if !ok {
				c.logger.Info("Transport event stream closed")
				incoming = nil
				continue
			}
			c.dispatch(&ev)
		case <-c.wake:
			c.dispatch(nil)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) dispatch(ev *Event) {
	var batch []resolved
	if err := c.do(c.ctx, func() { batch = c.collect(ev) }); err != nil {
		return
	}
	for _, r := range batch {
		c.handle(r)
	}
}

// collect runs on the loop. Held events for newly assigned descriptors come
// first so they keep their place ahead of anything that arrived later.
func (c *Coordinator) collect(ev *Event) []resolved {
	var batch []resolved
	for _, desc := range c.ready {
		id, ok := c.descriptors[desc]
		if !ok {
			continue
		}
		for _, held := range c.held[desc] {
			batch = append(batch, c.resolve(held, id))
		}
		delete(c.held, desc)
	}
	c.ready = nil

	if ev == nil {
		return batch
	}
	if _, ok := c.retired[ev.Descriptor]; ok {
		c.logger.Debug("Dropping event for retired descriptor", zap.String("descriptor", string(ev.Descriptor)))
		return batch
	}
	id, ok := c.descriptors[ev.Descriptor]
	if !ok {
		c.logger.Debug("Holding event for unassigned descriptor",
			zap.String("descriptor", string(ev.Descriptor)),
			zap.String("kind", string(ev.Kind)))
		c.held[ev.Descriptor] = append(c.held[ev.Descriptor], *ev)
		return batch
	}
	return append(batch, c.resolve(*ev, id))
}

func (c *Coordinator) resolve(ev Event, id types.ContentID) resolved {
	var metadata types.Metadata
	if d, ok := c.downloads[id]; ok {
		metadata = d.entry.Metadata.Clone()
	}
	for k, v := range ev.Metadata {
		if metadata == nil {
			metadata = make(types.Metadata, len(ev.Metadata))
		}
		metadata[k] = v
	}
	return resolved{event: ev, id: id, metadata: metadata}
}

// inFlight runs on the loop and returns the entry for id only while it is
// downloading; events for finished entries are ignored.
func (c *Coordinator) inFlight(id types.ContentID) *download {
	d, ok := c.downloads[id]
	if !ok || d.entry.Status != types.DownloadDownloading {
		c.logger.Debug("Ignoring event for inactive download", zap.String("content_id", string(id)))
		return nil
	}
	return d
}

func (c *Coordinator) handle(r resolved) {
	switch r.event.Kind {
	case EventProgress:
		c.do(c.ctx, func() {
			d := c.inFlight(r.id)
			if d == nil {
				return
			}
			d.entry.Progress = min(max(r.event.Progress, 0), 1)
			c.out.push(events.DownloadProgress, events.Event{ContentID: r.id, Download: d.snapshot()})
		})

	case EventFailed:
		cause := r.event.Err
		if cause == nil {
			cause = errors.New("transport reported failure")
		}
		c.do(c.ctx, func() {
			if d := c.inFlight(r.id); d != nil {
				c.failDownload(d, types.TransportError("download", cause))
			}
		})

	case EventCompleted:
		// Late completions for entries that already failed or were removed
		// must not reach the sink.
		live := false
		c.do(c.ctx, func() { live = c.inFlight(r.id) != nil })
		if !live {
			return
		}
		err := c.accept(r)
		bytes := r.event.Bytes
		if bytes == 0 {
			bytes = int64(len(r.event.Payload))
		}
		c.do(c.ctx, func() {
			d := c.inFlight(r.id)
			if d == nil {
				return
			}
			if err != nil {
				c.failDownload(d, err)
				return
			}
			c.completeDownload(d, bytes)
		})

	default:
		c.logger.Warn("Unknown transport event",
			zap.String("kind", string(r.event.Kind)),
			zap.String("content_id", string(r.id)))
	}
}

// accept vets a completed download and hands its payload to the sink.
func (c *Coordinator) accept(r resolved) error {
	if c.verifier != nil && !c.verifier.VerifyMetadata(r.metadata) {
		return types.VerificationError("metadata of %s rejected", r.id)
	}
	if r.event.Payload == nil {
		return nil
	}
	if !c.hasher.Verify(r.event.Payload, r.id) {
		return types.VerificationError("payload does not hash to %s", r.id)
	}
	if c.sink == nil {
		return nil
	}

	// The store derives the id from the verified payload.
	metadata := r.metadata.Clone()
	delete(metadata, "id")
	if _, err := c.sink.StoreContent(c.ctx, r.event.Payload, metadata); err != nil {
		return fmt.Errorf("failed to store download %s: %w", r.id, err)
	}
	return nil
}

// StreamContent opens a stream for id, or returns the session already open
// for it. Concurrent callers for the same id share one transport request.
func (c *Coordinator) StreamContent(ctx context.Context, id types.ContentID) (types.StreamingSession, error) {
	if id == "" {
		return types.StreamingSession{}, types.InputError("empty content id")
	}

	var (
		s       *stream
		created bool
	)
	err := c.do(ctx, func() {
		if existing, ok := c.streams[id]; ok {
			s = existing
			return
		}
		s = &stream{ready: make(chan struct{})}
		c.streams[id] = s
		created = true
	})
	if err != nil {
		return types.StreamingSession{}, err
	}

	if !created {
		select {
		case <-s.ready:
		case <-ctx.Done():
			return types.StreamingSession{}, ctx.Err()
		}
		if s.err != nil {
			return types.StreamingSession{}, s.err
		}
		return s.session, nil
	}

	start := time.Now()
	handle, err := c.transport.Stream(ctx, id)
	c.observe("stream", start)
	if err != nil {
		terr := types.TransportError("stream", err)
		c.metrics.StreamFailures.Inc()
		c.logger.Warn("Stream request failed", zap.String("content_id", string(id)), zap.Error(err))
		c.do(c.ctx, func() {
			delete(c.streams, id)
			s.err = terr
			settle(&s.ready, &s.settled)
		})
		return types.StreamingSession{}, terr
	}

	err = c.do(c.ctx, func() {
		s.session = types.StreamingSession{
			ContentID:  id,
			Status:     types.StreamStreaming,
			Resource:   handle.Resource,
			Descriptor: handle.Descriptor,
			StartedAt:  c.now(),
		}
		s.open = true
		c.activeStreams++
		c.metrics.ActiveStreams.Inc()

		session := s.session
		c.out.push(events.StreamStarted, events.Event{ContentID: id, Session: &session})
		settle(&s.ready, &s.settled)
	})
	if err != nil {
		c.revoke(id, handle.Resource)
		return types.StreamingSession{}, err
	}

	c.logger.Info("Stream started",
		zap.String("content_id", string(id)),
		zap.String("descriptor", string(handle.Descriptor)))
	return s.session, nil
}

// StopStreaming revokes and removes the session for id. It reports false
// when no session is open.
func (c *Coordinator) StopStreaming(id types.ContentID) bool {
	stopped := false
	c.do(c.ctx, func() {
		s, ok := c.streams[id]
		if !ok || !s.open {
			return
		}
		c.revoke(id, s.session.Resource)
		delete(c.streams, id)
		c.activeStreams--
		c.metrics.ActiveStreams.Dec()

		session := s.session
		session.Status = types.StreamStopped
		c.out.push(events.StreamStopped, events.Event{ContentID: id, Session: &session})
		stopped = true
	})
	if stopped {
		c.logger.Info("Stream stopped", zap.String("content_id", string(id)))
	}
	return stopped
}

func (c *Coordinator) revoke(id types.ContentID, resource types.Resource) {
	r, ok := resource.(types.Revoker)
	if !ok {
		return
	}
	if err := r.Revoke(); err != nil {
		c.logger.Warn("Failed to revoke stream resource",
			zap.String("content_id", string(id)),
			zap.Error(err))
	}
}

// GetStreamingSessions lists open sessions, oldest first.
func (c *Coordinator) GetStreamingSessions() []types.StreamingSession {
	var sessions []types.StreamingSession
	c.do(c.ctx, func() {
		sessions = make([]types.StreamingSession, 0, len(c.streams))
		for _, s := range c.streams {
			if s.open {
				sessions = append(sessions, s.session)
			}
		}
	})
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.Before(sessions[j].StartedAt)
		}
		return sessions[i].ContentID < sessions[j].ContentID
	})
	return sessions
}

// GetMetrics reports cumulative counters. SuccessRate is the share of
// finished downloads that completed, zero before any has finished.
func (c *Coordinator) GetMetrics() types.Metrics {
	var m types.Metrics
	c.do(c.ctx, func() {
		m = types.Metrics{
			TotalShared:     c.totalShared,
			TotalDownloaded: c.totalDownloaded,
			ActiveStreams:   c.activeStreams,
		}
		if finished := c.completed + c.failed; finished > 0 {
			m.SuccessRate = float64(c.completed) / float64(finished)
		}
	})
	return m
}
