package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediashare/pkg/events"
	"mediashare/pkg/hashing"
	"mediashare/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResource struct {
	url     string
	revoked atomic.Int32
}

func (r *fakeResource) URL() string { return r.url }

func (r *fakeResource) Revoke() error {
	r.revoked.Add(1)
	return nil
}

type fakeTransport struct {
	events chan Event

	mu          sync.Mutex
	protocols   []string
	shareErr    error
	downloadErr error
	streamErr   error
	// gate, when set, blocks Download and Stream until closed.
	gate chan struct{}
	// beforeReturn runs inside Download after the descriptor is chosen.
	beforeReturn func(desc types.Descriptor)

	downloadCalls atomic.Int32
	streamCalls   atomic.Int32
	resources     []*fakeResource
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:    make(chan Event, 32),
		protocols: []string{"grpc", "webrtc"},
	}
}

func (f *fakeTransport) Share(ctx context.Context, payload []byte, metadata types.Metadata) (ShareReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shareErr != nil {
		return ShareReceipt{}, f.shareErr
	}
	return ShareReceipt{
		ContentID:  hashing.Default().HashBytes(payload),
		Descriptor: "share-desc",
		Protocols:  f.protocols,
	}, nil
}

func (f *fakeTransport) Download(ctx context.Context, id types.ContentID, opts DownloadOptions) (types.Descriptor, error) {
	f.downloadCalls.Add(1)
	f.mu.Lock()
	gate, err, hook := f.gate, f.downloadErr, f.beforeReturn
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	desc := types.Descriptor("desc-" + string(id))
	if hook != nil {
		hook(desc)
	}
	return desc, nil
}

func (f *fakeTransport) Stream(ctx context.Context, id types.ContentID) (StreamHandle, error) {
	f.streamCalls.Add(1)
	f.mu.Lock()
	gate, err := f.gate, f.streamErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return StreamHandle{}, err
	}
	res := &fakeResource{url: "stream://" + string(id)}
	f.mu.Lock()
	f.resources = append(f.resources, res)
	f.mu.Unlock()
	return StreamHandle{Resource: res, Descriptor: types.Descriptor("stream-" + string(id))}, nil
}

func (f *fakeTransport) Events() <-chan Event {
	return f.events
}

type fakeSink struct {
	mu     sync.Mutex
	stored map[types.ContentID][]byte
	err    error
}

func (s *fakeSink) StoreContent(ctx context.Context, payload []byte, metadata types.Metadata) (*types.ContentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.stored == nil {
		s.stored = make(map[types.ContentID][]byte)
	}
	id := hashing.Default().HashBytes(payload)
	s.stored[id] = payload
	return &types.ContentRecord{ID: id, Payload: payload, Metadata: metadata, Size: int64(len(payload))}, nil
}

func (s *fakeSink) get(id types.ContentID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.stored[id]
	return p, ok
}

type verifierFunc func(types.Metadata) bool

func (f verifierFunc) VerifyMetadata(m types.Metadata) bool { return f(m) }

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) handle(name string, _ events.Event) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

func (r *recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func setupTestCoordinator(t *testing.T, transport Transport, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	c := New(transport, cfg)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func waitForStatus(t *testing.T, c *Coordinator, id types.ContentID, status types.DownloadStatus) types.DownloadQueueEntry {
	t.Helper()
	var entry types.DownloadQueueEntry
	require.Eventually(t, func() bool {
		for _, e := range c.GetDownloadQueue() {
			if e.ContentID == id && e.Status == status {
				entry = e
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return entry
}

func TestShareContent(t *testing.T) {
	transport := newFakeTransport()
	metrics := NewMetrics(prometheus.NewRegistry())
	c := setupTestCoordinator(t, transport, Config{Metrics: metrics})
	ctx := context.Background()

	payload := []byte("a shared clip")
	record, err := c.ShareContent(ctx, payload, types.Metadata{"title": "Clip"})
	require.NoError(t, err)

	id := hashing.Default().HashBytes(payload)
	assert.Equal(t, id, record.ContentID)
	assert.Equal(t, 1.0, record.Availability)
	assert.Equal(t, []string{"grpc", "webrtc"}, record.Protocols)

	got, ok := c.GetContentAvailability(id)
	require.True(t, ok)
	assert.Equal(t, record, got)

	_, ok = c.GetContentAvailability("unknown")
	assert.False(t, ok)

	assert.Equal(t, int64(len(payload)), c.GetMetrics().TotalShared)
	assert.Equal(t, float64(len(payload)), testutil.ToFloat64(metrics.BytesShared))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SharesTotal))
}

func TestShareContentTransportFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.shareErr = errors.New("no peers")
	metrics := NewMetrics(prometheus.NewRegistry())
	c := setupTestCoordinator(t, transport, Config{Metrics: metrics})

	_, err := c.ShareContent(context.Background(), []byte("x"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTransport))
	assert.Contains(t, err.Error(), "no peers")

	assert.Equal(t, int64(0), c.GetMetrics().TotalShared)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ShareFailures))
}

func TestDownloadContentDeduplicates(t *testing.T) {
	transport := newFakeTransport()
	gate := make(chan struct{})
	transport.gate = gate
	c := setupTestCoordinator(t, transport, Config{})
	ctx := context.Background()

	const callers = 5
	entries := make([]types.DownloadQueueEntry, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		entries[0], errs[0] = c.DownloadContent(ctx, "movie", types.Metadata{"title": "Movie"})
	}()
	require.Eventually(t, func() bool { return transport.downloadCalls.Load() == 1 }, time.Second, time.Millisecond)

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = c.DownloadContent(ctx, "movie", nil)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, entries[0], entries[i])
	}
	assert.Equal(t, types.DownloadDownloading, entries[0].Status)
	assert.Equal(t, types.Descriptor("desc-movie"), entries[0].Descriptor)
	assert.Equal(t, "Movie", entries[0].Metadata.String("title"))
	assert.Equal(t, int32(1), transport.downloadCalls.Load())
	assert.Len(t, c.GetDownloadQueue(), 1)
}

func TestDownloadTransportFailureStaysQueued(t *testing.T) {
	transport := newFakeTransport()
	transport.downloadErr = errors.New("peer unreachable")
	c := setupTestCoordinator(t, transport, Config{})
	ctx := context.Background()

	entry, err := c.DownloadContent(ctx, "song", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTransport))
	assert.Equal(t, types.DownloadFailed, entry.Status)
	assert.Contains(t, entry.Error, "peer unreachable")

	queue := c.GetDownloadQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, types.DownloadFailed, queue[0].Status)

	again, err := c.DownloadContent(ctx, "song", nil)
	require.NoError(t, err, "existing entry is returned unchanged")
	assert.Equal(t, types.DownloadFailed, again.Status)
	assert.Equal(t, int32(1), transport.downloadCalls.Load())

	assert.Equal(t, 0.0, c.GetMetrics().SuccessRate)

	transport.mu.Lock()
	transport.downloadErr = nil
	transport.mu.Unlock()

	assert.True(t, c.RemoveFromQueue("song"))
	assert.False(t, c.RemoveFromQueue("song"))

	retry, err := c.DownloadContent(ctx, "song", nil)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadDownloading, retry.Status)
	assert.Equal(t, int32(2), transport.downloadCalls.Load())
	assert.False(t, c.RemoveFromQueue("song"), "in-flight entries are kept")
}

func TestDownloadCompletesWithVerifiedPayload(t *testing.T) {
	transport := newFakeTransport()
	sink := &fakeSink{}
	metrics := NewMetrics(prometheus.NewRegistry())
	c := setupTestCoordinator(t, transport, Config{Sink: sink, Metrics: metrics})
	ctx := context.Background()

	payload := []byte("hello")
	id := hashing.Default().HashBytes(payload)

	entry, err := c.DownloadContent(ctx, id, types.Metadata{"title": "Greeting"})
	require.NoError(t, err)

	transport.events <- Event{Descriptor: entry.Descriptor, Kind: EventProgress, Progress: 0.5}
	transport.events <- Event{Descriptor: entry.Descriptor, Kind: EventCompleted, Payload: payload}

	done := waitForStatus(t, c, id, types.DownloadCompleted)
	assert.Equal(t, 1.0, done.Progress)
	assert.False(t, done.CompletedAt.IsZero())

	stored, ok := sink.get(id)
	require.True(t, ok)
	assert.Equal(t, payload, stored)

	m := c.GetMetrics()
	assert.Equal(t, int64(len(payload)), m.TotalDownloaded)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DownloadsCompleted))
	assert.Equal(t, float64(len(payload)), testutil.ToFloat64(metrics.BytesDownloaded))
}

func TestDownloadRejectsMismatchedPayload(t *testing.T) {
	transport := newFakeTransport()
	sink := &fakeSink{}
	c := setupTestCoordinator(t, transport, Config{Sink: sink})
	ctx := context.Background()

	id := hashing.Default().HashBytes([]byte("expected"))
	entry, err := c.DownloadContent(ctx, id, nil)
	require.NoError(t, err)

	transport.events <- Event{Descriptor: entry.Descriptor, Kind: EventCompleted, Payload: []byte("tampered")}

	failed := waitForStatus(t, c, id, types.DownloadFailed)
	assert.Contains(t, failed.Error, types.ErrVerification.Error())
	_, ok := sink.get(id)
	assert.False(t, ok)
	assert.Equal(t, 0.0, c.GetMetrics().SuccessRate)
}

func TestDownloadRejectedBySecurityVerifier(t *testing.T) {
	transport := newFakeTransport()
	sink := &fakeSink{}
	verifier := verifierFunc(func(m types.Metadata) bool { return m.String("signature") == "valid" })
	c := setupTestCoordinator(t, transport, Config{Sink: sink, Verifier: verifier})
	ctx := context.Background()

	good := []byte("trusted")
	bad := []byte("untrusted")
	goodID := hashing.Default().HashBytes(good)
	badID := hashing.Default().HashBytes(bad)

	goodEntry, err := c.DownloadContent(ctx, goodID, types.Metadata{"signature": "valid"})
	require.NoError(t, err)
	badEntry, err := c.DownloadContent(ctx, badID, nil)
	require.NoError(t, err)

	transport.events <- Event{Descriptor: goodEntry.Descriptor, Kind: EventCompleted, Payload: good}
	transport.events <- Event{Descriptor: badEntry.Descriptor, Kind: EventCompleted, Payload: bad,
		Metadata: types.Metadata{"signature": "forged"}}

	waitForStatus(t, c, goodID, types.DownloadCompleted)
	waitForStatus(t, c, badID, types.DownloadFailed)

	_, ok := sink.get(goodID)
	assert.True(t, ok)
	_, ok = sink.get(badID)
	assert.False(t, ok)
	assert.Equal(t, 0.5, c.GetMetrics().SuccessRate)
}

func TestTransportFailureEvent(t *testing.T) {
	transport := newFakeTransport()
	c := setupTestCoordinator(t, transport, Config{})

	entry, err := c.DownloadContent(context.Background(), "clip", nil)
	require.NoError(t, err)

	transport.events <- Event{Descriptor: entry.Descriptor, Kind: EventFailed, Err: errors.New("connection reset")}

	failed := waitForStatus(t, c, "clip", types.DownloadFailed)
	assert.Contains(t, failed.Error, "connection reset")

	// Events after a terminal state change nothing.
	transport.events <- Event{Descriptor: entry.Descriptor, Kind: EventCompleted}
	time.Sleep(20 * time.Millisecond)
	waitForStatus(t, c, "clip", types.DownloadFailed)
}

func TestLateCompletionAfterFailureIsNotStored(t *testing.T) {
	transport := newFakeTransport()
	sink := &fakeSink{}
	c := setupTestCoordinator(t, transport, Config{Sink: sink})

	payload := []byte("late bytes")
	id := hashing.Default().HashBytes(payload)
	entry, err := c.DownloadContent(context.Background(), id, nil)
	require.NoError(t, err)

	transport.events <- Event{Descriptor: entry.Descriptor, Kind: EventFailed, Err: errors.New("peer went away")}
	waitForStatus(t, c, id, types.DownloadFailed)

	transport.events <- Event{Descriptor: entry.Descriptor, Kind: EventCompleted, Payload: payload}
	time.Sleep(20 * time.Millisecond)

	_, ok := sink.get(id)
	assert.False(t, ok)
	waitForStatus(t, c, id, types.DownloadFailed)
}

func TestOperationsBeforeStartFail(t *testing.T) {
	c := New(newFakeTransport(), Config{Logger: zap.NewNop()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.DownloadContent(ctx, "song", nil)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = c.StreamContent(ctx, "song")
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, c.StopStreaming("song"))
	assert.Empty(t, c.GetDownloadQueue())

	c.Start()
	defer c.Stop()
	_, err = c.DownloadContent(ctx, "song", nil)
	assert.NoError(t, err)
}

func TestEventsBeforeDescriptorAssignment(t *testing.T) {
	transport := newFakeTransport()
	bus := events.NewEventBus()
	rec := &recorder{}
	bus.Subscribe(events.Wildcard, rec.handle)

	payload := []byte("early bird")
	id := hashing.Default().HashBytes(payload)

	// The transport reports progress and completion before Download
	// returns the descriptor to the coordinator.
	transport.beforeReturn = func(desc types.Descriptor) {
		transport.events <- Event{Descriptor: desc, Kind: EventProgress, Progress: 0.3}
		transport.events <- Event{Descriptor: desc, Kind: EventCompleted, Payload: payload}
		time.Sleep(20 * time.Millisecond)
	}

	c := setupTestCoordinator(t, transport, Config{Bus: bus})
	_, err := c.DownloadContent(context.Background(), id, nil)
	require.NoError(t, err)

	waitForStatus(t, c, id, types.DownloadCompleted)
	require.Eventually(t, func() bool { return len(rec.Names()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		events.DownloadQueued,
		events.DownloadStarted,
		events.DownloadProgress,
		events.DownloadCompleted,
	}, rec.Names())
}

func TestStreamContentIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	metrics := NewMetrics(prometheus.NewRegistry())
	c := setupTestCoordinator(t, transport, Config{Metrics: metrics})
	ctx := context.Background()

	first, err := c.StreamContent(ctx, "film")
	require.NoError(t, err)
	second, err := c.StreamContent(ctx, "film")
	require.NoError(t, err)

	assert.Equal(t, types.StreamStreaming, first.Status)
	assert.Same(t, first.Resource, second.Resource)
	assert.Equal(t, int32(1), transport.streamCalls.Load())
	assert.Equal(t, int64(1), c.GetMetrics().ActiveStreams)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveStreams))
	assert.Len(t, c.GetStreamingSessions(), 1)

	assert.True(t, c.StopStreaming("film"))
	assert.False(t, c.StopStreaming("film"))

	res := first.Resource.(*fakeResource)
	assert.Equal(t, int32(1), res.revoked.Load())
	assert.Equal(t, int64(0), c.GetMetrics().ActiveStreams)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveStreams))
	assert.Empty(t, c.GetStreamingSessions())
}

func TestConcurrentStreamRequestsShareOneOpen(t *testing.T) {
	transport := newFakeTransport()
	gate := make(chan struct{})
	transport.gate = gate
	c := setupTestCoordinator(t, transport, Config{})
	ctx := context.Background()

	const callers = 4
	sessions := make([]types.StreamingSession, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.StreamContent(ctx, "live")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	require.Eventually(t, func() bool { return transport.streamCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, sessions[0].Resource, sessions[i].Resource)
	}
	assert.Equal(t, int32(1), transport.streamCalls.Load())
	assert.Equal(t, int64(1), c.GetMetrics().ActiveStreams)
}

func TestStreamContentFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.streamErr = errors.New("codec unsupported")
	metrics := NewMetrics(prometheus.NewRegistry())
	c := setupTestCoordinator(t, transport, Config{Metrics: metrics})
	ctx := context.Background()

	_, err := c.StreamContent(ctx, "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTransport))
	assert.Empty(t, c.GetStreamingSessions())
	assert.Equal(t, int64(0), c.GetMetrics().ActiveStreams)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamFailures))
	assert.False(t, c.StopStreaming("bad"))

	transport.mu.Lock()
	transport.streamErr = nil
	transport.mu.Unlock()

	_, err = c.StreamContent(ctx, "bad")
	require.NoError(t, err, "a failed request leaves no session behind")
	assert.Equal(t, int32(2), transport.streamCalls.Load())
}

func TestStopRevokesOpenStreams(t *testing.T) {
	transport := newFakeTransport()
	c := New(transport, Config{Logger: zap.NewNop()})
	c.Start()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.StreamContent(ctx, types.ContentID(fmt.Sprintf("s%d", i)))
		require.NoError(t, err)
	}
	c.Stop()
	c.Stop()

	for _, res := range transport.resources {
		assert.Equal(t, int32(1), res.revoked.Load())
	}

	_, err := c.DownloadContent(ctx, "late", nil)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = c.StreamContent(ctx, "late")
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, c.StopStreaming("s0"))
}

func TestEventsPublishedInOrder(t *testing.T) {
	transport := newFakeTransport()
	bus := events.NewEventBus()
	rec := &recorder{}
	bus.Subscribe(events.Wildcard, rec.handle)
	c := setupTestCoordinator(t, transport, Config{Bus: bus})
	ctx := context.Background()

	_, err := c.ShareContent(ctx, []byte("x"), nil)
	require.NoError(t, err)
	_, err = c.StreamContent(ctx, "v")
	require.NoError(t, err)
	require.True(t, c.StopStreaming("v"))

	require.Eventually(t, func() bool { return len(rec.Names()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{events.ContentShared, events.StreamStarted, events.StreamStopped}, rec.Names())
}

func TestSubscriberMayCallBackIntoCoordinator(t *testing.T) {
	transport := newFakeTransport()
	bus := events.NewEventBus()
	c := New(transport, Config{Logger: zap.NewNop(), Bus: bus})

	var seen atomic.Int64
	bus.Subscribe(events.StreamStarted, func(_ string, e events.Event) {
		seen.Store(c.GetMetrics().ActiveStreams)
	})
	c.Start()
	defer c.Stop()

	_, err := c.StreamContent(context.Background(), "v")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return seen.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInputValidation(t *testing.T) {
	c := setupTestCoordinator(t, newFakeTransport(), Config{})

	_, err := c.DownloadContent(context.Background(), "", nil)
	assert.ErrorIs(t, err, types.ErrInput)
	_, err = c.StreamContent(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrInput)
}
