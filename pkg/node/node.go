// Package node composes the content store, distribution coordinator,
// search aggregator and peer transport into one explicitly started
// service.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mediashare/pkg/config"
	"mediashare/pkg/distribution"
	"mediashare/pkg/events"
	"mediashare/pkg/fuse"
	"mediashare/pkg/hashing"
	"mediashare/pkg/merkle"
	"mediashare/pkg/search"
	"mediashare/pkg/storage"
	"mediashare/pkg/store"
	"mediashare/pkg/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// ErrNotInitialized is returned by operations called before Init or after
// Shutdown.
var ErrNotInitialized = errors.New("node is not initialized")

type Option func(*Node)

// WithVerifier installs a metadata verifier for downloads and search.
func WithVerifier(v distribution.SecurityVerifier) Option {
	return func(n *Node) { n.verifier = v }
}

// WithRegistry registers metrics on r instead of a private registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(n *Node) { n.registry = r }
}

type Node struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *events.EventBus
	registry *prometheus.Registry
	metrics  *distribution.Metrics
	verifier distribution.SecurityVerifier

	mu          sync.RWMutex
	initialized bool
	startedAt   time.Time

	hasher      *hashing.Hasher
	merkle      *merkle.Builder
	store       *store.Store
	coordinator *distribution.Coordinator
	aggregator  *search.Aggregator
	server      *transport.Server
	peers       []*transport.Client
	httpServer  *http.Server
	mount       *fuse.Mount
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		cfg:    cfg,
		logger: logger,
		bus:    events.NewEventBus(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.registry == nil {
		n.registry = prometheus.NewRegistry()
		n.registry.MustRegister(collectors.NewGoCollector())
	}
	// Registered once; a node may be initialized again after Shutdown.
	n.metrics = distribution.NewMetrics(n.registry)
	return n
}

// Bus is the node's event bus. Subscriptions made before Init see every
// event.
func (n *Node) Bus() *events.EventBus {
	return n.bus
}

func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Init opens the store, dials peers and starts serving. On failure every
// component started so far is shut down again.
func (n *Node) Init(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.initialized {
		return nil
	}
	if err := n.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	defer func() {
		if err != nil {
			n.teardown(ctx)
		}
	}()

	n.hasher, err = hashing.New(hashing.Algorithm(n.cfg.HashAlgorithm))
	if err != nil {
		return err
	}
	n.merkle = merkle.NewBuilder(n.hasher)

	compression, err := storage.ParseCompression(n.cfg.Compression)
	if err != nil {
		return err
	}

	n.store, err = store.Open(store.Options{
		Path:       n.cfg.DatabasePath(),
		BlobDir:    n.cfg.BlobDir(),
		MaxStorage: n.cfg.MaxStorage.Bytes(),
		Hasher:     n.hasher,
		Chunks:     storage.NewChunkManagerWithOptions(int(n.cfg.ChunkSize.Bytes()), compression),
		Logger:     n.logger.Named("store"),
		Bus:        n.bus,
	})
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}

	for _, address := range n.cfg.Peers {
		client, err := transport.Dial(address, n.logger.Named("peer"))
		if err != nil {
			return err
		}
		n.peers = append(n.peers, client)
	}

	var carrier distribution.Transport = offlineTransport{}
	if len(n.peers) > 0 {
		carrier = n.peers[0]
	}
	n.coordinator = distribution.New(carrier, distribution.Config{
		Logger:   n.logger.Named("distribution"),
		Bus:      n.bus,
		Metrics:  n.metrics,
		Hasher:   n.hasher,
		Verifier: n.verifier,
		Sink:     n.store,
	})
	n.coordinator.Start()

	var network search.NetworkContentIndex
	if len(n.peers) > 0 {
		network = newPeerIndex(n.peers, n.logger.Named("search"))
	}
	var verifier search.Verifier
	if n.verifier != nil {
		verifier = n.verifier
	}
	n.aggregator = search.NewAggregator(n.store, network, verifier, n.logger.Named("search"))

	if n.cfg.ListenAddress != "" {
		n.server = transport.NewServer(n.store, n.cfg.ListenAddress, n.logger.Named("transport"))
		if err := n.server.Start(); err != nil {
			n.server = nil
			return err
		}
	}

	if n.cfg.MetricsAddress != "" {
		n.httpServer, err = startHealthServer(n.cfg.MetricsAddress, n, n.logger.Named("health"))
		if err != nil {
			return err
		}
	}

	if n.cfg.MountPoint != "" {
		n.mount, err = fuse.MountStore(n.store, n.cfg.MountPoint, n.logger.Named("fuse"))
		if err != nil {
			return err
		}
	}

	n.initialized = true
	n.startedAt = time.Now()
	n.logger.Info("Node initialized",
		zap.String("data_dir", n.cfg.DataDir),
		zap.String("listen_address", n.listenAddress()),
		zap.Int("peers", len(n.peers)),
		zap.String("hash", string(n.hasher.Algorithm())))
	return nil
}

// Shutdown stops every component in reverse start order. It is safe to call
// more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return nil
	}
	n.initialized = false
	err := n.teardown(ctx)
	n.logger.Info("Node shut down")
	return err
}

func (n *Node) teardown(ctx context.Context) error {
	var errs []error

	if n.mount != nil {
		if err := n.mount.Unmount(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmount: %w", err))
		}
		n.mount = nil
	}
	if n.httpServer != nil {
		if err := n.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop health server: %w", err))
		}
		n.httpServer = nil
	}
	if n.server != nil {
		n.server.Stop()
		n.server = nil
	}
	if n.coordinator != nil {
		n.coordinator.Stop()
		n.coordinator = nil
	}
	for _, peer := range n.peers {
		if err := peer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close peer connection: %w", err))
		}
	}
	n.peers = nil
	n.aggregator = nil
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close content store: %w", err))
		}
		n.store = nil
	}
	return errors.Join(errs...)
}

// ListenAddress is the bound peer address, or empty when not serving.
func (n *Node) ListenAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.listenAddress()
}

func (n *Node) listenAddress() string {
	if n.server == nil {
		return ""
	}
	return n.server.Addr()
}

// Peers lists the configured peer addresses.
func (n *Node) Peers() []string {
	return append([]string(nil), n.cfg.Peers...)
}

func (n *Node) Initialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.initialized
}
