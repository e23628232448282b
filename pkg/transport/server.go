package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"mediashare/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ContentStore is the part of the local store a server exposes to peers.
type ContentStore interface {
	StoreContent(ctx context.Context, payload []byte, metadata types.Metadata) (*types.ContentRecord, error)
	GetContent(ctx context.Context, id types.ContentID) (*types.ContentRecord, error)
	SearchContent(ctx context.Context, query string) []types.ContentRecord
}

// Protocol is the name this transport reports in availability records.
const Protocol = "grpc"

// Server serves a content store to peers.
type Server struct {
	store   ContentStore
	address string
	logger  *zap.Logger

	server   *grpc.Server
	listener net.Listener

	// Open stream sessions by descriptor.
	sessions     map[types.Descriptor]types.ContentID
	sessionMutex sync.RWMutex

	wg sync.WaitGroup
}

func NewServer(store ContentStore, address string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    store,
		address:  address,
		logger:   logger,
		sessions: make(map[types.Descriptor]types.ContentID),
	}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener

	s.server = grpc.NewServer(grpc.MaxRecvMsgSize(MaxMessageSize))
	RegisterTransportServer(s.server, s)

	s.logger.Info("Transport server starting", zap.String("address", listener.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("Transport server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound listen address, useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
	s.wg.Wait()
}

func (s *Server) Share(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	payload, err := bytesField(in, "payload")
	if err != nil {
		return nil, toStatus(err)
	}
	record, err := s.store.StoreContent(ctx, payload, metadataField(in, "metadata"))
	if err != nil {
		s.logger.Warn("Peer share rejected", zap.Error(err))
		return nil, toStatus(err)
	}

	s.logger.Info("Content received from peer",
		zap.String("content_id", string(record.ID)),
		zap.Int64("size", record.Size))

	return newStruct(map[string]any{
		"content_id": string(record.ID),
		"descriptor": uuid.NewString(),
		"protocols":  []string{Protocol},
	})
}

// Fetch streams the payload of the requested content in StreamChunkSize
// pieces. The first message also carries the metadata.
func (s *Server) Fetch(in *structpb.Struct, stream grpc.ServerStream) error {
	id := types.ContentID(stringField(in, "content_id"))
	if id == "" {
		return status.Error(codes.InvalidArgument, "content_id is required")
	}
	record, err := s.store.GetContent(stream.Context(), id)
	if err != nil {
		return toStatus(err)
	}

	total := len(record.Payload)
	offset := 0
	for first := true; first || offset < total; first = false {
		end := min(offset+StreamChunkSize, total)
		fields := map[string]any{
			"data":   record.Payload[offset:end],
			"offset": offset,
			"total":  total,
		}
		if first {
			fields["metadata"] = map[string]any(record.Metadata)
		}
		msg, err := newStruct(fields)
		if err != nil {
			return toStatus(err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return fmt.Errorf("failed to send chunk at offset %d: %w", offset, err)
		}
		offset = end
	}

	s.logger.Debug("Content served to peer",
		zap.String("content_id", string(id)),
		zap.Int("size", total))
	return nil
}

func (s *Server) OpenStream(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := types.ContentID(stringField(in, "content_id"))
	if _, err := s.store.GetContent(ctx, id); err != nil {
		return nil, toStatus(err)
	}

	descriptor := types.Descriptor(uuid.NewString())
	s.sessionMutex.Lock()
	s.sessions[descriptor] = id
	s.sessionMutex.Unlock()

	s.logger.Info("Stream opened",
		zap.String("content_id", string(id)),
		zap.String("descriptor", string(descriptor)))

	return newStruct(map[string]any{
		"descriptor": string(descriptor),
		"url":        fmt.Sprintf("mediashare://%s/stream/%s?session=%s", s.Addr(), id, descriptor),
	})
}

func (s *Server) CloseStream(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	descriptor := types.Descriptor(stringField(in, "descriptor"))

	s.sessionMutex.Lock()
	_, ok := s.sessions[descriptor]
	delete(s.sessions, descriptor)
	s.sessionMutex.Unlock()

	if ok {
		s.logger.Info("Stream closed", zap.String("descriptor", string(descriptor)))
	}
	return newStruct(map[string]any{"closed": ok})
}

// OpenStreams returns the number of stream sessions peers hold open.
func (s *Server) OpenStreams() int {
	s.sessionMutex.RLock()
	defer s.sessionMutex.RUnlock()
	return len(s.sessions)
}

func (s *Server) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	records := s.store.SearchContent(ctx, stringField(in, "query"))
	results := make([]any, 0, len(records))
	for _, r := range records {
		results = append(results, recordToMap(r))
	}
	return newStruct(map[string]any{"results": results})
}
