package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"mediashare/pkg/distribution"
	"mediashare/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to one peer. It is a distribution.Transport and a
// search.NetworkContentIndex.
type Client struct {
	address string
	conn    *grpc.ClientConn
	logger  *zap.Logger
	retry   retryPolicy

	events chan distribution.Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Dial prepares a connection to the peer at address. The connection is
// established lazily and retried with backoff.
func Dial(address string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backoffConfig := backoff.Config{
		BaseDelay:  1 * time.Second,
		Multiplier: 1.5,
		Jitter:     0.2,
		MaxDelay:   30 * time.Second,
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(MaxMessageSize)),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: 5 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		address: address,
		conn:    conn,
		logger:  logger,
		retry:   defaultRetryPolicy,
		events:  make(chan distribution.Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Close cancels in-flight fetches, closes the event channel and the
// connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		close(c.events)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) Events() <-chan distribution.Event {
	return c.events
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := newStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// invokeIdempotent is invoke for calls that are safe to repeat.
func (c *Client) invokeIdempotent(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := newStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = c.retry.do(ctx, c.logger, method, func(ctx context.Context) error {
		out.Reset()
		return c.conn.Invoke(ctx, method, in, out)
	})
	if err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// Share uploads payload to the peer, which stores it.
func (c *Client) Share(ctx context.Context, payload []byte, metadata types.Metadata) (distribution.ShareReceipt, error) {
	out, err := c.invoke(ctx, shareMethod, map[string]any{
		"payload":  payload,
		"metadata": map[string]any(metadata),
	})
	if err != nil {
		return distribution.ShareReceipt{}, err
	}

	receipt := distribution.ShareReceipt{
		ContentID:  types.ContentID(stringField(out, "content_id")),
		Descriptor: types.Descriptor(stringField(out, "descriptor")),
	}
	for _, v := range out.GetFields()["protocols"].GetListValue().GetValues() {
		receipt.Protocols = append(receipt.Protocols, v.GetStringValue())
	}
	return receipt, nil
}

// Download starts fetching id in the background and returns the
// descriptor its events will carry.
func (c *Client) Download(ctx context.Context, id types.ContentID, opts distribution.DownloadOptions) (types.Descriptor, error) {
	if err := c.ctx.Err(); err != nil {
		return "", errors.New("client is closed")
	}
	descriptor := types.Descriptor(uuid.NewString())

	c.wg.Add(1)
	go c.fetch(descriptor, id)

	c.logger.Debug("Download requested",
		zap.String("peer", c.address),
		zap.String("content_id", string(id)),
		zap.String("descriptor", string(descriptor)))
	return descriptor, nil
}

func (c *Client) fetch(descriptor types.Descriptor, id types.ContentID) {
	defer c.wg.Done()

	fail := func(err error) {
		c.emit(distribution.Event{Descriptor: descriptor, Kind: distribution.EventFailed, Err: err})
	}

	in, err := newStruct(map[string]any{"content_id": string(id)})
	if err != nil {
		fail(err)
		return
	}
	stream, err := c.conn.NewStream(c.ctx, &serviceDesc.Streams[0], fetchMethod)
	if err != nil {
		fail(fromStatus(err))
		return
	}
	if err := stream.SendMsg(in); err != nil {
		fail(fromStatus(err))
		return
	}
	if err := stream.CloseSend(); err != nil {
		fail(fromStatus(err))
		return
	}

	var (
		buf      bytes.Buffer
		metadata types.Metadata
	)
	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(fromStatus(err))
			return
		}

		data, err := bytesField(msg, "data")
		if err != nil {
			fail(err)
			return
		}
		buf.Write(data)
		if md := metadataField(msg, "metadata"); md != nil {
			metadata = md
		}

		total := numberField(msg, "total")
		progress := 1.0
		if total > 0 {
			progress = float64(buf.Len()) / total
		}
		c.emit(distribution.Event{
			Descriptor: descriptor,
			Kind:       distribution.EventProgress,
			Progress:   progress,
			Bytes:      int64(buf.Len()),
		})
	}

	payload := buf.Bytes()
	if payload == nil {
		payload = []byte{}
	}
	c.emit(distribution.Event{
		Descriptor: descriptor,
		Kind:       distribution.EventCompleted,
		Progress:   1,
		Bytes:      int64(len(payload)),
		Payload:    payload,
		Metadata:   metadata,
	})
}

func (c *Client) emit(ev distribution.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// remoteStream is a stream session held open on the peer.
type remoteStream struct {
	client     *Client
	url        string
	descriptor types.Descriptor
}

func (r *remoteStream) URL() string { return r.url }

// Revoke closes the session on the peer.
func (r *remoteStream) Revoke() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.client.invokeIdempotent(ctx, closeStreamMethod, map[string]any{"descriptor": string(r.descriptor)})
	return err
}

func (c *Client) Stream(ctx context.Context, id types.ContentID) (distribution.StreamHandle, error) {
	out, err := c.invoke(ctx, openStreamMethod, map[string]any{"content_id": string(id)})
	if err != nil {
		return distribution.StreamHandle{}, err
	}
	descriptor := types.Descriptor(stringField(out, "descriptor"))
	return distribution.StreamHandle{
		Resource: &remoteStream{
			client:     c,
			url:        stringField(out, "url"),
			descriptor: descriptor,
		},
		Descriptor: descriptor,
	}, nil
}

// Search queries the peer's content index.
func (c *Client) Search(ctx context.Context, query string) ([]types.ContentRecord, error) {
	out, err := c.invokeIdempotent(ctx, searchMethod, map[string]any{"query": query})
	if err != nil {
		return nil, err
	}
	values := out.GetFields()["results"].GetListValue().GetValues()
	records := make([]types.ContentRecord, 0, len(values))
	for _, v := range values {
		if s := v.GetStructValue(); s != nil {
			records = append(records, recordFromStruct(s))
		}
	}
	return records, nil
}
