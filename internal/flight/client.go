// Package flight publishes KV cache snapshots to an Arrow Flight service.
package flight

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-phalanx/internal/kvcache"
	"github.com/23skdu/longbow-phalanx/internal/logger"
)

// DatasetKVCache is the first element of every descriptor path written by
// PutCache; the second is the cache id.
const DatasetKVCache = "kvcache"

// Client is a connection to a Flight server.
type Client struct {
	client flight.Client
	conn   *grpc.ClientConn
	addr   string
	alloc  memory.Allocator
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &Client{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
		addr:   addr,
		alloc:  memory.NewGoAllocator(),
	}, nil
}

// DoPut streams record under the descriptor path and waits for the server
// to acknowledge the upload.
func (c *Client) DoPut(ctx context.Context, path []string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight DoPut: %w", err)
	}

	w := flight.NewRecordWriter(stream)
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})
	if err := w.Write(record); err != nil {
		_ = w.Close()
		return fmt.Errorf("flight write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flight close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("flight DoPut: %w", err)
		}
	}
}

// PutCache uploads every tensor of cache as one record batch.
func (c *Client) PutCache(ctx context.Context, cache *kvcache.Cache) error {
	rec, err := cache.Record(c.alloc)
	if err != nil {
		return err
	}
	defer rec.Release()

	if err := c.DoPut(ctx, []string{DatasetKVCache, cache.ID.String()}, rec); err != nil {
		return err
	}
	logger.Log.Debug("kv cache published", "addr", c.addr, "cache", cache.ID.String(), "rows", rec.NumRows())
	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
