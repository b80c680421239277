package client

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/handler"
	"github.com/devrev/nvstore/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StoreClient talks to an nvsd daemon over gRPC. Errors come back as
// StorageErrors so callers can match them with errors.Is.
type StoreClient struct {
	addr   string
	conn   grpc.ClientConnInterface
	closer func() error
	logger *zap.Logger
}

// NewStoreClient connects to the daemon at addr
func NewStoreClient(addr string, logger *zap.Logger) (*StoreClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nvsd at %s: %w", addr, err)
	}
	c := NewStoreClientFromConn(conn, logger)
	c.addr = addr
	c.closer = conn.Close
	return c, nil
}

// NewStoreClientFromConn wraps an existing connection. Close leaves conn open.
func NewStoreClientFromConn(conn grpc.ClientConnInterface, logger *zap.Logger) *StoreClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreClient{
		conn:   conn,
		logger: logger,
	}
}

func (c *StoreClient) invoke(ctx context.Context, method string, in, out handler.Message) error {
	resp := handler.NewMessage(out)
	if err := c.conn.Invoke(ctx, "/"+handler.ServiceName+"/"+method, handler.EncodeMessage(in), resp); err != nil {
		return errors.FromGRPCError(err)
	}
	return handler.DecodeMessage(resp, out)
}

// Get returns the value stored under ns/key
func (c *StoreClient) Get(ctx context.Context, ns, key string) (model.Value, error) {
	var resp handler.GetResponse
	if err := c.invoke(ctx, "Get", &handler.GetRequest{Namespace: ns, Key: key}, &resp); err != nil {
		return model.Value{}, err
	}
	return resp.Value.ToModel()
}

// Set stores v under ns/key
func (c *StoreClient) Set(ctx context.Context, ns, key string, v model.Value) error {
	req := &handler.SetRequest{Namespace: ns, Key: key, Value: handler.FromModel(v)}
	return c.invoke(ctx, "Set", req, &handler.SetResponse{})
}

// Erase removes ns/key
func (c *StoreClient) Erase(ctx context.Context, ns, key string) error {
	return c.invoke(ctx, "Erase", &handler.EraseRequest{Namespace: ns, Key: key}, &handler.EraseResponse{})
}

// Exists reports whether ns/key is present
func (c *StoreClient) Exists(ctx context.Context, ns, key string) (bool, error) {
	var resp handler.ExistsResponse
	if err := c.invoke(ctx, "Exists", &handler.ExistsRequest{Namespace: ns, Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// List returns the live keys of ns, or of every namespace when ns is empty
func (c *StoreClient) List(ctx context.Context, ns string) ([]model.EntryInfo, error) {
	var resp handler.ListResponse
	if err := c.invoke(ctx, "List", &handler.ListRequest{Namespace: ns}, &resp); err != nil {
		return nil, err
	}
	out := make([]model.EntryInfo, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		t, _ := model.ParseValueType(e.Type)
		out = append(out, model.EntryInfo{Namespace: e.Namespace, Key: e.Key, Type: t, Size: e.Size})
	}
	return out, nil
}

// Stats returns slot and page usage of the remote store
func (c *StoreClient) Stats(ctx context.Context) (*handler.StatsResponse, error) {
	var resp handler.StatsResponse
	if err := c.invoke(ctx, "Stats", &handler.StatsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitReady polls the standard health service until the daemon reports
// SERVING or maxRetries attempts fail.
func (c *StoreClient) WaitReady(ctx context.Context, maxRetries int, retryInterval time.Duration) error {
	hc := healthpb.NewHealthClient(c.conn)
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: handler.ServiceName})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("store status %s", resp.GetStatus())
		}

		lastErr = err
		c.logger.Warn("nvsd not ready, retrying...",
			zap.String("addr", c.addr),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while waiting for nvsd: %w", ctx.Err())
			case <-time.After(retryInterval):
			}
		}
	}

	return fmt.Errorf("nvsd not ready after %d attempts: %w", maxRetries, lastErr)
}

// Close closes the client connection
func (c *StoreClient) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}
