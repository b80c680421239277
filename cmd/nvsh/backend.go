package main

import (
	"context"
	"fmt"

	"github.com/devrev/nvstore/internal/client"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/service"
)

// backend is what the shell drives: a store opened in process or a remote
// nvsd reached over gRPC.
type backend interface {
	Get(ctx context.Context, ns, key string) (model.Value, error)
	Set(ctx context.Context, ns, key string, v model.Value) error
	Erase(ctx context.Context, ns, key string) error
	Exists(ctx context.Context, ns, key string) (bool, error)
	List(ctx context.Context, ns string) ([]model.EntryInfo, error)
	Stats(ctx context.Context) (model.Stats, error)
	Compact(ctx context.Context) (*model.CompactionResult, error)
	Commit(ctx context.Context) error
	Close() error
}

type localBackend struct {
	store *service.Store
	close func() error
}

func (b *localBackend) Get(ctx context.Context, ns, key string) (model.Value, error) {
	return b.store.Get(ctx, ns, key)
}

func (b *localBackend) Set(ctx context.Context, ns, key string, v model.Value) error {
	return b.store.Set(ctx, ns, key, v)
}

func (b *localBackend) Erase(ctx context.Context, ns, key string) error {
	return b.store.Erase(ctx, ns, key)
}

func (b *localBackend) Exists(ctx context.Context, ns, key string) (bool, error) {
	return b.store.Exists(ctx, ns, key)
}

func (b *localBackend) List(_ context.Context, ns string) ([]model.EntryInfo, error) {
	return b.store.Entries(ns)
}

func (b *localBackend) Stats(context.Context) (model.Stats, error) {
	return b.store.Stats()
}

func (b *localBackend) Compact(ctx context.Context) (*model.CompactionResult, error) {
	return b.store.Compact(ctx)
}

func (b *localBackend) Commit(ctx context.Context) error {
	return b.store.Commit(ctx)
}

func (b *localBackend) Close() error {
	err := b.store.Close()
	if b.close != nil {
		if cerr := b.close(); err == nil {
			err = cerr
		}
	}
	return err
}

type remoteBackend struct {
	c *client.StoreClient
}

func (b *remoteBackend) Get(ctx context.Context, ns, key string) (model.Value, error) {
	return b.c.Get(ctx, ns, key)
}

func (b *remoteBackend) Set(ctx context.Context, ns, key string, v model.Value) error {
	return b.c.Set(ctx, ns, key, v)
}

func (b *remoteBackend) Erase(ctx context.Context, ns, key string) error {
	return b.c.Erase(ctx, ns, key)
}

func (b *remoteBackend) Exists(ctx context.Context, ns, key string) (bool, error) {
	return b.c.Exists(ctx, ns, key)
}

func (b *remoteBackend) List(ctx context.Context, ns string) ([]model.EntryInfo, error) {
	return b.c.List(ctx, ns)
}

func (b *remoteBackend) Stats(ctx context.Context) (model.Stats, error) {
	resp, err := b.c.Stats(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	return model.Stats{
		UsedSlots:      resp.UsedSlots,
		FreeSlots:      resp.FreeSlots,
		ErasedSlots:    resp.ErasedSlots,
		TotalSlots:     resp.TotalSlots,
		NamespaceCount: len(resp.Namespaces),
		KeyCount:       resp.KeyCount,
		PagesByState:   resp.PagesByState,
		MinEraseCount:  resp.MinEraseCount,
		MaxEraseCount:  resp.MaxEraseCount,
	}, nil
}

func (b *remoteBackend) Compact(context.Context) (*model.CompactionResult, error) {
	return nil, fmt.Errorf("GC is not available over the network; nvsd collects garbage on demand")
}

// Commit is a no-op remotely: nvsd syncs on shutdown.
func (b *remoteBackend) Commit(context.Context) error {
	return nil
}

func (b *remoteBackend) Close() error {
	return b.c.Close()
}
