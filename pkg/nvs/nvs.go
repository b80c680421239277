// Package nvs is the public API of the store: namespace scoped handles over a
// flash region, in the style of an embedded settings store.
//
//	h, err := nvs.Open(region, "wifi")
//	if err != nil { ... }
//	defer h.Close()
//	ssid, err := h.GetString("ssid")
//	if errors.Is(err, nvs.ErrNotFound) { ... }
package nvs

import (
	"context"
	"sync"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/metrics"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/service"
	"github.com/devrev/nvstore/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultNamespace is used by Open when no namespace is given
const DefaultNamespace = "storage"

// Region is the flash device a store lives on
type Region = flash.Region

// NewMemRegion returns an in-memory region of pageCount erased pages
func NewMemRegion(pageSize, pageCount int) *flash.MemRegion {
	return flash.NewMemRegion(pageSize, pageCount)
}

// OpenFileRegion opens (creating if needed) a file backed region
func OpenFileRegion(path string, pageSize, pageCount int) (*flash.FileRegion, error) {
	return flash.OpenFileRegion(path, pageSize, pageCount)
}

var (
	ErrNotFound        = errors.ErrNotFound
	ErrInvalidArgument = errors.ErrInvalidArgument
	ErrTypeMismatch    = errors.ErrTypeMismatch
	ErrReadOnly        = errors.ErrReadOnly
	ErrNoSpace         = errors.ErrNoSpace
	ErrCorruptStore    = errors.ErrCorruptStore
	ErrClosed          = errors.ErrClosed
	ErrRegionInUse     = errors.ErrRegionInUse
)

// Mode selects whether a handle may write
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

type options struct {
	cfg      *service.StoreConfig
	logger   *zap.Logger
	registry prometheus.Registerer
}

// Option configures OpenStore and Open
type Option func(*options)

// WithLogger sets the logger; the default discards everything
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers the store metrics with reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithReservePages sets how many pages garbage collection keeps free
func WithReservePages(n int) Option {
	return func(o *options) { o.cfg.ReservePages = n }
}

// WithMaxValueSize caps the size of a single value
func WithMaxValueSize(n int) Option {
	return func(o *options) { o.cfg.MaxValueSize = n }
}

// WithCompression toggles snappy compression of values at least minSize long
func WithCompression(enabled bool, minSize int) Option {
	return func(o *options) {
		o.cfg.CompressionEnabled = enabled
		o.cfg.CompressionMinSize = minSize
	}
}

// Store is an open store shared by any number of namespace handles
type Store struct {
	s *service.Store
}

// OpenStore recovers the store on region. The caller keeps ownership of the
// region and closes it after the store.
func OpenStore(region Region, opts ...Option) (*Store, error) {
	o := &options{cfg: service.DefaultStoreConfig()}
	for _, opt := range opts {
		opt(o)
	}
	var m *metrics.Metrics
	if o.registry != nil {
		m = metrics.NewMetrics(o.cfg.StoreID, o.registry)
	}
	s, err := service.Open(context.Background(), region, o.cfg, o.logger, m)
	if err != nil {
		return nil, err
	}
	return &Store{s: s}, nil
}

// Namespace opens a handle on name. A read-write handle creates the
// namespace on first write; a read-only one never creates it.
func (st *Store) Namespace(name string, mode Mode) (*Handle, error) {
	if err := validation.NewValidator().ValidateNamespace(name); err != nil {
		return nil, err
	}
	return &Handle{store: st, ns: name, mode: mode}, nil
}

// Stats summarises slot and page usage
func (st *Store) Stats() (model.Stats, error) {
	return st.s.Stats()
}

// Compact runs one garbage collection pass
func (st *Store) Compact() (*model.CompactionResult, error) {
	return st.s.Compact(context.Background())
}

// Close syncs the region and releases the region lock
func (st *Store) Close() error {
	return st.s.Close()
}

// Handle reads and writes the keys of one namespace
type Handle struct {
	store *Store
	ns    string
	mode  Mode
	// owner handles come from Open and close the store with them
	owner bool

	mu     sync.Mutex
	closed bool
}

// Open opens a store on region together with a read-write handle on
// namespace. Closing the handle closes the store.
func Open(region Region, namespace string, opts ...Option) (*Handle, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	st, err := OpenStore(region, opts...)
	if err != nil {
		return nil, err
	}
	h, err := st.Namespace(namespace, ReadWrite)
	if err != nil {
		st.Close()
		return nil, err
	}
	h.owner = true
	return h, nil
}

// Namespace returns the namespace name of the handle
func (h *Handle) Namespace() string { return h.ns }

func (h *Handle) check(write bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.Closed()
	}
	if write && h.mode == ReadOnly {
		return errors.ReadOnly(h.ns)
	}
	return nil
}

// Get returns the typed value of key
func (h *Handle) Get(key string) (model.Value, error) {
	if err := h.check(false); err != nil {
		return model.Value{}, err
	}
	return h.store.s.Get(context.Background(), h.ns, key)
}

// Set stores a typed value under key
func (h *Handle) Set(key string, v model.Value) error {
	if err := h.check(true); err != nil {
		return err
	}
	return h.store.s.Set(context.Background(), h.ns, key, v)
}

// GetString returns the string stored under key
func (h *Handle) GetString(key string) (string, error) {
	if err := h.check(false); err != nil {
		return "", err
	}
	return h.store.s.GetString(context.Background(), h.ns, key)
}

// SetString stores a string under key
func (h *Handle) SetString(key, value string) error {
	if err := h.check(true); err != nil {
		return err
	}
	return h.store.s.SetString(context.Background(), h.ns, key, value)
}

func (h *Handle) GetBlob(key string) ([]byte, error) {
	if err := h.check(false); err != nil {
		return nil, err
	}
	return h.store.s.GetBlob(context.Background(), h.ns, key)
}

func (h *Handle) SetBlob(key string, value []byte) error {
	if err := h.check(true); err != nil {
		return err
	}
	return h.store.s.SetBlob(context.Background(), h.ns, key, value)
}

// GetUint returns an unsigned integer of any width
func (h *Handle) GetUint(key string) (uint64, error) {
	if err := h.check(false); err != nil {
		return 0, err
	}
	return h.store.s.GetUint(context.Background(), h.ns, key)
}

// SetUint stores value as an unsigned integer of type t
func (h *Handle) SetUint(key string, t model.ValueType, value uint64) error {
	if err := h.check(true); err != nil {
		return err
	}
	return h.store.s.SetUint(context.Background(), h.ns, key, t, value)
}

// GetInt returns a signed integer of any width
func (h *Handle) GetInt(key string) (int64, error) {
	if err := h.check(false); err != nil {
		return 0, err
	}
	return h.store.s.GetInt(context.Background(), h.ns, key)
}

// SetInt stores value as a signed integer of type t
func (h *Handle) SetInt(key string, t model.ValueType, value int64) error {
	if err := h.check(true); err != nil {
		return err
	}
	return h.store.s.SetInt(context.Background(), h.ns, key, t, value)
}

// HasKey reports whether key holds a value. Errors read as false.
func (h *Handle) HasKey(key string) bool {
	if h.check(false) != nil {
		return false
	}
	ok, err := h.store.s.Exists(context.Background(), h.ns, key)
	return err == nil && ok
}

// EraseKey removes key
func (h *Handle) EraseKey(key string) error {
	if err := h.check(true); err != nil {
		return err
	}
	return h.store.s.Erase(context.Background(), h.ns, key)
}

// EraseAll removes every key of the namespace
func (h *Handle) EraseAll() error {
	if err := h.check(true); err != nil {
		return err
	}
	return h.store.s.EraseNamespace(context.Background(), h.ns)
}

// Keys lists the keys of the namespace in order
func (h *Handle) Keys() ([]string, error) {
	if err := h.check(false); err != nil {
		return nil, err
	}
	var keys []string
	err := h.store.s.Iterate(h.ns, func(e model.EntryInfo) bool {
		keys = append(keys, e.Key)
		return true
	})
	return keys, err
}

// Commit makes every completed write durable
func (h *Handle) Commit() error {
	if err := h.check(false); err != nil {
		return err
	}
	return h.store.s.Commit(context.Background())
}

// Close releases the handle. The handle returned by Open also closes its
// store. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	if h.owner {
		return h.store.Close()
	}
	return nil
}
