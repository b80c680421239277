package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/nvstore/internal/config"
	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/metrics"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/storage/entry"
	"github.com/devrev/nvstore/internal/storage/index"
	"github.com/devrev/nvstore/internal/storage/namespace"
	"github.com/devrev/nvstore/internal/storage/pagemanager"
	"github.com/devrev/nvstore/internal/validation"
	"go.uber.org/zap"
)

// StoreConfig holds the engine tunables of a Store
type StoreConfig struct {
	StoreID            string
	ReservePages       int
	MaxValueSize       int
	FreePagesWarning   int
	FreePagesCritical  int
	CompressionEnabled bool
	CompressionMinSize int
}

// DefaultStoreConfig returns the tunables used when none are given
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		StoreID:            "nvs",
		ReservePages:       1,
		MaxValueSize:       validation.MaxValueSize,
		FreePagesWarning:   2,
		FreePagesCritical:  1,
		CompressionEnabled: true,
		CompressionMinSize: 256,
	}
}

// NewStoreConfig extracts the store tunables from the daemon configuration
func NewStoreConfig(cfg *config.Config) *StoreConfig {
	return &StoreConfig{
		StoreID:            cfg.Server.StoreID,
		ReservePages:       cfg.Store.ReservePages,
		MaxValueSize:       cfg.Store.MaxValueSize,
		FreePagesWarning:   cfg.Store.FreePagesWarning,
		FreePagesCritical:  cfg.Store.FreePagesCritical,
		CompressionEnabled: cfg.Store.Compression.Enabled,
		CompressionMinSize: cfg.Store.Compression.MinSize,
	}
}

// Store is a key-value store laid out on a flash region. Reads share the
// lock; writes, erases and garbage collection hold it exclusively.
type Store struct {
	mu sync.RWMutex

	e         *engine
	compactor *CompactionService
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics

	storeID  string
	state    model.StoreState
	recovery *model.RecoveryResult
}

// Open locks region, recovers its contents and returns a Ready store.
func Open(ctx context.Context, region flash.Region, cfg *StoreConfig, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("store_id", cfg.StoreID))

	if err := region.Lock(); err != nil {
		return nil, errors.RegionInUse(err)
	}

	s, err := open(ctx, region, cfg, logger, m)
	if err != nil {
		if uerr := region.Unlock(); uerr != nil {
			logger.Warn("Failed to release region lock", zap.Error(uerr))
		}
		return nil, err
	}
	return s, nil
}

func open(ctx context.Context, region flash.Region, cfg *StoreConfig, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	pm, err := pagemanager.New(region, &pagemanager.Config{
		ReservePages:      cfg.ReservePages,
		WarningFreePages:  cfg.FreePagesWarning,
		CriticalFreePages: cfg.FreePagesCritical,
	}, logger, m)
	if err != nil {
		return nil, errors.InvalidArgument("unsupported region geometry", err)
	}

	e := newEngine(region, pm, logger, m)
	e.compress = cfg.CompressionEnabled
	e.compressMinSize = cfg.CompressionMinSize

	maxValue := cfg.MaxValueSize
	if maxValue <= 0 {
		maxValue = validation.MaxValueSize
	}

	s := &Store{
		e:         e,
		compactor: newCompactionService(e),
		validator: validation.NewValidatorWithLimits(maxValue),
		logger:    logger,
		metrics:   m,
		storeID:   cfg.StoreID,
		state:     model.StoreStateUninitialized,
	}

	s.state = model.StoreStateRecovering
	result, err := newRecoveryService(e, s.compactor).Recover(ctx)
	if err != nil {
		s.state = model.StoreStateClosed
		logger.Error("Recovery failed", zap.Error(err))
		return nil, err
	}
	s.recovery = result
	s.state = model.StoreStateReady

	logger.Info("Store opened",
		zap.Int("page_size", e.layout.PageSize),
		zap.Int("pages", len(pm.Pages())),
		zap.Int("slots_per_page", e.layout.SlotsPerPage),
		zap.Int("keys", e.idx.Len()),
		zap.Int("namespaces", e.ns.Len()))

	return s, nil
}

// Recovery returns the summary of the scan performed by Open
func (s *Store) Recovery() model.RecoveryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.recovery == nil {
		return model.RecoveryResult{}
	}
	return *s.recovery
}

// State returns the lifecycle state of the store
func (s *Store) State() model.StoreState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) checkReady() error {
	switch s.state {
	case model.StoreStateReady:
		return nil
	case model.StoreStateClosed:
		return errors.Closed()
	default:
		return errors.NotReady(string(s.state))
	}
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	s.metrics.RecordOperation(op, result, time.Since(start).Seconds())
}

// Get returns the value stored under ns/key
func (s *Store) Get(ctx context.Context, ns, key string) (v model.Value, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()

	if err := ctx.Err(); err != nil {
		return model.Value{}, err
	}
	if err := s.validator.ValidateNamespace(ns); err != nil {
		return model.Value{}, err
	}
	if err := s.validator.ValidateKey(key); err != nil {
		return model.Value{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return model.Value{}, err
	}

	nsID, ok := s.e.ns.Resolve(ns)
	if !ok {
		return model.Value{}, errors.KeyNotFound(ns, key)
	}
	v, found, err := s.getLocked(nsID, key)
	if err != nil {
		return model.Value{}, err
	}
	if !found {
		return model.Value{}, errors.KeyNotFound(ns, key)
	}
	return v, nil
}

func (s *Store) getLocked(nsID uint8, key string) (model.Value, bool, error) {
	k := index.Key{Namespace: nsID, Name: key}
	ie, ok := s.e.idx.Get(k)
	if !ok {
		return model.Value{}, false, nil
	}

	if ie.Chunked() {
		data, err := s.e.readChunked(k, ie)
		if err != nil {
			return model.Value{}, false, err
		}
		return model.Value{Type: ie.ValueType, Data: data}, true, nil
	}

	ent, err := s.e.readEntry(ie.Location)
	if err != nil {
		return model.Value{}, false, err
	}
	return model.Value{Type: ent.Type, Data: ent.Payload}, true, nil
}

func (s *Store) getTyped(ctx context.Context, ns, key string, accept func(model.ValueType) bool, want string) (model.Value, error) {
	v, err := s.Get(ctx, ns, key)
	if err != nil {
		return model.Value{}, err
	}
	if !accept(v.Type) {
		return model.Value{}, errors.TypeMismatch(key, want, v.Type.String())
	}
	return v, nil
}

// GetString returns a string value
func (s *Store) GetString(ctx context.Context, ns, key string) (string, error) {
	v, err := s.getTyped(ctx, ns, key, func(t model.ValueType) bool { return t == model.TypeString }, "string")
	if err != nil {
		return "", err
	}
	return v.AsString(), nil
}

// GetBlob returns a blob value
func (s *Store) GetBlob(ctx context.Context, ns, key string) ([]byte, error) {
	v, err := s.getTyped(ctx, ns, key, func(t model.ValueType) bool { return t == model.TypeBlob }, "blob")
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// GetInt returns a signed integer value of any width
func (s *Store) GetInt(ctx context.Context, ns, key string) (int64, error) {
	v, err := s.getTyped(ctx, ns, key, model.ValueType.IsSigned, "signed integer")
	if err != nil {
		return 0, err
	}
	return v.AsInt(), nil
}

// GetUint returns an unsigned integer value of any width
func (s *Store) GetUint(ctx context.Context, ns, key string) (uint64, error) {
	v, err := s.getTyped(ctx, ns, key, func(t model.ValueType) bool {
		return t.IsInteger() && !t.IsSigned()
	}, "unsigned integer")
	if err != nil {
		return 0, err
	}
	return v.AsUint(), nil
}

// Exists reports whether ns/key is present
func (s *Store) Exists(ctx context.Context, ns, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return false, err
	}
	nsID, ok := s.e.ns.Resolve(ns)
	if !ok {
		return false, nil
	}
	_, ok = s.e.idx.Get(index.Key{Namespace: nsID, Name: key})
	return ok, nil
}

// Set stores v under ns/key. The new item is durable before the previous
// one is retired, so a crash leaves either value readable.
func (s *Store) Set(ctx context.Context, ns, key string, v model.Value) (err error) {
	start := time.Now()
	defer func() { s.observe("set", start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.validator.ValidateWrite(ns, key, v); err != nil {
		s.logger.Debug("Set validation failed",
			zap.String("namespace", ns),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	nsID, err := s.ensureNamespace(ns)
	if err != nil {
		return err
	}

	k := index.Key{Namespace: nsID, Name: key}
	var prev *index.Entry
	if cur, ok := s.e.idx.Get(k); ok {
		prev = &cur
		if cur.ValueType == v.Type && cur.Size == len(v.Data) {
			if old, found, rerr := s.getLocked(nsID, key); rerr == nil && found && old.Equal(v) {
				s.logger.Debug("Skipping identical value", zap.String("namespace", ns), zap.String("key", key))
				return nil
			}
		}
	}

	var ie index.Entry
	if len(v.Data) > s.e.chunkCapacity {
		ie, err = s.e.writeChunked(nsID, key, v, prev)
	} else {
		ie, err = s.writeSingle(nsID, key, v)
	}
	if err != nil {
		s.logger.Error("Set failed",
			zap.String("namespace", ns),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	s.e.supersede(k, ie)

	s.metrics.RecordValueSize(len(v.Data))
	s.e.updateMetrics()
	return nil
}

func (s *Store) writeSingle(nsID uint8, key string, v model.Value) (index.Entry, error) {
	loc, err := s.e.writeEntry(entry.Entry{
		Namespace:  nsID,
		Type:       v.Type,
		ChunkIndex: entry.NoChunk,
		Key:        key,
		Payload:    v.Data,
	})
	if err != nil {
		return index.Entry{}, err
	}
	return index.Entry{
		Location:  loc,
		ItemType:  v.Type,
		ValueType: v.Type,
		Size:      len(v.Data),
	}, nil
}

// ensureNamespace returns the id of ns, writing a namespace record first
// when the name is new.
func (s *Store) ensureNamespace(ns string) (uint8, error) {
	if id, ok := s.e.ns.Resolve(ns); ok {
		return id, nil
	}
	id, err := s.e.ns.NextID()
	if err != nil {
		return 0, errors.NoSpace(fmt.Sprintf("no namespace id left for %q", ns), err)
	}

	loc, err := s.e.writeEntry(entry.Entry{
		Namespace:  entry.NamespaceTableID,
		Type:       model.TypeU8,
		ChunkIndex: entry.NoChunk,
		Key:        ns,
		Payload:    []byte{id},
	})
	if err != nil {
		return 0, err
	}
	if _, err := s.e.ns.Add(ns, id, namespace.Location{Page: loc.Page, Slot: loc.Slot}); err != nil {
		return 0, errors.InternalError("failed to register namespace", err)
	}

	s.logger.Info("Created namespace", zap.String("namespace", ns), zap.Uint8("namespace_id", id))
	return id, nil
}

// SetString stores a string value
func (s *Store) SetString(ctx context.Context, ns, key, value string) error {
	return s.Set(ctx, ns, key, model.StringValue(value))
}

// SetBlob stores a blob value
func (s *Store) SetBlob(ctx context.Context, ns, key string, value []byte) error {
	return s.Set(ctx, ns, key, model.BlobValue(value))
}

// SetInt stores value as the signed integer type t
func (s *Store) SetInt(ctx context.Context, ns, key string, t model.ValueType, value int64) error {
	v, err := model.IntValue(t, value)
	if err != nil {
		return errors.InvalidArgument(err.Error(), nil)
	}
	return s.Set(ctx, ns, key, v)
}

// SetUint stores value as the unsigned integer type t
func (s *Store) SetUint(ctx context.Context, ns, key string, t model.ValueType, value uint64) error {
	v, err := model.UintValue(t, value)
	if err != nil {
		return errors.InvalidArgument(err.Error(), nil)
	}
	return s.Set(ctx, ns, key, v)
}

// Erase removes ns/key. A tombstone is written first so the erase survives
// a crash that happens before the value's slots are retired.
func (s *Store) Erase(ctx context.Context, ns, key string) (err error) {
	start := time.Now()
	defer func() { s.observe("erase", start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.validator.ValidateNamespace(ns); err != nil {
		return err
	}
	if err := s.validator.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	nsID, ok := s.e.ns.Resolve(ns)
	if !ok {
		return errors.KeyNotFound(ns, key)
	}
	if err := s.eraseLocked(nsID, key); err != nil {
		if !stderrors.Is(err, errors.ErrNotFound) {
			s.logger.Error("Erase failed",
				zap.String("namespace", ns),
				zap.String("key", key),
				zap.Error(err))
		}
		return err
	}
	s.e.updateMetrics()
	return nil
}

func (s *Store) eraseLocked(nsID uint8, key string) error {
	k := index.Key{Namespace: nsID, Name: key}
	if _, ok := s.e.idx.Get(k); !ok {
		name, _ := s.e.ns.Lookup(nsID)
		return errors.KeyNotFound(name, key)
	}

	tomb, err := s.e.writeEntry(entry.Entry{
		Namespace:  nsID,
		Type:       model.TypeTombstone,
		ChunkIndex: entry.NoChunk,
		Key:        key,
	})
	if err == nil {
		// GC may have moved the value while the tombstone was allocated
		s.e.retireErased(k, tomb)
		return nil
	}
	if !stderrors.Is(err, errors.ErrNoSpace) {
		return err
	}

	// A full store can still erase: retiring the value's header slot alone
	// hides it from recovery. Leftover chunks become orphans.
	s.logger.Warn("No space for tombstone, retiring value in place",
		zap.Uint8("namespace_id", nsID),
		zap.String("key", key))
	if s.e.idx.HasStale(k) {
		// Older copies still Written would come back without a tombstone
		return errors.EraseFailed(fmt.Sprintf("no space for a tombstone hiding older copies of %q", key), err)
	}
	ie, _ := s.e.idx.Get(k)
	if err := s.e.retire(index.Location{Page: ie.Page, Slot: ie.Slot, Span: 1}); err != nil {
		return errors.EraseFailed(fmt.Sprintf("failed to retire %q", key), err)
	}
	if ie.Span > 1 {
		s.e.retire(ie.Location)
	}
	s.e.idx.Delete(k)
	s.e.retireChunks(k, nil)
	return nil
}

// EraseNamespace removes every key of ns. The namespace keeps its id.
func (s *Store) EraseNamespace(ctx context.Context, ns string) (err error) {
	start := time.Now()
	defer func() { s.observe("erase_namespace", start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.validator.ValidateNamespace(ns); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	nsID, ok := s.e.ns.Resolve(ns)
	if !ok {
		// Nothing was ever written to ns
		return nil
	}

	keys := s.e.idx.Keys(nsID, false)
	for _, k := range keys {
		if err := s.eraseLocked(nsID, k.Name); err != nil {
			return err
		}
	}
	s.logger.Info("Erased namespace", zap.String("namespace", ns), zap.Int("keys", len(keys)))
	s.e.updateMetrics()
	return nil
}

// Commit flushes the region. Every completed Set and Erase is already
// durable; Commit only forces buffered file writes to stable storage.
func (s *Store) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	if err := s.e.region.Sync(); err != nil {
		return errors.WriteFailed("failed to sync region", err)
	}
	return nil
}

// Entries lists the live keys of ns, or of every namespace when ns is
// empty, ordered by namespace id then key.
func (s *Store) Entries(ns string) ([]model.EntryInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	var keys []index.Key
	if ns == "" {
		keys = s.e.idx.Keys(0, true)
	} else {
		nsID, ok := s.e.ns.Resolve(ns)
		if !ok {
			return nil, nil
		}
		keys = s.e.idx.Keys(nsID, false)
	}

	out := make([]model.EntryInfo, 0, len(keys))
	for _, k := range keys {
		ie, _ := s.e.idx.Get(k)
		name, _ := s.e.ns.Lookup(k.Namespace)
		out = append(out, model.EntryInfo{
			Namespace: name,
			Key:       k.Name,
			Type:      ie.ValueType,
			Size:      ie.Size,
		})
	}
	return out, nil
}

// Iterate calls fn for every live key of ns until fn returns false. fn runs
// without the store lock held, on a snapshot taken at call time.
func (s *Store) Iterate(ns string, fn func(model.EntryInfo) bool) error {
	entries, err := s.Entries(ns)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !fn(e) {
			break
		}
	}
	return nil
}

// Namespaces returns the known namespace names, sorted
func (s *Store) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.e.ns.Names()
}

// Stats summarises slot and page usage
func (s *Store) Stats() (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return model.Stats{}, err
	}
	return s.e.stats(), nil
}

// Pages returns a view of every page
func (s *Store) Pages() []model.PageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.e.pm.Pages()
	out := make([]model.PageInfo, len(pages))
	for i, p := range pages {
		out[i] = p.Info()
	}
	return out
}

// SpaceStatus reports the free page count against the configured thresholds
func (s *Store) SpaceStatus() pagemanager.SpaceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.e.pm.Status()
}

// Compact runs one garbage collection pass. A store without a reclaimable
// page returns a result with VictimPage -1.
func (s *Store) Compact(ctx context.Context) (res *model.CompactionResult, err error) {
	start := time.Now()
	defer func() { s.observe("compact", start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	res, err = s.compactor.Compact()
	if stderrors.Is(err, pagemanager.ErrNoVictim) {
		return &model.CompactionResult{
			VictimPage: -1,
			TargetPage: -1,
			StartedAt:  start,
			Status:     model.CompactionStatusCompleted,
		}, nil
	}
	if err != nil {
		return res, err
	}
	s.e.updateMetrics()
	return res, nil
}

// Close syncs the region and releases its lock. The region itself stays
// open and belongs to the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.StoreStateClosed {
		return nil
	}
	s.state = model.StoreStateClosed

	var errs []error
	if err := s.e.region.Sync(); err != nil {
		errs = append(errs, errors.WriteFailed("failed to sync region", err))
	}
	if err := s.e.region.Unlock(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Store closed", zap.Int("keys", s.e.idx.Len()))
	return stderrors.Join(errs...)
}
