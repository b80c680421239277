package model

import "time"

// PageState is the lifecycle state of a flash page
type PageState uint32

// State words only ever clear bits, so every transition is a single NOR write.
const (
	PageStateEmpty   PageState = 0xFFFFFFFF
	PageStateActive  PageState = 0xFFFFFFFE
	PageStateFull    PageState = 0xFFFFFFFC
	PageStateFreeing PageState = 0xFFFFFFF8
	PageStateCorrupt PageState = 0xFFFFFFF0
	PageStateInvalid PageState = 0x00000000
)

func (s PageState) String() string {
	switch s {
	case PageStateEmpty:
		return "empty"
	case PageStateActive:
		return "active"
	case PageStateFull:
		return "full"
	case PageStateFreeing:
		return "freeing"
	case PageStateCorrupt:
		return "corrupt"
	default:
		return "invalid"
	}
}

// PageInfo is a point-in-time view of one page
type PageInfo struct {
	PageID     int
	State      PageState
	Sequence   uint32
	EraseCount uint32
	Written    int
	Erased     int
	Free       int
}

// StoreState is the lifecycle state of a Store
type StoreState string

const (
	StoreStateUninitialized StoreState = "uninitialized"
	StoreStateRecovering    StoreState = "recovering"
	StoreStateReady         StoreState = "ready"
	StoreStateClosed        StoreState = "closed"
)

// Stats summarises slot usage across the region
type Stats struct {
	UsedSlots      int
	FreeSlots      int
	ErasedSlots    int
	TotalSlots     int
	NamespaceCount int
	KeyCount       int
	PagesByState   map[string]int
	MinEraseCount  uint32
	MaxEraseCount  uint32
}

// CompactionResult describes one garbage collection pass
type CompactionResult struct {
	VictimPage int
	TargetPage int
	Relocated  int
	Reclaimed  int
	StartedAt  time.Time
	Duration   time.Duration
	Status     CompactionStatus
}

// CompactionStatus indicates the outcome of a compaction pass
type CompactionStatus string

const (
	CompactionStatusCompleted CompactionStatus = "completed"
	CompactionStatusResumed   CompactionStatus = "resumed"
	CompactionStatusFailed    CompactionStatus = "failed"
)

// RecoveryResult summarises the startup scan
type RecoveryResult struct {
	Pages        int
	Items        int
	GarbageItems int
	StaleItems   int
	OrphanChunks int
	Tombstones   int
	ResumedGC    int
	Duration     time.Duration
}
