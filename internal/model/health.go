package model

// HealthStatus represents the health state of a store
type HealthStatus struct {
	StoreID   string
	Status    NodeStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// NodeStatus defines the operational status
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains various health metrics
type HealthMetrics struct {
	FreePages     int
	CorruptPages  int
	SlotUsage     float64
	MaxWearSpread uint32
}
