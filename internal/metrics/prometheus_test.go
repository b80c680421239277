package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("set", "ok", 0.001)
		m.RecordValueSize(10)
		m.RecordChunkedValue(true)
		m.RecordCompactionJob("completed", 0.01, 3, 10)
		m.RecordPageErase()
		m.UpdatePageStats(map[string]int{"full": 1}, 2, 0, 1)
		m.UpdateSlotStats(1, 2, 3)
		m.RecordRecovery(0.1, 1, 1)
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.RecordOperation("set", "ok", 0.001)
	m.RecordOperation("set", "ok", 0.002)
	m.RecordOperation("get", "not_found", 0.001)
	m.RecordPageErase()
	m.RecordCompactionJob("completed", 0.01, 4, 20)
	m.UpdatePageStats(map[string]int{"full": 3, "empty": 1}, 1, 2, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("set", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("get", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PageErasesTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CompactionRelocated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PagesByState.WithLabelValues("full")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.MaxEraseCount))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
