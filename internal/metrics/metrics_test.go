package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Tailed()
	m.Tailed()
	m.Operation("upsert")
	m.Flush("ok", 10*time.Millisecond)
	m.Pending(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EntriesTailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("upsert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes.WithLabelValues("ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingBatch))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Tailed()
		m.Operation("delete")
		m.Flush("failed", time.Second)
		m.Overflow()
	})
}
