package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorRecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("oats_test", reg, zap.NewNop())

	c.RecordTurn("WHATSAPP", "ok", 2, 120*time.Millisecond)
	c.RecordTurn("WHATSAPP", "ok", 1, 80*time.Millisecond)
	c.RecordTurn("PORTAL", "error", 1, 10*time.Millisecond)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(c.turnsTotal.WithLabelValues("WHATSAPP", "ok")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.turnsTotal.WithLabelValues("PORTAL", "error")))

	c.RecordToolCall("get_forecast", "ok", 30*time.Millisecond)
	c.RecordToolCall("get_forecast", "error", 5*time.Millisecond)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.toolCallsTotal.WithLabelValues("get_forecast", "ok")))

	c.RecordModelRequest("openai", "gpt-4o", "ok", 200*time.Millisecond, 100, 20)
	assert.Equal(t, float64(100),
		testutil.ToFloat64(c.modelTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")))
	assert.Equal(t, float64(20),
		testutil.ToFloat64(c.modelTokensUsed.WithLabelValues("openai", "gpt-4o", "completion")))

	c.RecordSnapshotBuild("ok")
	assert.Equal(t, float64(1),
		testutil.ToFloat64(c.snapshotBuilds.WithLabelValues("ok")))
}

func TestCollectorSeparateRegistries(t *testing.T) {
	// Two collectors must not collide when given their own registries.
	a := NewCollector("oats_test", prometheus.NewRegistry(), zap.NewNop())
	b := NewCollector("oats_test", prometheus.NewRegistry(), zap.NewNop())
	require.NotNil(t, a)
	require.NotNil(t, b)
}
