package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/collabsync/pkg/protocol"
)

// gathered returns the metric with the given name whose labels include
// want, or nil.
func gathered(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			return m
		}
	}
	return nil
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(WithRegistry(reg), WithNamespace("test"))

	c.MessageSent(protocol.KindFieldUpdate)
	c.MessageSent(protocol.KindFieldUpdate)
	c.MessageReceived(protocol.KindPong)
	c.DecodeError()
	c.QueueEvicted(3)
	c.QueueEvicted(0)
	c.SetQueueDepth(7)
	c.ReconnectAttempt()
	c.HeartbeatTimeout()
	c.ObserveRTT(40 * time.Millisecond)
	c.ConflictResolved("last-writer-wins")

	sent := gathered(t, reg, "test_messages_sent_total", map[string]string{"kind": "FIELD_UPDATE"})
	require.NotNil(t, sent)
	assert.Equal(t, 2.0, sent.GetCounter().GetValue())

	recv := gathered(t, reg, "test_messages_received_total", map[string]string{"kind": "PONG"})
	require.NotNil(t, recv)
	assert.Equal(t, 1.0, recv.GetCounter().GetValue())

	assert.Equal(t, 3.0, gathered(t, reg, "test_queue_evictions_total", nil).GetCounter().GetValue())
	assert.Equal(t, 7.0, gathered(t, reg, "test_queue_depth", nil).GetGauge().GetValue())
	assert.Equal(t, 1.0, gathered(t, reg, "test_decode_errors_total", nil).GetCounter().GetValue())
	assert.Equal(t, 1.0, gathered(t, reg, "test_reconnect_attempts_total", nil).GetCounter().GetValue())
	assert.Equal(t, 1.0, gathered(t, reg, "test_heartbeat_timeouts_total", nil).GetCounter().GetValue())
	assert.EqualValues(t, 1, gathered(t, reg, "test_heartbeat_rtt_seconds", nil).GetHistogram().GetSampleCount())

	conflicts := gathered(t, reg, "test_conflicts_resolved_total", map[string]string{"resolution": "last-writer-wins"})
	require.NotNil(t, conflicts)
	assert.Equal(t, 1.0, conflicts.GetCounter().GetValue())
}

func TestConnectionStateIsExclusive(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(WithRegistry(reg))

	c.SetConnectionState("connecting")
	c.SetConnectionState("connected")

	connecting := gathered(t, reg, "collabsync_connection_state", map[string]string{"state": "connecting"})
	connected := gathered(t, reg, "collabsync_connection_state", map[string]string{"state": "connected"})
	require.NotNil(t, connecting)
	require.NotNil(t, connected)
	assert.Equal(t, 0.0, connecting.GetGauge().GetValue())
	assert.Equal(t, 1.0, connected.GetGauge().GetValue())
}

func TestConstLabelsAndSubsystem(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(WithRegistry(reg), WithSubsystem("relay"), WithConstLabels(prometheus.Labels{"instance": "a"}))

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	m := gathered(t, reg, "collabsync_relay_connections", map[string]string{"instance": "a"})
	require.NotNil(t, m)
	assert.Equal(t, 1.0, m.GetGauge().GetValue())
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.MessageSent(protocol.KindPing)
		c.SetConnectionState("connected")
		c.ObserveRTT(time.Second)
		c.ConnectionOpened()
	})
}

func TestCollectorsDoNotShareDefaultRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New()
	c.MessageSent(protocol.KindNotification)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `collabsync_messages_sent_total{kind="NOTIFICATION"} 1`), string(body))
}
