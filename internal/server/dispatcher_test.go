package server

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func joinedRegistry(t *testing.T, outboxSize int, addrs ...string) *Registry {
	t.Helper()
	reg := NewRegistry(len(addrs) + 1)
	for i, addr := range addrs {
		id := uint64(i + 1)
		require.NoError(t, reg.Reserve(NewRecord(id, mustTCPAddr(t, addr), "", outboxSize)))
		require.True(t, reg.Join(id, addr))
	}
	return reg
}

func drain(rec *Record) []string {
	var out []string
	for {
		select {
		case msg := <-rec.outbox:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestDispatcherBroadcastExcludesSender(t *testing.T) {
	reg := joinedRegistry(t, 4, "127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3")
	d := NewDispatcher(reg, zaptest.NewLogger(t), nil)

	n := d.Broadcast(2, []byte("hi\n"))
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"hi\n"}, drain(reg.FindByAddress("127.0.0.1:1")))
	assert.Empty(t, drain(reg.FindByAddress("127.0.0.1:2")))
	assert.Equal(t, []string{"hi\n"}, drain(reg.FindByAddress("127.0.0.1:3")))
}

func TestDispatcherBroadcastCopiesPayload(t *testing.T) {
	reg := joinedRegistry(t, 4, "127.0.0.1:1")
	d := NewDispatcher(reg, nil, nil)

	buf := []byte("abc")
	d.Broadcast(0, buf)
	buf[0] = 'x'

	assert.Equal(t, []string{"abc"}, drain(reg.FindByAddress("127.0.0.1:1")))
}

func TestDispatcherFullOutboxDrops(t *testing.T) {
	reg := joinedRegistry(t, 1, "127.0.0.1:1", "127.0.0.1:2")
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(reg, zaptest.NewLogger(t), metrics)

	assert.Equal(t, 2, d.Broadcast(0, []byte("first")))
	assert.Equal(t, 0, d.Broadcast(0, []byte("second")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.dropped))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.broadcasts))

	assert.Equal(t, []string{"first"}, drain(reg.FindByAddress("127.0.0.1:1")))
}

func TestDispatcherSendTo(t *testing.T) {
	reg := joinedRegistry(t, 4, "127.0.0.1:9001", "127.0.0.1:9002")
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(reg, zaptest.NewLogger(t), metrics)

	assert.True(t, d.SendTo("127.0.0.1:9001", []byte("direct")))
	assert.False(t, d.SendTo("127.0.0.1:9999", []byte("nobody")))

	assert.Equal(t, []string{"direct"}, drain(reg.FindByAddress("127.0.0.1:9001")))
	assert.Empty(t, drain(reg.FindByAddress("127.0.0.1:9002")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.directed))
	assert.Equal(t, float64(6), testutil.ToFloat64(metrics.payloadBytes.WithLabelValues("directed")))
}

func TestDispatcherSkipsRemovedRecords(t *testing.T) {
	reg := joinedRegistry(t, 4, "127.0.0.1:1", "127.0.0.1:2")
	d := NewDispatcher(reg, nil, nil)

	reg.Remove(1)
	assert.Equal(t, 1, d.Broadcast(0, []byte("x")))
	assert.False(t, d.SendTo("127.0.0.1:1", []byte("x")))
}
