package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MegaGrindStone/go-mcp-sse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// metricValue returns the value of the counter or gauge with the given name and labels, or -1
// when no such series was gathered.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, m := range family.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return -1
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := mcp.NewMetrics(reg, "")
	require.NoError(t, err)

	// Registering the same collectors twice fails.
	_, err = mcp.NewMetrics(reg, "")
	require.Error(t, err)

	_, err = mcp.NewMetrics(reg, "other")
	require.NoError(t, err)
}

func TestMetricsRecordSessionsAndRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := mcp.NewMetrics(reg, "test")
	require.NoError(t, err)

	registry := mcp.NewRegistry()
	require.NoError(t, registerAdd(nil)(registry))
	sessions := mcp.NewSessionManager(mcp.WithSessionManagerMetrics(metrics))
	dispatcher := mcp.NewDispatcher(mcp.Info{Name: "test-server", Version: "1.0"}, registry, sessions,
		mcp.WithDispatcherMetrics(metrics))
	s := dispatcherSuite{
		registry:   registry,
		sessions:   sessions,
		dispatcher: dispatcher,
	}

	sessID, ch := s.openSession(t)
	otherID, _ := s.openSession(t)
	require.NoError(t, s.sessions.Close(otherID))

	require.Equal(t, 2.0, metricValue(t, reg, "test_sessions_opened_total", nil))
	require.Equal(t, 1.0, metricValue(t, reg, "test_sessions_closed_total", nil))
	require.Equal(t, 1.0, metricValue(t, reg, "test_sessions_open", nil))

	ok := rpcRequest(t, "1", mcp.MethodToolsCall,
		mcp.CallToolParams{Name: "add", Arguments: json.RawMessage(`{"a":1,"b":2}`)})
	require.NoError(t, s.dispatcher.Handle(context.Background(), sessID, ok))
	ch.next(t)

	missing := rpcRequest(t, "2", mcp.MethodToolsCall, mcp.CallToolParams{Name: "missing"})
	require.NoError(t, s.dispatcher.Handle(context.Background(), sessID, missing))
	ch.next(t)

	invalid := rpcRequest(t, "3", mcp.MethodToolsCall,
		mcp.CallToolParams{Name: "add", Arguments: json.RawMessage(`{}`)})
	require.Error(t, s.dispatcher.Handle(context.Background(), sessID, invalid))

	require.Equal(t, 1.0, metricValue(t, reg, "test_dispatcher_requests_total",
		map[string]string{"method": mcp.MethodToolsCall, "outcome": "success"}))
	require.Equal(t, 1.0, metricValue(t, reg, "test_dispatcher_requests_total",
		map[string]string{"method": mcp.MethodToolsCall, "outcome": "failure"}))
	require.Equal(t, 1.0, metricValue(t, reg, "test_dispatcher_rejected_total",
		map[string]string{"kind": string(mcp.KindMalformedRequest)}))
	require.Equal(t, 0.0, metricValue(t, reg, "test_dispatcher_delivery_failures_total", nil))
}
