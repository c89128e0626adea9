package main

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prom.Collector) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.IncReport("sent")
	m.IncCommand("full_status", "ok")
	m.IncGesture("tap")
	m.IncStatusAck()
	m.SetConnState(ConnConnected)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}

func TestMetrics_Exposition(t *testing.T) {
	m := NewMetrics(func() float64 { return 42 })
	m.IncReport("sent")
	m.IncReport("sent")
	m.IncCommand("set_hunger_level", "validation")
	m.IncGesture("swipe")
	m.SetConnState(ConnConnected)

	require.Equal(t, 2.0, counterValue(t, m.reports.WithLabelValues("sent")))
	require.Equal(t, 1.0, counterValue(t, m.commands.WithLabelValues("set_hunger_level", "validation")))
	require.Equal(t, 2.0, counterValue(t, m.connState))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	for _, want := range []string{
		`petlink_reports_total{result="sent"} 2`,
		`petlink_gestures_total{kind="swipe"} 1`,
		`petlink_uptime_seconds 42`,
	} {
		require.True(t, strings.Contains(text, want), "missing %q in:\n%s", want, text)
	}
}
