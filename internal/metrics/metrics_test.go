package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncSessionsOpened()
	m.IncOpenFailure("load")
	m.SetActiveSessions(3)
	m.IncSyncPublished()
	m.IncSyncApplied("primary")
	m.IncCast(true)
	m.IncTrackEvent("audio", "added")
	m.IncTargetsFound()
	m.IncToolCall("cast", "ok")
}

func TestRouterServesMetricsAndHealth(t *testing.T) {
	m := New()
	m.IncSessionsOpened()
	m.IncOpenFailure("resolution")
	m.IncCast(false)
	refreshed := false

	srv := httptest.NewServer(Router(m, func() {
		refreshed = true
		m.SetActiveSessions(2)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	text := string(body)
	assert.True(t, refreshed)
	assert.Contains(t, text, "syncview_sessions_opened_total 1")
	assert.Contains(t, text, `syncview_open_failures_total{kind="resolution"} 1`)
	assert.Contains(t, text, `syncview_casts_total{result="error"} 1`)
	assert.Contains(t, text, "syncview_active_sessions 2")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))
}
