package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go2tv.app/syncview/internal/buildinfo"
	"go2tv.app/syncview/internal/domain"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, buildinfo.Version)
}

func TestSelfTestReportsWiring(t *testing.T) {
	t.Setenv("SYNCVIEW_METRICS_ADDR", "127.0.0.1:0")
	out, err := execute(t, "self-test", "--env-file", t.TempDir()+"/absent.env")
	require.NoError(t, err)

	var report selfTestOutput
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "syncview", report.Server.Name)
	assert.True(t, report.Config.Valid)
	assert.True(t, report.Config.MetricsEnabled)
	assert.True(t, report.Go2TVAdapters.DiscoveryWired)
	assert.True(t, report.Go2TVAdapters.MirrorWired)
}

func TestSelfTestReportsInvalidConfig(t *testing.T) {
	t.Setenv("SYNCVIEW_CAST_RETRY_ATTEMPTS", "0")
	out, err := execute(t, "self-test", "--env-file", t.TempDir()+"/absent.env")
	require.NoError(t, err)

	var report selfTestOutput
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Config.Valid)
	assert.Contains(t, report.Config.Error, "SYNCVIEW_CAST_RETRY_ATTEMPTS")
}

func TestServeRejectsBadConfig(t *testing.T) {
	t.Setenv("SYNCVIEW_RESOLVER_TIMEOUT", "later")
	_, err := execute(t, "serve", "--env-file", t.TempDir()+"/absent.env")
	require.Error(t, err)
}

func TestSessionEventLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	track := domain.TrackDescriptor{ID: 5, Kind: domain.TrackAudio, Name: "Audio 6"}
	sessionEventLogger(logger)(domain.SessionEvent{SessionID: "s1", Type: domain.EventTrackAdded, Track: &track})

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "track_added", record["event"])
	assert.Equal(t, float64(5), record["track_id"])
	assert.Equal(t, "events", record["component"])
}
