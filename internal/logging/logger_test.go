package logging

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pyra-labs/protocol-api-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
	block  chan struct{}
}

func (a *recordingAlerter) Alert(_ context.Context, subject string, body string) error {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, subject+"\n"+body)
	return nil
}

func (a *recordingAlerter) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.alerts...)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	_, _, err := New("api-server", config.LogConfig{Level: "loud"})
	require.ErrorContains(t, err, "invalid log level")

	_, _, err = New("api-server", config.LogConfig{Format: "xml"})
	require.ErrorContains(t, err, "invalid log format")

	_, _, err = New("api-server", config.LogConfig{Output: "syslog"})
	require.ErrorContains(t, err, "invalid log output")
}

func TestNewJSONConsoleCarriesServiceAttr(t *testing.T) {
	var out bytes.Buffer
	logger, closeLogger, err := New("api-server", config.LogConfig{Format: "json", Level: "debug"}, withStdout(&out))
	require.NoError(t, err)
	defer closeLogger()

	logger.Debug("cache refreshed", "keys", 3)
	assert.Contains(t, out.String(), `"service":"api-server"`)
	assert.Contains(t, out.String(), `"keys":3`)
}

func TestNewFileOutputRotatesThroughLumberjack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "api.log")
	logger, closeLogger, err := New("api-server", config.LogConfig{
		Output:     "file",
		FilePath:   path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	})
	require.NoError(t, err)
	logger.Info("started")
	require.NoError(t, closeLogger())
	assert.FileExists(t, path)
}

func TestAlertsForwardErrorRecordsOnly(t *testing.T) {
	var out bytes.Buffer
	alerter := &recordingAlerter{}
	logger, closeLogger, err := New("api-server", config.LogConfig{Level: "warn"}, withStdout(&out), WithAlerts(alerter))
	require.NoError(t, err)

	logger.Info("ignored")
	logger.Warn("client error", "status", 400)
	logger.With("route", "/user/health").Error("request failed", "err", "rpc down")
	require.NoError(t, closeLogger())

	alerts := alerter.snapshot()
	require.Len(t, alerts, 1)
	assert.True(t, strings.HasPrefix(alerts[0], "[api-server] request failed"))
	assert.Contains(t, alerts[0], "route=/user/health")
	assert.Contains(t, alerts[0], `err="rpc down"`)
	assert.NotContains(t, out.String(), "ignored")
	assert.Contains(t, out.String(), "client error")
}

func TestAlertQueueDropsWhenFull(t *testing.T) {
	alerter := &recordingAlerter{block: make(chan struct{})}
	handler := newAlertHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), "keeper", alerter, 1)
	logger := slog.New(handler)

	for i := 0; i < 10; i++ {
		logger.Error("tick failed")
	}
	close(alerter.block)
	require.NoError(t, handler.Close())

	delivered := len(alerter.snapshot())
	assert.GreaterOrEqual(t, delivered, 1)
	assert.Equal(t, uint64(10), uint64(delivered)+handler.Dropped())
}
