package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  log: stdout
  listen: 127.0.0.1:9090
transfers:
  manager: tm
  marker_period: PT2S
  missing_strikes: 3
namespace:
  root: /srv/data
history:
  path: /var/lib/courier/history.db
worker:
  enabled: true
  pull:
    path: curl
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.LogStdout, cfg.Service.Log)
	require.Equal(t, "127.0.0.1:9090", cfg.Service.Listen)
	require.Equal(t, model.DefaultDoor, cfg.Service.Address)
	require.Equal(t, "tm", cfg.Transfers.Manager)
	require.Equal(t, "PT30S", cfg.Transfers.Timeout)
	require.Equal(t, 3, cfg.Transfers.MissingStrikes)
	require.Equal(t, "/srv/data", cfg.Namespace.Root)
	require.NotNil(t, cfg.History)
	require.Equal(t, "P7D", cfg.History.Retention)
	require.Equal(t, "@daily", cfg.History.Prune)
	require.Equal(t, true, cfg.Worker["enabled"])

	period, err := cfg.Transfers.MarkerPeriodDuration()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, period)
	timeout, err := cfg.Transfers.TimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, timeout)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.False(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Equal(t, ":8080", cfg.Service.Listen)
	require.Equal(t, model.DefaultManager, cfg.Transfers.Manager)
	require.Equal(t, "PT5S", cfg.Transfers.MarkerPeriod)
	require.Equal(t, 2, cfg.Transfers.MissingStrikes)
	require.Nil(t, cfg.History)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"bad duration", "version: 0\ntransfers:\n  marker_period: 5s\n", "transfers.marker_period"},
		{"unknown field", "version: 0\nservice:\n  mode: timer\n", "service.mode"},
		{"zero strikes", "version: 0\ntransfers:\n  missing_strikes: 0\n", "transfers.missing_strikes"},
		{"history without path", "version: 0\nhistory:\n  prune: '@hourly'\n", "history.path"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var paths []string
			for _, d := range details {
				paths = append(paths, d.Path)
			}
			require.Contains(t, paths, tc.then)
		})
	}
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	cfg := model.DefaultConfig("/srv/courier")
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(cfg))

	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg.Service, loaded.Service)
	require.Equal(t, cfg.Transfers, loaded.Transfers)
	require.Equal(t, cfg.Namespace, loaded.Namespace)
	require.Equal(t, cfg.History, loaded.History)
}
