package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/xqueue-grader/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xqwatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleConfig = `
MANAGER:
  HTTP_BASIC_AUTH: [edx, edx]
  POLL_TIME: 5
  REQUESTS_TIMEOUT: 2
CLIENTS:
  - QUEUE_NAME: test-pull
    SERVER: http://localhost:18040
    AUTH: [lms, password]
    CONNECTIONS: 2
    HANDLERS:
      - HANDLER: grader
        KWARGS:
          grader_root: /tmp/graders
        CODEJAIL:
          name: python
          bin_path: /usr/bin/python3
          user: sandbox
          limits:
            CPU: 1
            VMEM: 500000000
LOGGING:
  LEVEL: debug
`

func TestLoad_Document(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"edx", "edx"}, cfg.Manager.HTTPBasicAuth)
	assert.Equal(t, 5*time.Second, cfg.Manager.PollTimeDuration())
	assert.Equal(t, 2*time.Second, cfg.Manager.RequestsTimeoutDuration())
	// Untouched fields pick up defaults.
	assert.Equal(t, 1*time.Second, cfg.Manager.PollIntervalDuration())
	assert.Equal(t, 5*time.Second, cfg.Manager.LoginPollIntervalDuration())
	assert.Equal(t, time.Duration(0), cfg.Manager.IdlePollIntervalDuration())

	require.Len(t, cfg.Clients, 1)
	cl := cfg.Clients[0]
	assert.Equal(t, "test-pull", cl.QueueName)
	assert.Equal(t, 2, cl.Connections)
	require.Len(t, cl.Handlers, 1)
	h := cl.Handlers[0]
	assert.Equal(t, "grader", h.Handler)
	assert.Equal(t, "/tmp/graders", h.Kwargs["grader_root"])
	require.NotNil(t, h.Codejail)
	assert.Equal(t, "python", h.Codejail.Name)
	assert.EqualValues(t, 1, h.Codejail.Limits["CPU"])

	assert.Equal(t, 2, cfg.TotalConnections())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_JSONDocument(t *testing.T) {
	// YAML is a JSON superset; deployments that kept the original JSON
	// config files keep working.
	cfg, err := config.Load(writeConfig(t, `{"CLIENTS": [{"QUEUE_NAME": "q", "SERVER": "http://x:1"}]}`))
	require.NoError(t, err)
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, 1, cfg.Clients[0].Connections)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"queue name required", `{"CLIENTS": [{"SERVER": "http://x:1"}]}`},
		{"server required", `{"CLIENTS": [{"QUEUE_NAME": "q"}]}`},
		{"basic auth pair", `{"MANAGER": {"HTTP_BASIC_AUTH": ["only-user"]}, "CLIENTS": []}`},
		{"handler name required", `{"CLIENTS": [{"QUEUE_NAME": "q", "SERVER": "http://x:1", "HANDLERS": [{"KWARGS": {}}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.doc))
			require.Error(t, err)
		})
	}
}

func TestLoadAmbient_Defaults(t *testing.T) {
	a, err := config.LoadAmbient()
	require.NoError(t, err)
	assert.Equal(t, ":9090", a.StatusAddr)
	assert.True(t, a.IsDev())
}
