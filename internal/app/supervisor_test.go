package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/xqueue-grader/internal/config"
)

// emptyQueueServer answers every call like an xqueue with nothing queued.
func emptyQueueServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"return_code":1,"content":"Queue is empty"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeWatcherConfig(t *testing.T, server string, connections int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xqwatcher.yml")
	writeWatcherConfigAt(t, path, server, connections)
	return path
}

func writeWatcherConfigAt(t *testing.T, path, server string, connections int) {
	t.Helper()
	doc := fmt.Sprintf(`MANAGER:
  POLL_TIME: 0.05
  REQUESTS_TIMEOUT: 0.5
  POLL_INTERVAL: 0.01
CLIENTS:
  - QUEUE_NAME: test_queue
    SERVER: %s
    CONNECTIONS: %d
`, server, connections)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func loadSupervisor(t *testing.T, path string) *Supervisor {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return NewSupervisor(cfg, DefaultRegistry())
}

func TestSupervisor_StartAndShutdown(t *testing.T) {
	srv := emptyQueueServer(t)
	s := loadSupervisor(t, writeWatcherConfig(t, srv.URL, 2))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, s.WorkerCount())
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, ExitOK, s.Shutdown())
	assert.Equal(t, ExitOK, s.Shutdown())
}

func TestSupervisor_WaitQuitIfEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xqwatcher.yml")
	require.NoError(t, os.WriteFile(path, []byte("MANAGER:\n  POLL_TIME: 0.05\n"), 0o644))
	s := loadSupervisor(t, path)
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, ExitOK, s.Wait(context.Background(), true))
}

func TestSupervisor_WaitEndsOnContextCancel(t *testing.T) {
	srv := emptyQueueServer(t)
	s := loadSupervisor(t, writeWatcherConfig(t, srv.URL, 1))
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	assert.Equal(t, ExitOK, s.Wait(ctx, false))
}

func TestSupervisor_WorkerDeathEndsWait(t *testing.T) {
	srv := emptyQueueServer(t)
	s := loadSupervisor(t, writeWatcherConfig(t, srv.URL, 2))
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	codes := make(chan int, 1)
	go func() { codes <- s.Wait(context.Background(), false) }()

	// Kill one worker out from under the supervisor.
	s.mu.Lock()
	w := s.workers[0]
	s.mu.Unlock()
	w.Shutdown()

	select {
	case code := <-codes:
		assert.Equal(t, ExitWorkerLost, code)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not notice the dead worker")
	}
}

func TestSupervisor_ReloadReplacesPool(t *testing.T) {
	srv := emptyQueueServer(t)
	path := writeWatcherConfig(t, srv.URL, 1)
	s := loadSupervisor(t, path)
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, s.WorkerCount())

	writeWatcherConfigAt(t, path, srv.URL, 3)
	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, 3, s.WorkerCount())

	assert.Equal(t, ExitOK, s.Shutdown())
}

func TestSupervisor_ReloadFailsOnBrokenConfig(t *testing.T) {
	srv := emptyQueueServer(t)
	path := writeWatcherConfig(t, srv.URL, 1)
	s := loadSupervisor(t, path)
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("CLIENTS:\n  - SERVER: not-a-url\n"), 0o644))
	require.Error(t, s.Reload(context.Background()))
}

func TestSupervisor_MissingConfigToleratedOneTick(t *testing.T) {
	srv := emptyQueueServer(t)
	path := writeWatcherConfig(t, srv.URL, 1)
	s := loadSupervisor(t, path)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown() })

	require.NoError(t, os.Remove(path))
	_, fatal := s.checkConfig(context.Background())
	assert.False(t, fatal)

	code, fatal := s.checkConfig(context.Background())
	assert.True(t, fatal)
	assert.Equal(t, ExitWorkerLost, code)
}

func TestSupervisor_ConfigReappearingResetsGrace(t *testing.T) {
	srv := emptyQueueServer(t)
	path := writeWatcherConfig(t, srv.URL, 1)
	s := loadSupervisor(t, path)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown() })

	doc, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	_, fatal := s.checkConfig(context.Background())
	require.False(t, fatal)

	// Deploy tooling finished writing; keep the old mtime semantics by
	// rewriting the identical document.
	require.NoError(t, os.WriteFile(path, doc, 0o644))
	s.mu.Lock()
	info, err := os.Stat(path)
	require.NoError(t, err)
	s.lastModTime = info.ModTime()
	s.mu.Unlock()

	_, fatal = s.checkConfig(context.Background())
	assert.False(t, fatal)
	_, fatal = s.checkConfig(context.Background())
	assert.False(t, fatal)
}

func TestStatusRouter(t *testing.T) {
	srv := emptyQueueServer(t)
	s := loadSupervisor(t, writeWatcherConfig(t, srv.URL, 1))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown() })

	status := httptest.NewServer(StatusRouter(s))
	t.Cleanup(status.Close)

	resp, err := http.Get(status.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	metrics, err := http.Get(status.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
