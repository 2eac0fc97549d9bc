package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worldchamps/kioskq/internal/auth"
	"github.com/worldchamps/kioskq/internal/config"
	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/queue"
	"github.com/worldchamps/kioskq/internal/server"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/internal/store/memory"
	"github.com/worldchamps/kioskq/pkg/types"
)

const testKey = "cli-test-key"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	// keep a developer's .env out of the test
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func newProducer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := memory.New()
	require.NoError(t, err)
	srv := server.New(queue.New(st), auth.NewStaticKeys(testKey, ""), server.Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "kioskq", cmd.Use)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "agent", "migrate", "route", "enqueue", "print", "pending", "complete", "fail"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	for _, flag := range []string{"config", "env-file", "server", "api-key"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "missing --%s", flag)
	}
	assert.Equal(t, "c", cmd.PersistentFlags().Lookup("config").Shorthand)
}

func TestRouteCommand(t *testing.T) {
	out, err := execute(t, "route", "a305")
	require.NoError(t, err)
	assert.Equal(t, "property3\tThe Beach Stay A/B\n", out)

	out, err = execute(t, "route", "???")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "property3\t"))

	_, err = execute(t, "route")
	assert.Error(t, err)
}

func TestJobCommands(t *testing.T) {
	ts, st := newProducer(t)
	global := []string{"--server", ts.URL, "--api-key", testKey}

	out, err := execute(t, append(global, "enqueue", "--room", "A305", "--guest", "김민준", "--check-in", "2025-01-10")...)
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSpace(out), "\t")
	require.Len(t, fields, 4)
	id := fields[0]
	assert.Equal(t, "property3", fields[1])
	assert.Equal(t, "checkin", fields[2])

	out, err = execute(t, append(global, "pending", "property3")...)
	require.NoError(t, err)
	var pending []types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, types.JobID(id), pending[0].ID)

	out, err = execute(t, append(global, "complete", id)...)
	require.NoError(t, err)
	assert.Contains(t, out, id+" completed at ")

	out, err = execute(t, append(global, "print", "Kariv 4", "0099")...)
	require.NoError(t, err)
	var printJob types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &printJob))
	assert.Equal(t, types.Property2, printJob.Property)

	out, err = execute(t, append(global, "fail", string(printJob.ID), "printer offline", "-p", "property2")...)
	require.NoError(t, err)
	var failed types.Job
	require.NoError(t, json.Unmarshal([]byte(out), &failed))
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, "printer offline", failed.Error)

	stats := st.Stats()
	assert.Equal(t, 1, stats[types.StatusCompleted])
	assert.Equal(t, 1, stats[types.StatusFailed])
}

func TestJobCommandErrors(t *testing.T) {
	ts, _ := newProducer(t)

	_, err := execute(t, "--server", ts.URL, "--api-key", "wrong", "pending", "property1")
	assert.True(t, errs.Is(err, errs.KindUnauthorized))

	_, err = execute(t, "--server", ts.URL, "--api-key", testKey, "print", "B210", "")
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = execute(t, "--server", ts.URL, "--api-key", testKey, "complete", "nope")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = execute(t, "--server", ts.URL, "--api-key", testKey, "enqueue")
	assert.ErrorContains(t, err, "--room is required")
}

func TestEnqueueFile(t *testing.T) {
	ts, st := newProducer(t)
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- roomNumber: A305
  guestName: 김민준
  checkInDate: "2025-01-10"
- action: remote-print
  roomNumber: B210
  password: "4821"
- action: remote-print
  roomNumber: C101
`), 0o600))

	out, err := execute(t, "--server", ts.URL, "--api-key", testKey, "enqueue", "-f", path)
	assert.ErrorContains(t, err, "submitted 2/3 jobs")
	assert.Equal(t, 2, strings.Count(out, "\n"))

	pending, err := st.ListPending(context.Background(), types.Property3)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestLoadBatchErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := loadBatch(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("[]\n"), 0o600))
	_, err = loadBatch(empty)
	assert.ErrorContains(t, err, "no jobs")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("roomNumber: [\n"), 0o600))
	_, err = loadBatch(bad)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, config.StoreConfig{Backend: store.BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
	require.NoError(t, st.Close())

	mr := miniredis.RunT(t)
	st, err = openStore(ctx, config.StoreConfig{Backend: store.BackendTree, RedisAddr: mr.Addr(), KeyPrefix: "pms_queue"})
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, types.Property1, types.Job{Action: types.ActionCheckout, RoomNumber: "C101"})
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys())
	require.NoError(t, st.Close())

	_, err = openStore(ctx, config.StoreConfig{Backend: store.BackendTabular})
	assert.True(t, errs.Is(err, errs.KindBackendUnavailable))

	_, err = openStore(ctx, config.StoreConfig{Backend: store.BackendTree})
	assert.True(t, errs.Is(err, errs.KindBackendUnavailable))

	_, err = openStore(ctx, config.StoreConfig{Backend: "firebase"})
	assert.Error(t, err)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("ADMIN_API_KEY", "")

	_, err := execute(t, "serve")
	assert.ErrorContains(t, err, "invalid config")
}

func TestAgentRejectsInvalidConfig(t *testing.T) {
	t.Setenv("KIOSK_PROPERTY_ID", "")

	_, err := execute(t, "agent", "--api-key", testKey)
	assert.ErrorContains(t, err, "invalid agent config")
}

func TestRunServerStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Server:  config.ServerConfig{Addr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Auth:    config.AuthConfig{APIKey: testKey},
		Store:   config.StoreConfig{Backend: store.BackendMemory},
		Notify:  config.NotifyConfig{RedisAddr: mr.Addr()},
		Metrics: config.MetricsConfig{Enabled: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg, zaptest.NewLogger(t)) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
