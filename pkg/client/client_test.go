package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/portvisor/internal/env"
	"github.com/loykin/portvisor/internal/manager"
	"github.com/loykin/portvisor/internal/probe"
	"github.com/loykin/portvisor/internal/registry"
	"github.com/loykin/portvisor/internal/server"
	"github.com/loykin/portvisor/internal/status"
	pvtls "github.com/loykin/portvisor/internal/tls"
)

type busyProber map[int]bool

func (b busyProber) Probe(_ context.Context, port int) (probe.Observation, error) {
	return probe.Observation{Port: port, Listening: b[port], Method: "test"}, nil
}

func (b busyProber) ProbeAll(ctx context.Context, ports []int) (map[int]probe.Observation, error) {
	out := make(map[int]probe.Observation, len(ports))
	for _, p := range ports {
		out[p], _ = b.Probe(ctx, p)
	}
	return out, nil
}

func daemonHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, err := registry.New(
		registry.Descriptor{Name: "API", Port: 47081, Command: "true", WorkDir: t.TempDir()},
		registry.Descriptor{Name: "LendSight", Port: 47082, Command: "true", WorkDir: t.TempDir(), RequiredKeys: []string{"CLAUDE_API_KEY"}},
	)
	require.NoError(t, err)
	prober := busyProber{47081: true}
	mgr, err := manager.New(manager.Options{
		Registry: reg,
		Resolver: &env.Resolver{FileName: ".env", LookupEnv: func(string) (string, bool) { return "", false }},
		Prober:   prober,
		StateDir: t.TempDir(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return server.NewRouter(mgr, status.New(reg, prober, mgr), "/api").Handler()
}

func newClient(t *testing.T, baseURL string, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = baseURL
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestClientAgainstRouter(t *testing.T) {
	ts := httptest.NewServer(daemonHandler(t))
	defer ts.Close()
	c := newClient(t, ts.URL+"/api/", Config{})
	ctx := context.Background()

	require.True(t, c.IsReachable(ctx))

	sts, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, sts, 2)
	assert.Equal(t, "running", sts[0].State)
	assert.True(t, sts[0].Observation.Listening)
	assert.Equal(t, "not_running", sts[1].State)

	one, err := c.ServiceStatus(ctx, "lendsight")
	require.NoError(t, err)
	assert.Equal(t, "LendSight", one.Name)

	res, err := c.Start(ctx, "API")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "port_conflict", res.Outcome)
	assert.Equal(t, 47081, res.Port)
	assert.False(t, res.OK())

	res, err = c.Start(ctx, "LendSight")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "missing_config", res.Outcome)

	_, err = c.Stop(ctx, "nope")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	res, err = c.Stop(ctx, "LendSight")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "not_running", res.State)

	batch, err := c.StopAll(ctx)
	require.NoError(t, err, "partial failure is not a transport error")
	assert.False(t, batch.OK)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Results, 2)
	assert.Equal(t, "stop_failed", batch.Results[0].Outcome)
}

func TestClientUnreachable(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1/api", Config{})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}

func TestClientTLS(t *testing.T) {
	dir := t.TempDir()
	serverTLS, err := pvtls.Setup(pvtls.Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(daemonHandler(t))
	ts.TLS = serverTLS
	ts.StartTLS()
	defer ts.Close()

	// trust the generated CA
	c := newClient(t, ts.URL+"/api", Config{TLS: &TLSClientConfig{CACert: filepath.Join(dir, pvtls.CACertFile), ServerName: "localhost"}})
	_, err = c.Status(context.Background())
	require.NoError(t, err)

	insecure := newClient(t, ts.URL+"/api", Config{Insecure: true})
	_, err = insecure.Status(context.Background())
	require.NoError(t, err)

	plain := newClient(t, ts.URL+"/api", Config{})
	_, err = plain.Status(context.Background())
	assert.Error(t, err, "self-signed cert must not verify against system roots")
}

func TestClientBadCA(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(p, []byte("not a cert"), 0o600))
	_, err := New(Config{TLS: &TLSClientConfig{CACert: p}})
	assert.Error(t, err)
}
