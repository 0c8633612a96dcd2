package service

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-anime-cache/config"
	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/sai"
	"github.com/saiset-co/sai-anime-cache/server"
	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const jikanItem = `{"data": {"mal_id": 1, "title": "Cowboy Bebop", "score": 8.75, "genres": [{"name": "Action"}]}}`

type upstream struct {
	calls atomic.Int32
}

func (u *upstream) dial(t *testing.T) func(addr string) (net.Conn, error) {
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			u.calls.Add(1)
			if strings.HasPrefix(string(ctx.Path()), "/anime/") {
				ctx.SetContentType("application/json")
				ctx.SetBodyString(jikanItem)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		})
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return func(string) (net.Conn, error) { return ln.Dial() }
}

func testConfig() *types.ServiceConfig {
	cfg := config.NewLoader().Defaults()
	cfg.Server.HTTP.Host = "127.0.0.1"
	cfg.Server.HTTP.Port = 0
	for name, u := range cfg.Upstreams {
		u.BaseURL = "http://" + name + ".test"
		u.MinDelay = 0
		u.Retries = 0
	}
	return cfg
}

func get(t *testing.T, addr, path string) (int, []byte) {
	t.Helper()

	status, body, err := (&fasthttp.Client{}).GetTimeout(nil, "http://"+addr+path, 5*time.Second)
	require.NoError(t, err)
	return status, body
}

func TestServiceLifecycle(t *testing.T) {
	u := &upstream{}
	svc, err := New(context.Background(), testConfig(), logger.NewNopLogger(), sai.Options{Dial: u.dial(t)})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	select {
	case <-svc.Started():
	case err := <-errCh:
		t.Fatalf("service exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not start")
	}
	require.True(t, svc.IsRunning())

	addr := svc.Container().HTTPServer.Addr()

	for i := 0; i < 2; i++ {
		status, body := get(t, addr, "/api/v1/anime/1")
		require.Equal(t, fasthttp.StatusOK, status, string(body))

		var anime types.Anime
		require.NoError(t, utils.Unmarshal(body, &anime))
		assert.Equal(t, "jikan-1", anime.ID)
	}
	assert.Equal(t, int32(1), u.calls.Load())

	status, body := get(t, addr, "/api/v1/stats")
	require.Equal(t, fasthttp.StatusOK, status)

	var stats server.StatsResponse
	require.NoError(t, utils.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Cache.EntryCount)

	jobs := make([]string, 0, len(stats.Jobs))
	for _, job := range stats.Jobs {
		jobs = append(jobs, job.Name)
	}
	assert.ElementsMatch(t, []string{sai.JanitorJobName, sai.HealthJobName}, jobs)

	status, _ = get(t, addr, "/health")
	assert.Equal(t, fasthttp.StatusOK, status)

	require.NoError(t, svc.Stop())
	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	require.NoError(t, <-errCh)

	assert.False(t, svc.IsRunning())
	assert.False(t, svc.Container().CacheCore.IsRunning())
	assert.ErrorIs(t, svc.Stop(), types.ErrServiceIsNotRunning)
}

func TestStartFailureRollsBack(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.Server.HTTP.Port = taken.Addr().(*net.TCPAddr).Port

	svc, err := New(context.Background(), cfg, logger.NewNopLogger(), sai.Options{})
	require.NoError(t, err)

	err = svc.Start()
	assert.ErrorIs(t, err, types.ErrServerStartFailed)

	select {
	case <-svc.Done():
	default:
		t.Fatal("done must be closed after a failed start")
	}
	assert.False(t, svc.Container().CacheCore.IsRunning())
	assert.False(t, svc.Container().Clients.IsRunning())
}

func TestNewServiceNeedsConfigFile(t *testing.T) {
	_, err := NewService(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewService(context.Background(), "/nonexistent/config.yml")
	assert.Error(t, err)
}
