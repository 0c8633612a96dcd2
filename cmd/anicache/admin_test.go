package main

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-anime-cache/middleware"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type seen struct {
	method  string
	uri     string
	pattern string
	token   string
}

func newTestAdmin(t *testing.T) (*adminClient, *seen, *bytes.Buffer) {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	last := &seen{}
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			last.method = string(ctx.Method())
			last.uri = string(ctx.Path())
			last.pattern = string(ctx.QueryArgs().Peek("pattern"))
			last.token = string(ctx.Request.Header.Peek(middleware.OperatorTokenHeader))

			if ctx.IsPost() && last.token != "op" {
				utils.WriteError(ctx, fasthttp.StatusUnauthorized, "Operator token required")
				return
			}
			utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]int{"removed": 2})
		})
	}()
	t.Cleanup(func() { _ = ln.Close() })

	ac := newAdminClient()
	ac.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	out := &bytes.Buffer{}
	ac.out = out

	return ac, last, out
}

func run(t *testing.T, ac *adminClient, args ...string) error {
	t.Helper()

	root := &cobra.Command{Use: "anicache", SilenceUsage: true, SilenceErrors: true}
	for _, cmd := range newAdminCmds(ac) {
		root.AddCommand(cmd)
	}
	root.SetArgs(args)
	return root.Execute()
}

func TestInvalidateSendsPatternAndToken(t *testing.T) {
	ac, last, out := newTestAdmin(t)

	require.NoError(t, run(t, ac, "invalidate", "jikan:*", "--token", "op", "--addr", "http://anicache"))
	assert.Equal(t, fasthttp.MethodPost, last.method)
	assert.Equal(t, "/api/v1/cache/invalidate", last.uri)
	assert.Equal(t, "jikan:*", last.pattern)
	assert.Equal(t, "op", last.token)
	assert.Equal(t, `{"removed":2}`, strings.TrimSpace(out.String()))
}

func TestTokenFallsBackToEnvironment(t *testing.T) {
	t.Setenv(TokenEnv, "op")
	ac, last, _ := newTestAdmin(t)

	require.NoError(t, run(t, ac, "clear", "--addr", "http://anicache"))
	assert.Equal(t, "/api/v1/cache/clear", last.uri)
	assert.Equal(t, "op", last.token)
}

func TestRejectedCallReturnsServerMessage(t *testing.T) {
	t.Setenv(TokenEnv, "")
	ac, _, _ := newTestAdmin(t)

	err := run(t, ac, "clear-expired", "--addr", "http://anicache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401 Operator token required")
}

func TestStatsNeedsNoToken(t *testing.T) {
	t.Setenv(TokenEnv, "")
	ac, last, _ := newTestAdmin(t)

	require.NoError(t, run(t, ac, "stats", "--addr", "http://anicache/"))
	assert.Equal(t, fasthttp.MethodGet, last.method)
	assert.Equal(t, "/api/v1/stats", last.uri)
	assert.Empty(t, last.token)
}

func TestInvalidateRequiresPattern(t *testing.T) {
	ac, _, _ := newTestAdmin(t)
	assert.Error(t, run(t, ac, "invalidate"))
}
