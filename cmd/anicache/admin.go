package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-anime-cache/middleware"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const TokenEnv = "ANICACHE_OPERATOR_TOKEN"

type adminFlags struct {
	addr    string
	token   string
	timeout time.Duration
}

// adminClient calls the maintenance routes of a running instance.
type adminClient struct {
	flags  *adminFlags
	client *fasthttp.Client
	out    io.Writer
}

func newAdminClient() *adminClient {
	return &adminClient{flags: new(adminFlags), client: &fasthttp.Client{}}
}

func newAdminCmds(ac *adminClient) []*cobra.Command {
	af := ac.flags

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print cache, deduplicator and scheduler statistics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ac.call(cmd, fasthttp.MethodGet, "/api/v1/stats", nil)
		},
	}

	clearAll := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry, in memory and in the durable store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ac.call(cmd, fasthttp.MethodPost, "/api/v1/cache/clear", nil)
		},
	}

	clearExpired := &cobra.Command{
		Use:   "clear-expired",
		Short: "Evict expired cache entries now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ac.call(cmd, fasthttp.MethodPost, "/api/v1/cache/clear-expired", nil)
		},
	}

	invalidate := &cobra.Command{
		Use:   "invalidate <pattern>",
		Short: "Remove cache entries whose key matches a glob pattern, e.g. 'jikan:*'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ac.call(cmd, fasthttp.MethodPost, "/api/v1/cache/invalidate", url.Values{"pattern": {args[0]}})
		},
	}

	cmds := []*cobra.Command{stats, clearAll, clearExpired, invalidate}
	for _, cmd := range cmds {
		fs := cmd.Flags()
		fs.StringVar(&af.addr, "addr", "http://localhost:8080", "address of a running instance")
		fs.StringVar(&af.token, "token", "", "operator token, defaults to $"+TokenEnv)
		fs.DurationVar(&af.timeout, "timeout", 10*time.Second, "request timeout")
	}

	return cmds
}

func (ac *adminClient) call(cmd *cobra.Command, method, path string, query url.Values) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := strings.TrimSuffix(ac.flags.addr, "/") + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	if token := ac.token(); token != "" {
		req.Header.Set(middleware.OperatorTokenHeader, token)
	}

	if err := ac.client.DoTimeout(req, resp, ac.flags.timeout); err != nil {
		return fmt.Errorf("request to %s failed, %w", uri, err)
	}

	out := ac.out
	if out == nil {
		out = cmd.OutOrStdout()
	}

	body := resp.Body()
	if resp.StatusCode() != fasthttp.StatusOK {
		var e utils.ErrorBody
		if err := utils.Unmarshal(body, &e); err == nil && e.Message != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), e.Message)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode())
	}

	_, err := fmt.Fprintln(out, string(body))
	return err
}

func (ac *adminClient) token() string {
	if ac.flags.token != "" {
		return ac.flags.token
	}
	return os.Getenv(TokenEnv)
}
