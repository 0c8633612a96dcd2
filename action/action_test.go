package action

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

func TestNewPublisherSelectsTransport(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNopLogger()

	p, err := NewPublisher(ctx, log, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &NoopPublisher{}, p)

	p, err = NewPublisher(ctx, log, &types.ActionsConfig{Enabled: true, Type: "websocket"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebSocketPublisher{}, p)

	_, err = NewPublisher(ctx, log, &types.ActionsConfig{Enabled: true, Type: "webhook"}, nil)
	assert.ErrorIs(t, err, types.ErrActionConfigInvalid)

	_, err = NewPublisher(ctx, log, &types.ActionsConfig{Enabled: true, Type: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, types.ErrActionTypeUnknown)
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher()
	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())
	assert.NoError(t, p.Publish(types.ActionCacheCleared, nil))
	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}

func TestWebSocketPublisherDelivers(t *testing.T) {
	received := make(chan types.ActionMessage, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg types.ActionMessage
			if utils.Unmarshal(data, &msg) == nil {
				received <- msg
			}
		}
	}))
	defer srv.Close()

	p, err := NewWebSocketPublisher(context.Background(), logger.NewNopLogger(), &types.ActionsConfig{
		Config: &WebSocketConfig{
			URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
			QueueSize:      4,
			ReconnectDelay: 50 * time.Millisecond,
			PingInterval:   time.Second,
			WriteWait:      time.Second,
			DialTimeout:    time.Second,
		},
	}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Publish(types.ActionCacheCleared, nil), types.ErrActionNotInitialized)

	require.NoError(t, p.Start())
	require.NoError(t, p.Publish(types.ActionCacheInvalidated, map[string]interface{}{"pattern": "jikan:*", "removed": 3}))

	select {
	case msg := <-received:
		assert.Equal(t, types.ActionCacheInvalidated, msg.Action)
		assert.NotEmpty(t, msg.MessageID)
	case <-time.After(3 * time.Second):
		t.Fatal("event was not delivered")
	}

	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Stop(), types.ErrServerNotRunning)
}

func TestWebSocketPublisherDropsWhenFull(t *testing.T) {
	p, err := NewWebSocketPublisher(context.Background(), logger.NewNopLogger(), &types.ActionsConfig{
		Config: &WebSocketConfig{
			URL:            "ws://127.0.0.1:1/unreachable",
			QueueSize:      1,
			ReconnectDelay: time.Hour,
			PingInterval:   time.Hour,
			WriteWait:      time.Second,
			DialTimeout:    100 * time.Millisecond,
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, p.Publish("a", nil))
	err = p.Publish("b", nil)
	assert.ErrorIs(t, err, types.ErrActionPublishFailed)
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestWebhookPublisherSignsAndFilters(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()

	type delivery struct {
		event     string
		signature string
		body      []byte
	}
	var mu sync.Mutex
	var deliveries []delivery

	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			mu.Lock()
			deliveries = append(deliveries, delivery{
				event:     string(ctx.Request.Header.Peek("X-Event")),
				signature: string(ctx.Request.Header.Peek("X-Signature")),
				body:      append([]byte(nil), ctx.PostBody()...),
			})
			mu.Unlock()
			ctx.SetStatusCode(fasthttp.StatusNoContent)
		})
	}()

	p, err := NewWebhookPublisher(context.Background(), logger.NewNopLogger(), &types.ActionsConfig{
		Config: &WebhookConfig{
			Targets: []WebhookTarget{{
				URL:    "http://hooks.local/cache",
				Secret: "s3cret",
				Events: []string{types.ActionCacheCleared},
			}},
			QueueSize:      8,
			Workers:        1,
			RequestTimeout: time.Second,
		},
	}, nil)
	require.NoError(t, err)
	p.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }

	require.NoError(t, p.Start())
	require.NoError(t, p.Publish(types.ActionCacheInvalidated, nil))
	require.NoError(t, p.Publish(types.ActionCacheCleared, map[string]int64{"last_clear_time": 1}))
	require.NoError(t, p.Stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deliveries, 1)
	assert.Equal(t, types.ActionCacheCleared, deliveries[0].event)
	assert.Equal(t, "sha256="+Sign("s3cret", deliveries[0].body), deliveries[0].signature)
}
