package action

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type WebSocketConfig struct {
	URL            string        `json:"url"`
	QueueSize      int           `json:"queue_size"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	PingInterval   time.Duration `json:"ping_interval"`
	WriteWait      time.Duration `json:"write_wait"`
	DialTimeout    time.Duration `json:"dial_timeout"`
}

// WebSocketPublisher pushes cache events to a listening dashboard. Messages
// wait in a bounded queue while the connection is down and are dropped once
// the queue is full; a cache operation never blocks on delivery.
type WebSocketPublisher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	metrics types.MetricsManager
	config  *WebSocketConfig
	dialer  *websocket.Dialer
	send    chan *types.ActionMessage
	conn    *websocket.Conn
	connMu  sync.Mutex
	done    chan struct{}
	state   atomic.Value
	dropped atomic.Uint64
}

func NewWebSocketPublisher(ctx context.Context, logger types.Logger, config *types.ActionsConfig, metrics types.MetricsManager) (*WebSocketPublisher, error) {
	wsConfig := &WebSocketConfig{
		URL:            "ws://localhost:8081/events",
		QueueSize:      256,
		ReconnectDelay: 5 * time.Second,
		PingInterval:   30 * time.Second,
		WriteWait:      10 * time.Second,
		DialTimeout:    10 * time.Second,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, wsConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket config")
		}
	}
	if wsConfig.URL == "" || wsConfig.QueueSize < 1 {
		return nil, types.Errorf(types.ErrActionConfigInvalid, "websocket url %q, queue size %d", wsConfig.URL, wsConfig.QueueSize)
	}

	publisherCtx, cancel := context.WithCancel(ctx)

	p := &WebSocketPublisher{
		ctx:     publisherCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		config:  wsConfig,
		dialer:  &websocket.Dialer{HandshakeTimeout: wsConfig.DialTimeout},
		send:    make(chan *types.ActionMessage, wsConfig.QueueSize),
		done:    make(chan struct{}),
	}

	p.state.Store(StateStopped)

	return p, nil
}

func (p *WebSocketPublisher) Publish(action string, payload interface{}) error {
	if !p.IsRunning() {
		return types.ErrActionNotInitialized
	}

	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "sai-anime-cache",
		MessageID: uuid.NewString(),
	}

	select {
	case p.send <- message:
		p.recordMetric(action, "queued")
		return nil
	default:
		p.dropped.Add(1)
		p.recordMetric(action, "dropped")
		p.logger.Warn("Event queue is full, dropping message",
			zap.String("action", action),
			zap.String("message_id", message.MessageID))
		return types.Errorf(types.ErrActionPublishFailed, "queue full")
	}
}

// Start does not wait for the first connection. The write loop dials and
// redials in the background.
func (p *WebSocketPublisher) Start() error {
	if !p.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	go p.writeLoop()

	p.setState(StateRunning)
	p.logger.Info("WebSocket publisher started", zap.String("url", p.config.URL))
	return nil
}

func (p *WebSocketPublisher) Stop() error {
	if !p.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer p.setState(StateStopped)

	p.cancel()
	<-p.done

	p.closeConn()

	p.logger.Info("WebSocket publisher stopped",
		zap.Int("undelivered", len(p.send)),
		zap.Uint64("dropped", p.dropped.Load()))
	return nil
}

func (p *WebSocketPublisher) IsRunning() bool {
	return p.getState() == StateRunning
}

func (p *WebSocketPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *WebSocketPublisher) writeLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.config.PingInterval)
	defer ticker.Stop()

	var pending *types.ActionMessage

	for {
		if p.ctx.Err() != nil {
			return
		}

		conn, err := p.ensureConn()
		if err != nil {
			p.logger.Warn("WebSocket connect failed, retrying",
				zap.String("url", p.config.URL),
				zap.Duration("delay", p.config.ReconnectDelay),
				zap.Error(err))

			select {
			case <-time.After(p.config.ReconnectDelay):
				continue
			case <-p.ctx.Done():
				return
			}
		}

		if pending == nil {
			select {
			case <-p.ctx.Done():
				return
			case pending = <-p.send:
			case <-ticker.C:
				if err := p.write(conn, websocket.PingMessage, nil); err != nil {
					p.dropConn(err)
				}
				continue
			}
		}

		data, err := utils.Marshal(pending)
		if err != nil {
			p.logger.Error("Failed to encode event", zap.String("action", pending.Action), zap.Error(err))
			pending = nil
			continue
		}

		if err := p.write(conn, websocket.TextMessage, data); err != nil {
			// keep the message for the next connection
			p.dropConn(err)
			continue
		}

		p.recordMetric(pending.Action, "sent")
		pending = nil
	}
}

func (p *WebSocketPublisher) ensureConn() (*websocket.Conn, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.conn != nil {
		return p.conn, nil
	}

	conn, _, err := p.dialer.DialContext(p.ctx, p.config.URL, nil)
	if err != nil {
		return nil, err
	}

	// a drain reader keeps control frames flowing and notices a closed peer
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	p.conn = conn
	p.logger.Info("WebSocket publisher connected", zap.String("url", p.config.URL))
	return conn, nil
}

func (p *WebSocketPublisher) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(p.config.WriteWait))
	return conn.WriteMessage(messageType, data)
}

func (p *WebSocketPublisher) dropConn(err error) {
	p.logger.Warn("WebSocket write failed, reconnecting", zap.Error(err))
	p.closeConn()
}

func (p *WebSocketPublisher) closeConn() {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.conn != nil {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *WebSocketPublisher) recordMetric(action, result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Counter("events_published_total", map[string]string{
		"transport": "websocket",
		"action":    action,
		"result":    result,
	}).Inc()
}

func (p *WebSocketPublisher) getState() State {
	return p.state.Load().(State)
}

func (p *WebSocketPublisher) setState(newState State) bool {
	currentState := p.getState()
	return p.state.CompareAndSwap(currentState, newState)
}

func (p *WebSocketPublisher) transitionState(from, to State) bool {
	return p.state.CompareAndSwap(from, to)
}
