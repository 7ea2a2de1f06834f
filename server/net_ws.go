package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 1 << 20 // 1MB
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClientConn(ws *websocket.Conn, queue int) *ClientConn {
	if queue <= 0 {
		queue = 64
	}
	return &ClientConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, queue),
	}
}

func (c *ClientConn) ID() string { return c.id }

// Send 将要发送的消息压入队列（非阻塞，满则丢弃并返回错误）
func (c *ClientConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close 关闭发送队列；写协程发完已排队的消息后关闭底层连接。可重复调用
func (c *ClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定时发送 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端消息并按顺序交给中枢；退出即视为传输层关闭
func (c *ClientConn) readPump(hub *Hub, limiter *rate.Limiter) {
	defer func() {
		hub.Disconnect(c.id)
		_ = c.Close()
	}()
	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				Log.Debugw("read closed", "conn", c.id, "err", err)
			}
			return
		}
		// 只对 move 限流，join/leave 必须送达
		if limiter != nil && peekType(payload) == TypeMove && !limiter.Allow() {
			hub.metrics.inc(&hub.metrics.RateLimited)
			continue
		}
		hub.Deliver(c.id, payload)
	}
}

// peekType 只解析外壳的 type 字段，失败返回空串
func peekType(payload []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &env)
	return env.Type
}

// wsHandler WebSocket 接入
type wsHandler struct {
	hub       *Hub
	queue     int
	ratePerS  float64
	rateBurst int
	upgrader  websocket.Upgrader
}

func newWSHandler(hub *Hub, cfg Config) *wsHandler {
	return &wsHandler{
		hub:       hub,
		queue:     cfg.SendQueue,
		ratePerS:  cfg.RateLimit.PerSecond,
		rateBurst: cfg.RateLimit.Burst,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 世界客户端来自任意站点
				return true
			},
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("upgrade error: %v", err)
		return
	}

	client := NewClientConn(ws, h.queue)
	if !h.hub.Register(client) {
		_ = ws.Close()
		return
	}
	Log.Debugw("connection open", "conn", client.id, "remote", r.RemoteAddr)

	var limiter *rate.Limiter
	if h.ratePerS > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.ratePerS), h.rateBurst)
	}

	go client.writePump()
	go client.readPump(h.hub, limiter)
}
