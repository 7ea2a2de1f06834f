package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
)

// Conn 会话层看到的连接：只负责发送与关闭
type Conn interface {
	ID() string
	// Send 非阻塞投递一条已编码的消息
	Send(b []byte) error
	Close() error
}

type connState int

const (
	stateUnjoined connState = iota
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	}
	return "unjoined"
}

// session 连接与其玩家的路由关系（不拥有玩家）
type session struct {
	conn   Conn
	state  connState
	player PlayerID
}

// HubOptions 广播策略
type HubOptions struct {
	// ExcludeOrigin 为 true 时 playerenter/playermove 不回显给发起连接
	ExcludeOrigin bool
}

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdMessage
	cmdClose
)

type hubCmd struct {
	kind    cmdKind
	conn    Conn
	connID  string
	payload []byte
	ack     chan struct{}
}

// Hub 会话中枢：单协程持有连接集合并串行修改玩家注册表
// 所有入站事件经 cmds 通道进入 Run 循环，同一连接的消息顺序保持不变
type Hub struct {
	registry *PlayerRegistry
	parcel   func() *Parcel
	metrics  *HubMetrics

	excludeOrigin atomic.Bool
	live          atomic.Int64

	cmds     chan hubCmd
	started  atomic.Bool
	done     chan struct{}
	sessions map[string]*session // 仅由 Run 协程访问
}

// NewHub 创建会话中枢；parcel 提供加入时回复的初始状态，可为 nil
func NewHub(registry *PlayerRegistry, parcel func() *Parcel, metrics *HubMetrics, opts HubOptions) *Hub {
	if registry == nil {
		registry = NewPlayerRegistry()
	}
	if metrics == nil {
		metrics = &HubMetrics{}
	}
	h := &Hub{
		registry: registry,
		parcel:   parcel,
		metrics:  metrics,
		cmds:     make(chan hubCmd, 256),
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
	}
	h.excludeOrigin.Store(opts.ExcludeOrigin)
	return h
}

// Run 处理事件直到 ctx 结束；只应调用一次
func (h *Hub) Run(ctx context.Context) {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.cmds:
			h.handle(c)
			close(c.ack)
		}
	}
}

// Register 接入新连接，初始状态为 unjoined；中枢已停止时返回 false
func (h *Hub) Register(c Conn) bool {
	return h.submit(hubCmd{kind: cmdRegister, conn: c, connID: c.ID()})
}

// Deliver 提交一条入站消息，处理完成后返回
func (h *Hub) Deliver(connID string, payload []byte) {
	h.submit(hubCmd{kind: cmdMessage, connID: connID, payload: payload})
}

// Disconnect 传输层关闭；可重复调用
func (h *Hub) Disconnect(connID string) {
	h.submit(hubCmd{kind: cmdClose, connID: connID})
}

func (h *Hub) submit(c hubCmd) bool {
	c.ack = make(chan struct{})
	select {
	case h.cmds <- c:
	case <-h.done:
		return false
	}
	select {
	case <-c.ack:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handle(c hubCmd) {
	switch c.kind {
	case cmdRegister:
		if _, ok := h.sessions[c.connID]; ok {
			return
		}
		h.sessions[c.connID] = &session{conn: c.conn}
		h.live.Store(int64(len(h.sessions)))
		h.metrics.inc(&h.metrics.Connections)
	case cmdMessage:
		if s, ok := h.sessions[c.connID]; ok {
			h.onMessage(s, c.payload)
		}
	case cmdClose:
		s, ok := h.sessions[c.connID]
		if !ok {
			return
		}
		// 先移出连接集合，断线的连接不再参与广播
		h.unregister(c.connID)
		if s.state == stateJoined {
			h.depart(s)
		}
		s.state = stateClosed
	}
}

func (h *Hub) onMessage(s *session, payload []byte) {
	if s.state == stateClosed {
		return
	}
	msg, err := decodeInbound(payload)
	if err != nil {
		h.metrics.inc(&h.metrics.DroppedMalformed)
		Log.Debugw("drop message", "conn", s.conn.ID(), "err", err)
		return
	}
	switch msg.Type {
	case TypeJoin:
		h.join(s, msg)
	case TypeMove:
		h.move(s, msg)
	case TypeLeave:
		h.leave(s)
	default:
		h.metrics.inc(&h.metrics.DroppedUnknown)
		Log.Debugw("ignore message", "conn", s.conn.ID(), "type", msg.Type)
	}
}

func (h *Hub) join(s *session, msg inbound) {
	if s.state != stateUnjoined {
		h.metrics.inc(&h.metrics.DroppedUnjoined)
		return
	}
	p, err := msg.decodeJoin()
	if err != nil {
		h.metrics.inc(&h.metrics.DroppedMalformed)
		Log.Debugw("drop join", "conn", s.conn.ID(), "err", err)
		return
	}
	if err := h.registry.Add(p); err != nil {
		if errors.Is(err, ErrDuplicatePlayer) {
			h.metrics.inc(&h.metrics.JoinsDuplicate)
		}
		Log.Infof("join rejected: conn=%s player=%s: %v", s.conn.ID(), p.ID, err)
		return
	}
	s.state = stateJoined
	s.player = p.ID
	h.metrics.inc(&h.metrics.JoinsAccepted)
	Log.Infof("player joined: conn=%s player=%s", s.conn.ID(), p.ID)

	h.sendWelcome(s)
	h.broadcast(PlayerEvent{Type: TypePlayerEnter, Player: *p}, s.conn.ID(), h.excludeOrigin.Load())
}

func (h *Hub) move(s *session, msg inbound) {
	if s.state != stateJoined {
		h.metrics.inc(&h.metrics.DroppedUnjoined)
		return
	}
	mv, err := msg.decodeMove()
	if err != nil {
		h.metrics.inc(&h.metrics.DroppedMalformed)
		Log.Debugw("drop move", "conn", s.conn.ID(), "err", err)
		return
	}
	cur, ok := h.registry.Get(s.player)
	if !ok {
		h.inconsistent(s, "move")
		return
	}
	p, err := h.registry.ApplyMove(s.player, mv.apply(cur.Transform))
	if err != nil {
		h.inconsistent(s, "move")
		return
	}
	h.metrics.inc(&h.metrics.Moves)
	h.broadcast(PlayerEvent{Type: TypePlayerMove, Player: p}, s.conn.ID(), h.excludeOrigin.Load())
}

// leave 主动离开：未加入的连接忽略
func (h *Hub) leave(s *session) {
	if s.state != stateJoined {
		return
	}
	h.depart(s)
	s.state = stateClosed
	h.unregister(s.conn.ID())
	_ = s.conn.Close()
}

// depart 移除玩家并广播 playerleave；主动离开与断线共用
func (h *Hub) depart(s *session) {
	s.state = stateClosed
	p, err := h.registry.Remove(s.player)
	if err != nil {
		h.inconsistent(s, "leave")
		return
	}
	h.metrics.inc(&h.metrics.Leaves)
	Log.Infof("player left: conn=%s player=%s", s.conn.ID(), p.ID)
	h.broadcast(PlayerEvent{Type: TypePlayerLeave, Player: p}, "", false)
}

func (h *Hub) unregister(connID string) {
	delete(h.sessions, connID)
	h.live.Store(int64(len(h.sessions)))
}

func (h *Hub) inconsistent(s *session, op string) {
	h.metrics.inc(&h.metrics.Inconsistencies)
	Log.Warnf("registry out of sync: op=%s conn=%s player=%s state=%s", op, s.conn.ID(), s.player, s.state)
}

func (h *Hub) sendWelcome(s *session) {
	if h.parcel == nil {
		return
	}
	p := h.parcel()
	if p == nil {
		return
	}
	b, err := json.Marshal(newWelcome(p, h.registry.All()))
	if err != nil {
		Log.Errorf("encode welcome: %v", err)
		return
	}
	h.deliver(s.conn, b)
}

// broadcast 编码一次，逐个投递给当前存活连接；单个连接失败不影响其余连接
func (h *Hub) broadcast(ev any, origin string, skipOrigin bool) {
	b, err := json.Marshal(ev)
	if err != nil {
		Log.Errorf("encode broadcast: %v", err)
		return
	}
	h.metrics.inc(&h.metrics.Broadcasts)
	for id, s := range h.sessions {
		if skipOrigin && id == origin {
			continue
		}
		h.deliver(s.conn, b)
	}
}

func (h *Hub) deliver(c Conn, b []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.inc(&h.metrics.SendFailures)
			Log.Warnf("send panicked: conn=%s: %v", c.ID(), r)
		}
	}()
	if err := c.Send(b); err != nil {
		h.metrics.inc(&h.metrics.SendFailures)
		Log.Debugw("send failed", "conn", c.ID(), "err", err)
	}
}

// shutdown 关闭全部连接；不广播
func (h *Hub) shutdown() {
	for id, s := range h.sessions {
		if s.state == stateJoined {
			_, _ = h.registry.Remove(s.player)
		}
		_ = s.conn.Close()
		delete(h.sessions, id)
	}
	h.live.Store(0)
}

// Players 当前玩家快照
func (h *Hub) Players() []Player { return h.registry.All() }

// Connections 当前存活连接数
func (h *Hub) Connections() int { return int(h.live.Load()) }

func (h *Hub) Metrics() *HubMetrics { return h.metrics }

func (h *Hub) ExcludeOrigin() bool { return h.excludeOrigin.Load() }

// SetExcludeOrigin 运行期切换回显策略
func (h *Hub) SetExcludeOrigin(v bool) { h.excludeOrigin.Store(v) }
