package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// PlayerID 表示玩家唯一标识
type PlayerID string

var (
	ErrDuplicatePlayer = errors.New("player id already registered")
	ErrPlayerNotFound  = errors.New("player not found")
)

// Transform 位置与朝向
type Transform struct {
	Position [3]float64 `json:"position"`
	Rotation [3]float64 `json:"rotation"`
}

// Player 服务端的玩家表示：身份、实时变换以及加入时携带的元数据
type Player struct {
	ID        PlayerID
	Transform Transform
	Meta      map[string]json.RawMessage
}

// MarshalJSON 平铺为客户端格式 {id, position, rotation, ...meta}
func (p Player) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Meta)+3)
	for k, v := range p.Meta {
		out[k] = v
	}
	out["id"] = p.ID
	out["position"] = p.Transform.Position
	out["rotation"] = p.Transform.Rotation
	return json.Marshal(out)
}

// PlayerRegistry 当前已加入的玩家，按 id 索引
type PlayerRegistry struct {
	mu      sync.RWMutex
	players map[PlayerID]*Player
}

func NewPlayerRegistry() *PlayerRegistry {
	return &PlayerRegistry{players: make(map[PlayerID]*Player)}
}

// Add 注册玩家；id 已存在时返回 ErrDuplicatePlayer，原玩家不受影响
func (r *PlayerRegistry) Add(p *Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.players[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlayer, p.ID)
	}
	cp := *p
	r.players[p.ID] = &cp
	return nil
}

// Remove 移除并返回玩家
func (r *PlayerRegistry) Remove(id PlayerID) (Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return Player{}, fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}
	delete(r.players, id)
	return *p, nil
}

// ApplyMove 原地更新玩家变换，返回更新后的副本
func (r *PlayerRegistry) ApplyMove(id PlayerID, t Transform) (Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return Player{}, fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}
	p.Transform = t
	return *p, nil
}

func (r *PlayerRegistry) Get(id PlayerID) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// All 返回调用时刻的快照，之后的修改不会影响已返回的切片
func (r *PlayerRegistry) All() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	return out
}

func (r *PlayerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}
