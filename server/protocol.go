package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 入站消息类型
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypeMove  = "move"
)

// 出站消息类型
const (
	TypePlayerEnter = "playerenter"
	TypePlayerLeave = "playerleave"
	TypePlayerMove  = "playermove"
	TypeWelcome     = "welcome"
)

var errMalformedMessage = errors.New("malformed message")

var (
	envelopeSchema = jsonschema.MustCompileString("envelope.schema.json", `{
		"type": "object",
		"required": ["type"],
		"properties": {"type": {"type": "string"}}
	}`)

	joinSchema = jsonschema.MustCompileString("join.schema.json", `{
		"type": "object",
		"required": ["player"],
		"properties": {
			"player": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": ["string", "number"], "minLength": 1},
					"position": {"$ref": "#/$defs/vec3"},
					"rotation": {"$ref": "#/$defs/vec3"}
				}
			}
		},
		"$defs": {
			"vec3": {"type": "array", "items": {"type": "number"}, "minItems": 3, "maxItems": 3}
		}
	}`)

	moveSchema = jsonschema.MustCompileString("move.schema.json", `{
		"type": "object",
		"anyOf": [{"required": ["position"]}, {"required": ["rotation"]}],
		"properties": {
			"position": {"$ref": "#/$defs/vec3"},
			"rotation": {"$ref": "#/$defs/vec3"}
		},
		"$defs": {
			"vec3": {"type": "array", "items": {"type": "number"}, "minItems": 3, "maxItems": 3}
		}
	}`)
)

// inbound 已通过 envelope 校验的入站消息
type inbound struct {
	Type string
	raw  []byte
	doc  any
}

// decodeInbound 解析并校验消息外壳；失败视为协议级错误直接丢弃
func decodeInbound(payload []byte) (inbound, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	t, _ := doc.(map[string]any)["type"].(string)
	return inbound{Type: t, raw: payload, doc: doc}, nil
}

// decodeJoin 将 join 载荷解码为 Player；id/position/rotation 之外的字段作为元数据保留
func (m inbound) decodeJoin() (*Player, error) {
	if err := joinSchema.Validate(m.doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	var msg struct {
		Player map[string]json.RawMessage `json:"player"`
	}
	if err := json.Unmarshal(m.raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	p := &Player{Meta: make(map[string]json.RawMessage)}
	for k, v := range msg.Player {
		var err error
		switch k {
		case "id":
			// 数字 id 按原文转为字符串，7 与 "7" 视为同一玩家
			id, ok := decodeID(v)
			if !ok {
				err = errors.New("empty or non-scalar id")
			}
			p.ID = PlayerID(id)
		case "position":
			err = json.Unmarshal(v, &p.Transform.Position)
		case "rotation":
			err = json.Unmarshal(v, &p.Transform.Rotation)
		default:
			p.Meta[k] = v
		}
		if err != nil {
			return nil, fmt.Errorf("%w: player.%s: %v", errMalformedMessage, k, err)
		}
	}
	return p, nil
}

// moveMessage 只携带发生变化的字段
type moveMessage struct {
	Position *[3]float64 `json:"position"`
	Rotation *[3]float64 `json:"rotation"`
}

func (m inbound) decodeMove() (moveMessage, error) {
	var mv moveMessage
	if err := moveSchema.Validate(m.doc); err != nil {
		return mv, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if err := json.Unmarshal(m.raw, &mv); err != nil {
		return mv, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	return mv, nil
}

// apply 将 move 合并到当前变换
func (mv moveMessage) apply(t Transform) Transform {
	if mv.Position != nil {
		t.Position = *mv.Position
	}
	if mv.Rotation != nil {
		t.Rotation = *mv.Rotation
	}
	return t
}

// PlayerEvent 出站广播 {type, player}
type PlayerEvent struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

// welcomeMessage 加入成功后只发给本连接的初始状态
type welcomeMessage struct {
	Type    string     `json:"type"`
	Parcel  parcelView `json:"parcel"`
	Players []Player   `json:"players"`
}

type parcelView struct {
	ID       string      `json:"id"`
	Features []*Feature  `json:"features"`
	Voxels   []voxelView `json:"voxels"`
	Digest   string      `json:"digest"`
}

func newWelcome(p *Parcel, players []Player) welcomeMessage {
	return welcomeMessage{
		Type: TypeWelcome,
		Parcel: parcelView{
			ID:       p.ID,
			Features: p.Catalog.All(),
			Voxels:   p.Field.view(),
			Digest:   p.Field.Digest(),
		},
		Players: players,
	}
}
