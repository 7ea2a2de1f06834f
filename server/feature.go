package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FeatureKind 地块要素类型，仅用于分派；未知类型原样保留
type FeatureKind string

const (
	KindVoxel         FeatureKind = "voxel"
	KindImage         FeatureKind = "image"
	KindSign          FeatureKind = "sign"
	KindScriptTrigger FeatureKind = "script-trigger"
)

// ErrFeatureNotFound Lookup 未命中
var ErrFeatureNotFound = errors.New("feature not found")

// MalformedFeatureError 描述一条被跳过的原始要素
type MalformedFeatureError struct {
	Index  int
	ID     string
	Field  string
	Reason string
}

func (e *MalformedFeatureError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("feature #%d (%s): %s: %s", e.Index, e.ID, e.Field, e.Reason)
	}
	return fmt.Sprintf("feature #%d: %s: %s", e.Index, e.Field, e.Reason)
}

// Feature 地块静态描述中的一个要素，解析后不可变
type Feature struct {
	ID       string
	Kind     FeatureKind
	Position [3]float64
	// Payload 为原始 JSON 对象，核心逻辑只按 Kind 分派，不解释其内容
	Payload json.RawMessage
}

// IsVoxel 是否贡献体素数据
func (f *Feature) IsVoxel() bool { return f.Kind == KindVoxel }

// MarshalJSON 原样输出上游的要素对象
func (f *Feature) MarshalJSON() ([]byte, error) {
	if len(f.Payload) > 0 {
		return f.Payload, nil
	}
	return json.Marshal(map[string]any{"id": f.ID, "kind": f.Kind, "position": f.Position})
}

// FeatureCatalog 按输入顺序保存要素，并提供 id 索引
type FeatureCatalog struct {
	list []*Feature
	byID map[string]*Feature
}

// ParseFeatures 将上游的要素列表解析为 FeatureCatalog
// 缺少必填字段的条目被跳过，错误逐条返回，不影响其余条目
func ParseFeatures(raw []json.RawMessage) (*FeatureCatalog, []error) {
	c := &FeatureCatalog{
		list: make([]*Feature, 0, len(raw)),
		byID: make(map[string]*Feature, len(raw)),
	}
	var errs []error
	for i, r := range raw {
		f, err := parseFeature(i, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.byID[f.ID]; dup {
			errs = append(errs, &MalformedFeatureError{Index: i, ID: f.ID, Field: "id", Reason: "duplicate id"})
			continue
		}
		c.list = append(c.list, f)
		c.byID[f.ID] = f
	}
	return c, errs
}

func parseFeature(i int, r json.RawMessage) (*Feature, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(r, &obj); err != nil || obj == nil {
		return nil, &MalformedFeatureError{Index: i, Field: "feature", Reason: "not an object"}
	}

	id, ok := decodeID(obj["id"])
	if !ok {
		return nil, &MalformedFeatureError{Index: i, Field: "id", Reason: "missing or invalid"}
	}

	// 旧版数据用 type 表示类型
	rawKind, ok := obj["kind"]
	if !ok {
		rawKind, ok = obj["type"]
	}
	var kind string
	if !ok || json.Unmarshal(rawKind, &kind) != nil || strings.TrimSpace(kind) == "" {
		return nil, &MalformedFeatureError{Index: i, ID: id, Field: "kind", Reason: "missing or invalid"}
	}

	var pos []float64
	if err := json.Unmarshal(obj["position"], &pos); err != nil || len(pos) != 3 {
		return nil, &MalformedFeatureError{Index: i, ID: id, Field: "position", Reason: "want [x, y, z]"}
	}

	return &Feature{
		ID:       id,
		Kind:     normalizeKind(kind),
		Position: [3]float64{pos[0], pos[1], pos[2]},
		Payload:  append(json.RawMessage(nil), r...),
	}, nil
}

// decodeID 接受字符串或数字 id
func decodeID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err == nil {
		return n.String(), true
	}
	return "", false
}

func normalizeKind(k string) FeatureKind {
	k = strings.ToLower(strings.TrimSpace(k))
	switch k {
	case "voxel", "voxel-block", "vox":
		return KindVoxel
	case "script-trigger", "trigger":
		return KindScriptTrigger
	}
	return FeatureKind(k)
}

// Lookup 按 id 查找要素
func (c *FeatureCatalog) Lookup(id string) (*Feature, error) {
	if c != nil {
		if f, ok := c.byID[id]; ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
}

// All 按输入顺序返回全部要素；调用方不得修改返回的切片
func (c *FeatureCatalog) All() []*Feature {
	if c == nil {
		return nil
	}
	return c.list
}

func (c *FeatureCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.list)
}
