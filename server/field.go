package server

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"sort"

	"lukechampine.com/blake3"
)

// Coord 体素整数坐标
type Coord struct {
	X, Y, Z int
}

// Voxel 解码后的单个体素
type Voxel struct {
	At      Coord
	Content string
}

// VoxelDecoder 将一个体素要素解码为若干体素（编码规则由外部提供）
type VoxelDecoder func(f *Feature) ([]Voxel, error)

// DuplicatePolicy 多个要素落在同一坐标时的取舍
type DuplicatePolicy int

const (
	// LastWins 按输入顺序，后出现者覆盖
	LastWins DuplicatePolicy = iota
	FirstWins
)

// ParseDuplicatePolicy 解析配置值 "last" / "first"
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "last":
		return LastWins, nil
	case "first":
		return FirstWins, nil
	}
	return LastWins, fmt.Errorf("unknown duplicate voxel policy %q", s)
}

func (p DuplicatePolicy) String() string {
	if p == FirstWins {
		return "first"
	}
	return "last"
}

// FieldOptions 构建参数
type FieldOptions struct {
	Policy  DuplicatePolicy
	Decoder VoxelDecoder // nil 使用 DecodeVoxels
}

// maxFeatureCells 单个要素最多展开的体素数
const maxFeatureCells = 1 << 16

// DecodeVoxels 默认解码：content 为体素内容，可选 size [sx,sy,sz] 表示从 position 起的长方体
func DecodeVoxels(f *Feature) ([]Voxel, error) {
	var body struct {
		Content *string `json:"content"`
		Size    []int   `json:"size"`
	}
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return nil, err
	}
	if body.Content == nil {
		return nil, fmt.Errorf("feature %s: missing content", f.ID)
	}
	origin := Coord{
		X: int(math.Floor(f.Position[0])),
		Y: int(math.Floor(f.Position[1])),
		Z: int(math.Floor(f.Position[2])),
	}
	if len(body.Size) == 0 {
		return []Voxel{{At: origin, Content: *body.Content}}, nil
	}
	if len(body.Size) != 3 || body.Size[0] <= 0 || body.Size[1] <= 0 || body.Size[2] <= 0 {
		return nil, fmt.Errorf("feature %s: invalid size %v", f.ID, body.Size)
	}
	// 逐维相乘并提前截断，避免乘积溢出
	n := 1
	for _, d := range body.Size {
		if d > maxFeatureCells || n*d > maxFeatureCells {
			return nil, fmt.Errorf("feature %s: size %v exceeds %d cells", f.ID, body.Size, maxFeatureCells)
		}
		n *= d
	}
	out := make([]Voxel, 0, n)
	for x := 0; x < body.Size[0]; x++ {
		for y := 0; y < body.Size[1]; y++ {
			for z := 0; z < body.Size[2]; z++ {
				out = append(out, Voxel{
					At:      Coord{X: origin.X + x, Y: origin.Y + y, Z: origin.Z + z},
					Content: *body.Content,
				})
			}
		}
	}
	return out, nil
}

type cell struct {
	content string
	feature *Feature
}

// SpatialField 由体素要素构建的只读三维查询结构
// 内容变化时整体重建，不提供增量更新
type SpatialField struct {
	cells  map[Coord]cell
	order  []Coord // 按 x,y,z 排序，保证遍历顺序确定
	errs   []error
	policy DuplicatePolicy
}

// BuildField 遍历体素要素并写入坐标映射，耗时与要素数量成线性
func BuildField(features []*Feature, opts FieldOptions) *SpatialField {
	decode := opts.Decoder
	if decode == nil {
		decode = DecodeVoxels
	}
	sf := &SpatialField{
		cells:  make(map[Coord]cell),
		policy: opts.Policy,
	}
	for _, f := range features {
		if !f.IsVoxel() {
			continue
		}
		voxels, err := decode(f)
		if err != nil {
			sf.errs = append(sf.errs, err)
			continue
		}
		for _, v := range voxels {
			if _, taken := sf.cells[v.At]; taken && opts.Policy == FirstWins {
				continue
			}
			sf.cells[v.At] = cell{content: v.Content, feature: f}
		}
	}

	sf.order = make([]Coord, 0, len(sf.cells))
	for c := range sf.cells {
		sf.order = append(sf.order, c)
	}
	sort.Slice(sf.order, func(i, j int) bool {
		a, b := sf.order[i], sf.order[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
	return sf
}

// Get 查询坐标内容，未填充返回 ("", false)
func (sf *SpatialField) Get(x, y, z int) (string, bool) {
	if sf == nil {
		return "", false
	}
	c, ok := sf.cells[Coord{x, y, z}]
	return c.content, ok
}

// FeatureAt 返回写入该坐标的要素（引用）
func (sf *SpatialField) FeatureAt(x, y, z int) *Feature {
	if sf == nil {
		return nil
	}
	return sf.cells[Coord{x, y, z}].feature
}

// All 返回可重复遍历的 (坐标, 内容) 序列
func (sf *SpatialField) All() iter.Seq2[Coord, string] {
	return func(yield func(Coord, string) bool) {
		if sf == nil {
			return
		}
		for _, c := range sf.order {
			if !yield(c, sf.cells[c].content) {
				return
			}
		}
	}
}

// ForEachPopulated 依次访问已填充坐标，visit 返回 false 时停止
func (sf *SpatialField) ForEachPopulated(visit func(Coord, string) bool) {
	for c, content := range sf.All() {
		if !visit(c, content) {
			return
		}
	}
}

func (sf *SpatialField) Len() int {
	if sf == nil {
		return 0
	}
	return len(sf.cells)
}

// Errors 构建时被跳过的要素
func (sf *SpatialField) Errors() []error {
	if sf == nil {
		return nil
	}
	return sf.errs
}

// Bounds 返回包围盒，空场 ok=false
func (sf *SpatialField) Bounds() (lo, hi Coord, ok bool) {
	if sf.Len() == 0 {
		return lo, hi, false
	}
	lo, hi = sf.order[0], sf.order[0]
	for _, c := range sf.order[1:] {
		lo.X, hi.X = min(lo.X, c.X), max(hi.X, c.X)
		lo.Y, hi.Y = min(lo.Y, c.Y), max(hi.Y, c.Y)
		lo.Z, hi.Z = min(lo.Z, c.Z), max(hi.Z, c.Z)
	}
	return lo, hi, true
}

// Digest 对全部体素计算 blake3 摘要；相同输入得到相同结果
func (sf *SpatialField) Digest() string {
	h := blake3.New(32, nil)
	var buf [8]byte
	for c, content := range sf.All() {
		for _, v := range [3]int{c.X, c.Y, c.Z} {
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
			_, _ = h.Write(buf[:])
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(len(content)))
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// voxelView 输出给客户端的体素条目
type voxelView struct {
	Position [3]int `json:"position"`
	Content  string `json:"content"`
}

func (sf *SpatialField) view() []voxelView {
	out := make([]voxelView, 0, sf.Len())
	for c, content := range sf.All() {
		out = append(out, voxelView{Position: [3]int{c.X, c.Y, c.Z}, Content: content})
	}
	return out
}
