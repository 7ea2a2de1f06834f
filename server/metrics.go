package server

import (
	"sync/atomic"
)

// HubMetrics 记录会话层运行期的关键指标（用于监控与调试）
type HubMetrics struct {
	Connections      int64 // 累计接入连接数
	JoinsAccepted    int64
	JoinsDuplicate   int64 // 因 id 重复被拒绝的 join
	Moves            int64
	Leaves           int64 // 含主动 leave 与断线
	DroppedMalformed int64 // 无法解析或未通过校验的消息
	DroppedUnjoined  int64 // 未 join 前发送的 move / 重复 join
	DroppedUnknown   int64 // 未识别的消息类型
	RateLimited      int64
	Inconsistencies  int64 // 注册表与连接状态不一致
	Broadcasts       int64
	SendFailures     int64 // 单连接投递失败（已忽略）
	FetchOK          int64
	FetchFailed      int64
}

func (m *HubMetrics) inc(p *int64) { atomic.AddInt64(p, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *HubMetrics) Snapshot() map[string]any {
	return map[string]any{
		"connections":       atomic.LoadInt64(&m.Connections),
		"joins_accepted":    atomic.LoadInt64(&m.JoinsAccepted),
		"joins_duplicate":   atomic.LoadInt64(&m.JoinsDuplicate),
		"moves":             atomic.LoadInt64(&m.Moves),
		"leaves":            atomic.LoadInt64(&m.Leaves),
		"dropped_malformed": atomic.LoadInt64(&m.DroppedMalformed),
		"dropped_unjoined":  atomic.LoadInt64(&m.DroppedUnjoined),
		"dropped_unknown":   atomic.LoadInt64(&m.DroppedUnknown),
		"rate_limited":      atomic.LoadInt64(&m.RateLimited),
		"inconsistencies":   atomic.LoadInt64(&m.Inconsistencies),
		"broadcasts":        atomic.LoadInt64(&m.Broadcasts),
		"send_failures":     atomic.LoadInt64(&m.SendFailures),
		"fetch_ok":          atomic.LoadInt64(&m.FetchOK),
		"fetch_failed":      atomic.LoadInt64(&m.FetchFailed),
	}
}
