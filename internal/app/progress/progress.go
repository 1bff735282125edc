// Package progress 提供跨任务共享的全局进度计数器。
//
// Tracker 必须显式传递给每个任务/执行上下文，不存在进程级单例。
package progress

import "sync/atomic"

// Snapshot 是某一时刻的 {processed, total}。
type Snapshot struct {
	Processed int64
	Total     int64
}

// Percent 返回 [0, 100] 的完成百分比；total=0 视为 100。
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 100
	}
	return float64(s.Processed) * 100 / float64(s.Total)
}

// Tracker 是 {total, processed} 计数对。
//
// 约束：
// - total 在任何执行开始前确定（New 或 SetTotal），之后不变
// - processed 单调递增，且永远 <= total（超出部分被截断）
// - 每个执行上下文在处理完整个 group 后调用一次 Add，而不是每个 unit 一次
type Tracker struct {
	total     atomic.Int64
	processed atomic.Int64
}

func New(total int) *Tracker {
	t := &Tracker{}
	t.SetTotal(total)
	return t
}

// SetTotal 只允许在执行开始前调用。
func (t *Tracker) SetTotal(total int) {
	if total < 0 {
		total = 0
	}
	t.total.Store(int64(total))
}

// Add 增加 processed，并返回增加后的快照。
func (t *Tracker) Add(n int) Snapshot {
	total := t.total.Load()
	if n <= 0 {
		return Snapshot{Processed: t.processed.Load(), Total: total}
	}
	for {
		cur := t.processed.Load()
		next := cur + int64(n)
		if next > total {
			next = total
		}
		if t.processed.CompareAndSwap(cur, next) {
			return Snapshot{Processed: next, Total: total}
		}
	}
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{Processed: t.processed.Load(), Total: t.total.Load()}
}

// Done 表示 processed 已追上 total。
func (t *Tracker) Done() bool {
	s := t.Snapshot()
	return s.Processed >= s.Total
}
