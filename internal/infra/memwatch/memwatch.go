// Package memwatch 在检查点采样堆内存，超过阈值时触发一次回收。
//
// 只做建议性干预：回收失败/不支持都不是错误，也永远不会阻塞或失败一个 WorkUnit。
package memwatch

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBatchLimit 是批次（pool）级检查的默认阈值。
	DefaultBatchLimit uint64 = 400 << 20
	// DefaultWorkerLimit 是执行上下文内检查的默认阈值（比批次级低）。
	DefaultWorkerLimit uint64 = 200 << 20
	// DefaultCheckEvery 是执行上下文内每处理多少个 unit 检查一次。
	DefaultCheckEvery = 5
)

// Sampler 返回当前堆占用（字节）。
type Sampler func() uint64

// Reclaimer 尝试把内存还给 OS；返回 false 表示宿主不支持（视为 no-op）。
type Reclaimer func() bool

// HeapAlloc 读取 runtime.MemStats.HeapAlloc。
// ReadMemStats 会短暂 STW，所以只在检查点调用。
func HeapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// FreeOSMemory 强制 GC 并归还内存。
func FreeOSMemory() bool {
	debug.FreeOSMemory()
	return true
}

// Stats 是某个 Monitor 的累计统计（用于日志/测试）。
type Stats struct {
	Checks    int
	Reclaims  int
	LastBytes uint64
}

// Monitor 是带阈值的内存压力检查器，可被多个 goroutine 共享。
type Monitor struct {
	Name  string
	Limit uint64 // 0 表示禁用

	Sample  Sampler
	Reclaim Reclaimer

	mu    sync.Mutex
	stats Stats
}

// New 使用 runtime 的默认采样与回收。
func New(name string, limit uint64) *Monitor {
	return &Monitor{
		Name:    name,
		Limit:   limit,
		Sample:  HeapAlloc,
		Reclaim: FreeOSMemory,
	}
}

// Check 采样一次；超过阈值则回收并返回 true。
// nil Monitor 与 Limit=0 都是 no-op。
func (m *Monitor) Check() bool {
	if m == nil || m.Limit == 0 {
		return false
	}
	sample := m.Sample
	if sample == nil {
		sample = HeapAlloc
	}

	used := sample()

	m.mu.Lock()
	m.stats.Checks++
	m.stats.LastBytes = used
	m.mu.Unlock()

	if used <= m.Limit {
		return false
	}

	// 多个上下文可能同时越线：回收本身是全局动作，串行即可。
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Reclaim == nil || !m.Reclaim() {
		log.Debug().Str("monitor", m.Name).Str("heap", humanize.IBytes(used)).Msg("内存超过阈值，但当前环境不支持回收")
		return false
	}
	m.stats.Reclaims++

	after := sample()
	log.Info().
		Str("monitor", m.Name).
		Str("before", humanize.IBytes(used)).
		Str("after", humanize.IBytes(after)).
		Str("limit", humanize.IBytes(m.Limit)).
		Msg("内存超过阈值，已触发回收")
	if after > m.Limit {
		log.Warn().Str("monitor", m.Name).Str("heap", humanize.IBytes(after)).Msg("回收后内存仍高于阈值")
	}
	return true
}

// Stats 返回累计统计的拷贝。
func (m *Monitor) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// MB 把配置中的 MB 转为字节。
func MB(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) << 20
}
