package run

import (
	"time"

	"github.com/John-Robertt/webpbatch/internal/app/progress"
	"github.com/John-Robertt/webpbatch/internal/config"
	"github.com/John-Robertt/webpbatch/internal/domain"
)

// Observer 用于把“运行进度/阶段/任务结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：事件可能来自多个 goroutine。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用。
	OnStart(eff config.EffectiveConfig)
	// OnJobPhase 在某个任务的枚举/分组阶段结束时调用。
	OnJobPhase(job, phase string, fields map[string]any, dur time.Duration)
	// OnConflict 在多个任务解析到同一输出目录时调用。
	OnConflict(outputDir string, jobs []string)
	// OnExecStart 在全部任务分组完成、执行开始前调用一次（dry-run 不调用）。
	OnExecStart(workers, jobs int, units int64)
	// OnGroupDone 在某个执行上下文正常结束时调用。
	OnGroupDone(job string, g domain.WorkGroup, results []domain.WorkUnitResult, snap progress.Snapshot, dur time.Duration)
	// OnJobDone 在任务进入终态（dry-run 为 partitioned）时调用一次。
	OnJobDone(rep domain.JobReport)
}

type nopObserver struct{}

func (nopObserver) OnStart(config.EffectiveConfig)                          {}
func (nopObserver) OnJobPhase(string, string, map[string]any, time.Duration) {}
func (nopObserver) OnConflict(string, []string)                              {}
func (nopObserver) OnExecStart(int, int, int64)                              {}
func (nopObserver) OnJobDone(domain.JobReport)                               {}

func (nopObserver) OnGroupDone(string, domain.WorkGroup, []domain.WorkUnitResult, progress.Snapshot, time.Duration) {
}
