package run

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/John-Robertt/webpbatch/internal/app/planner"
	"github.com/John-Robertt/webpbatch/internal/app/pool"
	"github.com/John-Robertt/webpbatch/internal/app/progress"
	"github.com/John-Robertt/webpbatch/internal/config"
	"github.com/John-Robertt/webpbatch/internal/domain"
	"github.com/John-Robertt/webpbatch/internal/infra/memwatch"
	"github.com/John-Robertt/webpbatch/internal/scan"
)

// Deps 是执行层可替换的依赖；零值使用真实实现（imgx + runtime 内存采样）。
type Deps struct {
	NewTransformer pool.TransformerFactory
	Sample         memwatch.Sampler
}

// Execute 执行一次 run，并返回对外稳定的 RunReport。
// 错误尽量降级为任务级失败：单个任务失败不影响其它任务（除非 fail_fast）。
func Execute(ctx context.Context, eff config.EffectiveConfig, deps Deps) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, deps, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
//
// 流程：
// 1) 逐个任务枚举 + 分组（失败只影响该任务）
// 2) 检测输出目录冲突（只告警）
// 3) 汇总全部 unit 数作为全局进度 total
// 4) 所有任务并发执行，共享同一个 Executor（并发上限对整个进程生效）
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, deps Deps, obs Observer) domain.RunReport {
	if obs == nil {
		obs = nopObserver{}
	}
	obs.OnStart(eff)

	rr := domain.RunReport{
		RunID:      uuid.New().String(),
		ConfigPath: eff.ConfigPath,
		DryRun:     eff.DryRun,
		StartedAt:  time.Now().UTC(),
	}

	jobs := make([]*jobRun, 0, len(eff.Jobs))
	for _, spec := range eff.Jobs {
		jobs = append(jobs, planJob(eff, spec, obs))
	}
	warnConflicts(jobs, obs)

	runnable := make([]*jobRun, 0, len(jobs))
	total := 0
	for _, jr := range jobs {
		if jr.report.State == domain.JobPartitioned {
			runnable = append(runnable, jr)
			total += jr.report.Units
		}
	}
	// total 在任何执行开始前一次性确定。
	tracker := progress.New(total)

	if eff.DryRun {
		for _, jr := range runnable {
			jr.finish(obs)
		}
	} else {
		executeAll(ctx, eff, deps, runnable, tracker, obs, len(runnable) < len(jobs))
	}

	rr.Jobs = make([]domain.JobReport, 0, len(jobs))
	for _, jr := range jobs {
		rr.Jobs = append(rr.Jobs, jr.report)
	}
	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr
}

func executeAll(ctx context.Context, eff config.EffectiveConfig, deps Deps, jobs []*jobRun, tracker *progress.Tracker, obs Observer, anyFailed bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if eff.FailFast && anyFailed {
		log.Warn().Msg("fail_fast：已有任务在准备阶段失败，取消其余任务")
		cancel()
	}

	ex := pool.New(pool.Options{
		MaxWorkers:     eff.MaxWorkers,
		NewTransformer: deps.NewTransformer,
		NewThrottle:    pool.FixedPause(eff.Pause),
		CheckEvery:     eff.Memory.CheckEvery,
		WorkerMemory:   newMonitor("worker", eff.Memory.WorkerLimit, deps.Sample),
		BatchMemory:    newMonitor("batch", eff.Memory.BatchLimit, deps.Sample),
	})
	obs.OnExecStart(ex.MaxWorkers(), len(jobs), tracker.Snapshot().Total)

	var (
		wg   sync.WaitGroup
		once sync.Once
	)
	for _, jr := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jr.execute(runCtx, ex, tracker, obs)
			if eff.FailFast && jr.report.State == domain.JobFailed {
				once.Do(func() {
					log.Warn().Str("job", jr.job.Name).Msg("fail_fast：任务失败，取消其余任务")
					cancel()
				})
			}
		}()
	}
	wg.Wait()
}

func newMonitor(name string, limit uint64, sample memwatch.Sampler) *memwatch.Monitor {
	m := memwatch.New(name, limit)
	if sample != nil {
		m.Sample = sample
	}
	return m
}

// jobRun 是单个任务在一次 run 中的可变状态；只由一个 goroutine 修改。
type jobRun struct {
	job     domain.JobConfig
	groups  []domain.WorkGroup
	started time.Time
	report  domain.JobReport
}

func planJob(eff config.EffectiveConfig, spec config.JobSpec, obs Observer) *jobRun {
	job := spec.Config
	jr := &jobRun{
		job:     job,
		started: time.Now(),
		report: domain.JobReport{
			Index:     spec.Index,
			Name:      job.Name,
			InputDir:  job.InputDir,
			OutputDir: job.OutputDir,
			State:     domain.JobPending,
		},
	}

	if spec.Err != nil {
		log.Error().Err(spec.Err).Str("job", job.Name).Msg("任务配置无效，跳过")
		jr.fail(domain.ErrCodeConfigInvalid, spec.Err.Error(), obs)
		return jr
	}

	jr.transition(domain.JobEnumerating)
	t0 := time.Now()
	files, err := scan.ListImages(job.InputDir, eff.Extensions)
	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Str("input", job.InputDir).Msg("枚举输入目录失败")
		jr.fail(domain.ErrCodeEnumerate, err.Error(), obs)
		return jr
	}
	jr.report.FilesFound = len(files)
	obs.OnJobPhase(job.Name, "enumerate", map[string]any{
		"files": len(files),
	}, time.Since(t0))

	t1 := time.Now()
	jr.groups = planner.Partition(scan.Paths(files), job.OutputDir, job.Scales, job.ThreadsPerScale)
	jr.report.Groups = len(jr.groups)
	jr.report.Units = domain.CountUnits(jr.groups)
	jr.transition(domain.JobPartitioned)
	obs.OnJobPhase(job.Name, "partition", map[string]any{
		"scales": len(job.Scales),
		"groups": jr.report.Groups,
		"units":  jr.report.Units,
	}, time.Since(t1))
	return jr
}

func (jr *jobRun) execute(ctx context.Context, ex *pool.Executor, tracker *progress.Tracker, obs Observer) {
	if err := ctx.Err(); err != nil {
		jr.fail(domain.ErrCodeCanceled, "任务在执行前被取消", obs)
		return
	}

	jr.transition(domain.JobExecuting)
	hook := func(g domain.WorkGroup, results []domain.WorkUnitResult, snap progress.Snapshot, dur time.Duration) {
		obs.OnGroupDone(jr.job.Name, g, results, snap, dur)
	}

	results, err := ex.Execute(ctx, jr.job, jr.groups, tracker, hook)
	if err != nil {
		code := classify(err)
		log.Error().Err(err).Str("job", jr.job.Name).Str("code", code).Msg("任务执行失败")
		jr.fail(code, err.Error(), obs)
		return
	}

	for _, rs := range results {
		for _, r := range rs {
			if r.Success {
				jr.report.Succeeded++
				continue
			}
			jr.report.Failed++
			jr.report.Failures = append(jr.report.Failures, r)
		}
	}
	jr.transition(domain.JobCompleted)
	jr.finish(obs)
}

// classify 把 Executor 的错误映射为报告中的 error_code。
func classify(err error) string {
	var pe *pool.PrepareError
	switch {
	case errors.As(err, &pe):
		return domain.ErrCodePrepare
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrCodeCanceled
	default:
		return domain.ErrCodeExec
	}
}

func (jr *jobRun) transition(to domain.JobState) {
	log.Debug().Str("job", jr.job.Name).Str("from", string(jr.report.State)).Str("to", string(to)).Msg("任务状态迁移")
	jr.report.State = to
}

func (jr *jobRun) fail(code, msg string, obs Observer) {
	jr.transition(domain.JobFailed)
	jr.report.ErrorCode = code
	jr.report.ErrorMsg = msg
	jr.finish(obs)
}

func (jr *jobRun) finish(obs Observer) {
	jr.report.Duration = time.Since(jr.started).Seconds()
	obs.OnJobDone(jr.report)
}

// warnConflicts 找出解析到同一输出目录的任务：只告警，不阻止执行。
func warnConflicts(jobs []*jobRun, obs Observer) {
	byDir := make(map[string][]string)
	for _, jr := range jobs {
		if jr.report.ErrorCode == domain.ErrCodeConfigInvalid || jr.job.OutputDir == "" {
			continue
		}
		byDir[jr.job.OutputDir] = append(byDir[jr.job.OutputDir], jr.job.Name)
	}

	dirs := make([]string, 0, len(byDir))
	for dir, names := range byDir {
		if len(names) > 1 {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		log.Warn().Str("output", dir).Strs("jobs", byDir[dir]).Msg("多个任务使用同一输出目录，同名文件可能互相覆盖")
		obs.OnConflict(dir, byDir[dir])
	}
}
