package pool

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/webpbatch/internal/app/planner"
	"github.com/John-Robertt/webpbatch/internal/app/progress"
	"github.com/John-Robertt/webpbatch/internal/domain"
	"github.com/John-Robertt/webpbatch/internal/geometry"
	"github.com/John-Robertt/webpbatch/internal/infra/fsx"
	"github.com/John-Robertt/webpbatch/internal/infra/imgx"
	"github.com/John-Robertt/webpbatch/internal/infra/memwatch"
)

// Transformer 是图片变换适配器的边界（解码 + 裁切缩放编码）。
// 实现持有内部缓冲，必须由执行上下文独占，并在上下文结束时 Close。
type Transformer interface {
	Decode(src []byte) (image.Image, error)
	Transform(img image.Image, crop image.Rectangle, width, height, quality int) ([]byte, error)
	Close() error
}

// TransformerFactory 在每个执行上下文开始时调用一次。
type TransformerFactory func() Transformer

// Throttle 是执行上下文内每个 unit 之后的限速策略。*rate.Limiter 满足该接口。
type Throttle interface {
	Wait(ctx context.Context) error
}

// ThrottleFactory 为每个执行上下文创建独立的 Throttle；nil 表示不限速。
type ThrottleFactory func() Throttle

// FixedPause 返回令牌桶限速（burst=1）：同一上下文内相邻两个 unit 的开始时间至少相隔 d。
// unit 本身耗时超过 d 时 Wait 不再阻塞，所以它是速率上限，不是固定停顿。
func FixedPause(d time.Duration) ThrottleFactory {
	if d <= 0 {
		return nil
	}
	return func() Throttle {
		lim := rate.NewLimiter(rate.Every(d), 1)
		// 创建时先取走初始令牌，否则第一次 Wait 不会等待。
		lim.Allow()
		return lim
	}
}

// GroupHook 在某个 group 成功结束时调用（可能来自多个 goroutine）。
type GroupHook func(g domain.WorkGroup, results []domain.WorkUnitResult, snap progress.Snapshot, dur time.Duration)

// ContextError 表示执行上下文非预期退出（panic）。它对所属任务是致命的。
type ContextError struct {
	Job   string
	Group domain.GroupID
	Cause any
	Stack []byte
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("执行上下文 %s/%s 异常退出：%v", e.Job, e.Group, e.Cause)
}

func (e *ContextError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// PrepareError 表示输出目录树无法创建（执行上下文尚未启动）。
type PrepareError struct {
	Dir string
	Err error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("创建输出目录失败：%q：%v", e.Dir, e.Err)
}

func (e *PrepareError) Unwrap() error { return e.Err }

type Options struct {
	// MaxWorkers 是同时存活的执行上下文上限（跨所有共享该 Executor 的任务）。
	MaxWorkers int

	NewTransformer TransformerFactory
	NewThrottle    ThrottleFactory

	// CheckEvery：上下文内每处理多少个 unit 做一次内存检查；<=0 表示不检查。
	CheckEvery int
	// WorkerMemory 在上下文内检查点使用；BatchMemory 在每个 group 结束后使用。均可为 nil。
	WorkerMemory *memwatch.Monitor
	BatchMemory  *memwatch.Monitor
}

// Executor 以有界并发执行 WorkGroup。
// 一次 run 只创建一个 Executor，由所有并发任务共享，从而让并发上限对整个进程生效。
type Executor struct {
	sem        *semaphore.Weighted
	maxWorkers int

	newTransformer TransformerFactory
	newThrottle    ThrottleFactory

	checkEvery   int
	workerMemory *memwatch.Monitor
	batchMemory  *memwatch.Monitor

	readFile func(string) ([]byte, error)
}

func New(opts Options) *Executor {
	n := opts.MaxWorkers
	if n < 1 {
		n = runtime.NumCPU()
	}
	nt := opts.NewTransformer
	if nt == nil {
		nt = func() Transformer { return imgx.New() }
	}
	return &Executor{
		sem:            semaphore.NewWeighted(int64(n)),
		maxWorkers:     n,
		newTransformer: nt,
		newThrottle:    opts.NewThrottle,
		checkEvery:     opts.CheckEvery,
		workerMemory:   opts.WorkerMemory,
		batchMemory:    opts.BatchMemory,
		readFile:       os.ReadFile,
	}
}

// MaxWorkers 返回并发上限。
func (e *Executor) MaxWorkers() int { return e.maxWorkers }

// Prepare 在任何执行上下文启动前创建每个 scale 的输出目录（幂等）。
func (e *Executor) Prepare(job domain.JobConfig) error {
	for _, dir := range planner.OutputDirs(job.OutputDir, job.Scales) {
		if err := fsx.EnsureDir(dir); err != nil {
			return &PrepareError{Dir: dir, Err: err}
		}
	}
	return nil
}

// Execute 并行执行一个任务的全部 group，返回与 groups 下标对齐的结果。
//
// 语义：
// - 单个 unit 失败只记录在结果里，不影响同组其它 unit
// - 任一上下文致命失败 => 整次调用失败（返回 nil 结果），其余上下文随 ctx 取消而停止
// - 已写出的文件不回滚
// - 每个上下文在结束时把完成的 unit 数一次性加到 tracker
func (e *Executor) Execute(ctx context.Context, job domain.JobConfig, groups []domain.WorkGroup, tracker *progress.Tracker, hook GroupHook) ([][]domain.WorkUnitResult, error) {
	if err := e.Prepare(job); err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = progress.New(domain.CountUnits(groups))
	}
	results := make([][]domain.WorkUnitResult, len(groups))
	if len(groups) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range groups {
		// 阻塞在这里直到有空闲槽位；ctx 取消则停止派发。
		if err := e.sem.Acquire(gctx, 1); err != nil {
			break
		}
		grp := groups[i]
		g.Go(func() error {
			defer e.sem.Release(1)

			started := time.Now()
			res, err := e.runGroup(gctx, job, grp, tracker)
			if err != nil {
				return err
			}
			results[i] = res

			snap := tracker.Snapshot()
			if hook != nil {
				hook(grp, res, snap, time.Since(started))
			}
			e.batchMemory.Check()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var ce *ContextError
		if errors.As(err, &ce) {
			log.Error().Str("job", job.Name).Str("group", ce.Group.String()).Interface("cause", ce.Cause).Msg("执行上下文异常退出，终止同任务其它上下文")
		}
		return nil, err
	}
	// 未派发完就被外部取消：同样视为整次调用失败。
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// runGroup 是一个执行上下文：独占 Transformer，按顺序处理组内 unit。
func (e *Executor) runGroup(ctx context.Context, job domain.JobConfig, grp domain.WorkGroup, tracker *progress.Tracker) (results []domain.WorkUnitResult, err error) {
	t := e.newTransformer()
	done := 0

	// 所有退出路径（正常/panic/取消）都必须释放 Transformer 并上报进度。
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = &ContextError{Job: job.Name, Group: grp.ID, Cause: r, Stack: debug.Stack()}
		}
		if cerr := t.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("job", job.Name).Str("group", grp.ID.String()).Msg("释放 transformer 失败")
		}
		tracker.Add(done)
	}()

	var throttle Throttle
	if e.newThrottle != nil {
		throttle = e.newThrottle()
	}

	log.Debug().Str("job", job.Name).Str("group", grp.ID.String()).Int("units", len(grp.Units)).Msg("执行上下文启动")

	results = make([]domain.WorkUnitResult, 0, len(grp.Units))
	for i, u := range grp.Units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results = append(results, e.runUnit(t, job, u))
		done++

		if e.checkEvery > 0 && done%e.checkEvery == 0 {
			e.workerMemory.Check()
		}
		if throttle != nil && i < len(grp.Units)-1 {
			if err := throttle.Wait(ctx); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// runUnit 处理单个 unit；任何错误都降级为失败结果，不向上抛。
func (e *Executor) runUnit(t Transformer, job domain.JobConfig, u domain.WorkUnit) domain.WorkUnitResult {
	res := domain.WorkUnitResult{
		SourcePath: u.SourcePath,
		OutputPath: u.OutputPath,
		Scale:      u.Scale,
	}
	fail := func(format string, err error) domain.WorkUnitResult {
		res.Error = fmt.Sprintf(format, err)
		log.Debug().Str("job", job.Name).Str("source", u.SourcePath).Int("scale", u.Scale).Msg(res.Error)
		return res
	}

	// 每个 unit 各自读取并解码源文件：同组内 unit 指向不同文件，不共享缓冲。
	src, err := e.readFile(u.SourcePath)
	if err != nil {
		return fail("读取源文件失败：%v", err)
	}
	img, err := t.Decode(src)
	if err != nil {
		return fail("%v", err)
	}

	b := img.Bounds()
	rect := geometry.Crop(b.Dx(), b.Dy(), job.Width, job.Height, job.Anchor)

	out, err := t.Transform(img, rect.Image(b.Min), u.Scale*job.Width, u.Scale*job.Height, job.Quality)
	if err != nil {
		return fail("变换失败：%v", err)
	}
	if err := fsx.WriteFileAtomicReplace(filepath.Dir(u.OutputPath), filepath.Base(u.OutputPath), out); err != nil {
		switch {
		case fsx.IsPathTypeConflict(err):
			return fail("输出路径被占用：%v", err)
		case fsx.IsCrossDevice(err):
			return fail("输出目录跨越挂载点：%v", err)
		}
		return fail("写入输出失败：%v", err)
	}

	res.Success = true
	res.GeneratedFiles = 1
	return res
}
