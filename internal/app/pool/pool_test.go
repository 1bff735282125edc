package pool

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/webpbatch/internal/app/planner"
	"github.com/John-Robertt/webpbatch/internal/app/progress"
	"github.com/John-Robertt/webpbatch/internal/domain"
	"github.com/John-Robertt/webpbatch/internal/infra/memwatch"
)

// fakeEnv 记录 transformer 的生命周期，用于断言并发上限与释放。
type fakeEnv struct {
	delay time.Duration

	mu      sync.Mutex
	live    int
	maxLive int
	created int
	closed  int

	transforms atomic.Int32
}

func (f *fakeEnv) factory() Transformer {
	f.mu.Lock()
	f.live++
	f.created++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	f.mu.Unlock()
	return &fakeTransformer{env: f}
}

type fakeTransformer struct {
	env *fakeEnv
}

func (t *fakeTransformer) Decode(src []byte) (image.Image, error) {
	switch string(src) {
	case "bad":
		return nil, errors.New("corrupt image")
	case "panic":
		panic("decoder exploded")
	}
	return image.NewRGBA(image.Rect(0, 0, 100, 50)), nil
}

func (t *fakeTransformer) Transform(img image.Image, crop image.Rectangle, width, height, quality int) ([]byte, error) {
	if t.env.delay > 0 {
		time.Sleep(t.env.delay)
	}
	t.env.transforms.Add(1)
	return []byte(fmt.Sprintf("%dx%d", width, height)), nil
}

func (t *fakeTransformer) Close() error {
	t.env.mu.Lock()
	t.env.live--
	t.env.closed++
	t.env.mu.Unlock()
	return nil
}

func writeSources(t *testing.T, dir string, contents ...string) []string {
	t.Helper()
	paths := make([]string, 0, len(contents))
	for i, c := range contents {
		p := filepath.Join(dir, fmt.Sprintf("src%03d.jpg", i))
		require.NoError(t, os.WriteFile(p, []byte(c), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func testJob(out string, scales ...int) domain.JobConfig {
	return domain.JobConfig{
		Name:            "t",
		OutputDir:       out,
		Width:           40,
		Height:          20,
		Anchor:          domain.AnchorCenter,
		Scales:          scales,
		Quality:         80,
		ThreadsPerScale: 1,
	}
}

func TestExecute_UnitFailureIsolatedWithinGroup(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{}
	ex := New(Options{MaxWorkers: 2, NewTransformer: env.factory})

	srcs := writeSources(t, root, "ok", "bad", "ok")
	job := testJob(filepath.Join(root, "out"), 1)
	groups := planner.Partition(srcs, job.OutputDir, job.Scales, 1)
	tracker := progress.New(domain.CountUnits(groups))

	res, err := ex.Execute(context.Background(), job, groups, tracker, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0], 3)

	failed := 0
	for _, r := range res[0] {
		if !r.Success {
			failed++
			assert.Equal(t, srcs[1], r.SourcePath)
			assert.Contains(t, r.Error, "corrupt image")
			assert.Equal(t, 0, r.GeneratedFiles)
			continue
		}
		assert.Equal(t, 1, r.GeneratedFiles)
		b, err := os.ReadFile(r.OutputPath)
		require.NoError(t, err)
		assert.Equal(t, "40x20", string(b))
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, progress.Snapshot{Processed: 3, Total: 3}, tracker.Snapshot())
	assert.Equal(t, env.created, env.closed)
}

func TestExecute_ScaleMultipliesTargetSize(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{}
	ex := New(Options{MaxWorkers: 4, NewTransformer: env.factory})

	srcs := writeSources(t, root, "ok")
	job := testJob(filepath.Join(root, "out"), 1, 3)
	groups := planner.Partition(srcs, job.OutputDir, job.Scales, 1)

	_, err := ex.Execute(context.Background(), job, groups, progress.New(2), nil)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(job.OutputDir, "x3", "src000.webp"))
	require.NoError(t, err)
	assert.Equal(t, "120x60", string(b))
}

func TestExecute_BoundedConcurrency(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{delay: 5 * time.Millisecond}
	ex := New(Options{MaxWorkers: 2, NewTransformer: env.factory})

	srcs := writeSources(t, root, "ok", "ok", "ok", "ok", "ok", "ok")
	job := testJob(filepath.Join(root, "out"), 1, 2, 3)
	groups := planner.Partition(srcs, job.OutputDir, job.Scales, 3)
	require.Len(t, groups, 9)

	var hooks atomic.Int32
	tracker := progress.New(domain.CountUnits(groups))
	res, err := ex.Execute(context.Background(), job, groups, tracker, func(g domain.WorkGroup, r []domain.WorkUnitResult, snap progress.Snapshot, dur time.Duration) {
		hooks.Add(1)
		assert.Len(t, r, len(g.Units))
		assert.LessOrEqual(t, snap.Processed, snap.Total)
	})
	require.NoError(t, err)
	require.Len(t, res, 9)

	assert.LessOrEqual(t, env.maxLive, 2)
	assert.Equal(t, 9, env.created)
	assert.Equal(t, 9, env.closed)
	assert.Equal(t, int32(9), hooks.Load())
	assert.True(t, tracker.Done())
}

func TestExecute_SharedBoundAcrossConcurrentJobs(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{delay: 3 * time.Millisecond}
	ex := New(Options{MaxWorkers: 3, NewTransformer: env.factory})

	srcs := writeSources(t, root, "ok", "ok", "ok", "ok")
	tracker := progress.New(2 * 4 * 2)

	var wg sync.WaitGroup
	for j := 0; j < 2; j++ {
		job := testJob(filepath.Join(root, fmt.Sprintf("out%d", j)), 1, 2)
		groups := planner.Partition(srcs, job.OutputDir, job.Scales, 4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ex.Execute(context.Background(), job, groups, tracker, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, env.maxLive, 3)
	assert.Equal(t, progress.Snapshot{Processed: 16, Total: 16}, tracker.Snapshot())
}

func TestExecute_ContextFatal_FailsCallAndStopsSiblings(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{delay: 5 * time.Millisecond}
	ex := New(Options{MaxWorkers: 2, NewTransformer: env.factory})

	job := testJob(filepath.Join(root, "out"), 1)
	bad := writeSources(t, filepath.Join(root), "panic")

	slowDir := filepath.Join(root, "slow")
	require.NoError(t, os.MkdirAll(slowDir, 0o755))
	contents := make([]string, 50)
	for i := range contents {
		contents[i] = "ok"
	}
	slow := writeSources(t, slowDir, contents...)

	groups := []domain.WorkGroup{
		{ID: domain.GroupID{Scale: 1, Index: 0}, Units: []domain.WorkUnit{{SourcePath: bad[0], Scale: 1, OutputPath: domain.OutputPath(job.OutputDir, 1, "bad")}}},
		{ID: domain.GroupID{Scale: 1, Index: 1}, Units: unitsFor(job.OutputDir, slow)},
	}
	tracker := progress.New(domain.CountUnits(groups))

	res, err := ex.Execute(context.Background(), job, groups, tracker, nil)
	require.Error(t, err)
	assert.Nil(t, res)

	var ce *ContextError
	require.True(t, errors.As(err, &ce), "期望 ContextError，实际 %T %v", err, err)
	assert.Equal(t, domain.GroupID{Scale: 1, Index: 0}, ce.Group)
	assert.NotEmpty(t, ce.Stack)

	assert.Less(t, int(env.transforms.Load()), 50, "同任务其它上下文应随取消停止")
	assert.Equal(t, env.created, env.closed, "所有上下文都必须释放 transformer")
	assert.Less(t, tracker.Snapshot().Processed, tracker.Snapshot().Total)
}

func TestExecute_ExternalCancel(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{}
	ex := New(Options{MaxWorkers: 1, NewTransformer: env.factory})

	srcs := writeSources(t, root, "ok", "ok")
	job := testJob(filepath.Join(root, "out"), 1, 2)
	groups := planner.Partition(srcs, job.OutputDir, job.Scales, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ex.Execute(ctx, job, groups, progress.New(4), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Equal(t, env.created, env.closed)
}

func TestExecute_PrepareConflict(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "x1"), []byte("file"), 0o644))

	env := &fakeEnv{}
	ex := New(Options{MaxWorkers: 1, NewTransformer: env.factory})
	srcs := writeSources(t, root, "ok")
	job := testJob(out, 1)

	_, err := ex.Execute(context.Background(), job, planner.Partition(srcs, out, job.Scales, 1), nil, nil)
	var pe *PrepareError
	require.True(t, errors.As(err, &pe), "期望 PrepareError，实际 %T %v", err, err)
	assert.Equal(t, 0, env.created, "目录准备失败时不应启动任何上下文")
}

func TestExecute_EmptyGroups(t *testing.T) {
	root := t.TempDir()
	ex := New(Options{MaxWorkers: 1, NewTransformer: (&fakeEnv{}).factory})
	job := testJob(filepath.Join(root, "out"), 1, 2)

	res, err := ex.Execute(context.Background(), job, nil, progress.New(0), nil)
	require.NoError(t, err)
	assert.Empty(t, res)

	// 输出目录在执行前就已创建。
	for _, d := range planner.OutputDirs(job.OutputDir, job.Scales) {
		fi, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestExecute_MemoryCheckpoints(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{}

	var workerChecks, batchChecks atomic.Int32
	worker := &memwatch.Monitor{Name: "worker", Limit: 1, Sample: func() uint64 { workerChecks.Add(1); return 0 }}
	batch := &memwatch.Monitor{Name: "batch", Limit: 1, Sample: func() uint64 { batchChecks.Add(1); return 0 }}

	ex := New(Options{
		MaxWorkers:     1,
		NewTransformer: env.factory,
		CheckEvery:     2,
		WorkerMemory:   worker,
		BatchMemory:    batch,
	})

	srcs := writeSources(t, root, "ok", "ok", "ok", "ok")
	job := testJob(filepath.Join(root, "out"), 1, 2)
	groups := planner.Partition(srcs, job.OutputDir, job.Scales, 1)

	_, err := ex.Execute(context.Background(), job, groups, progress.New(8), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(4), workerChecks.Load(), "每组 4 个 unit、每 2 个检查一次、共 2 组")
	assert.Equal(t, int32(2), batchChecks.Load(), "每组结束检查一次")
}

func TestExecute_ThrottleWaitsBetweenUnits(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{}

	var waits atomic.Int32
	ex := New(Options{
		MaxWorkers:     1,
		NewTransformer: env.factory,
		NewThrottle: func() Throttle {
			return throttleFunc(func(ctx context.Context) error { waits.Add(1); return nil })
		},
	})

	srcs := writeSources(t, root, "ok", "ok", "ok")
	job := testJob(filepath.Join(root, "out"), 1)
	_, err := ex.Execute(context.Background(), job, planner.Partition(srcs, job.OutputDir, job.Scales, 1), progress.New(3), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), waits.Load(), "组内最后一个 unit 之后不再等待")
}

func TestExecute_OutputPathOccupiedByDir(t *testing.T) {
	root := t.TempDir()
	env := &fakeEnv{}
	ex := New(Options{MaxWorkers: 1, NewTransformer: env.factory})

	srcs := writeSources(t, root, "ok", "ok")
	job := testJob(filepath.Join(root, "out"), 1)
	groups := planner.Partition(srcs, job.OutputDir, job.Scales, 1)
	// 第一个输出路径被同名目录占用。
	require.NoError(t, os.MkdirAll(groups[0].Units[0].OutputPath, 0o755))

	res, err := ex.Execute(context.Background(), job, groups, progress.New(2), nil)
	require.NoError(t, err, "写入失败只影响单个 unit")
	require.Len(t, res[0], 2)

	assert.False(t, res[0][0].Success)
	assert.Contains(t, res[0][0].Error, "输出路径被占用")
	assert.True(t, res[0][1].Success)
}

func TestFixedPause(t *testing.T) {
	assert.Nil(t, FixedPause(0))
	f := FixedPause(time.Millisecond)
	require.NotNil(t, f)
	assert.NoError(t, f().Wait(context.Background()))
}

func TestFixedPause_FirstWaitBlocks(t *testing.T) {
	const d = 50 * time.Millisecond
	th := FixedPause(d)()

	start := time.Now()
	require.NoError(t, th.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), d-10*time.Millisecond, "初始令牌已被取走，第一次 Wait 也要等待")

	start = time.Now()
	require.NoError(t, th.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), d-10*time.Millisecond)
}

type throttleFunc func(ctx context.Context) error

func (f throttleFunc) Wait(ctx context.Context) error { return f(ctx) }

func unitsFor(outDir string, srcs []string) []domain.WorkUnit {
	units := make([]domain.WorkUnit, 0, len(srcs))
	for _, s := range srcs {
		base := strings.TrimSuffix(filepath.Base(s), filepath.Ext(s))
		units = append(units, domain.WorkUnit{SourcePath: s, Scale: 1, OutputPath: domain.OutputPath(outDir, 1, base)})
	}
	return units
}
