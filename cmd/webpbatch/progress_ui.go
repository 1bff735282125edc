package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/John-Robertt/webpbatch/internal/app/progress"
	"github.com/John-Robertt/webpbatch/internal/app/run"
	"github.com/John-Robertt/webpbatch/internal/config"
	"github.com/John-Robertt/webpbatch/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// progressUI 是交互终端的进度输出。
//
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：长时间没有 group 完成时也会定期输出一行
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	bar     bar.Model
	workers int
	snap    progress.Snapshot
	ok      int
	fail    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		bar:                bar.New(bar.WithWidth(24), bar.WithoutPercentage(), bar.WithSolidFill("42")),
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	mode := "exec"
	if eff.DryRun {
		mode = "dry-run (不创建目录/不写文件)"
	}

	fmt.Fprintf(p.w, "[%s] webpbatch run (%s)\n", now.Format("15:04:05"), mode)
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigPath)
	fmt.Fprintf(p.w, "  max_workers: %d\n", eff.MaxWorkers)
	fmt.Fprintf(p.w, "  fail_fast: %s\n", onOff(eff.FailFast))
	fmt.Fprintf(p.w, "  extensions: %s\n", strings.Join(eff.Extensions, " "))
	fmt.Fprintf(p.w, "  memory: batch=%s worker=%s check_every=%d\n",
		formatLimit(eff.Memory.BatchLimit), formatLimit(eff.Memory.WorkerLimit), eff.Memory.CheckEvery,
	)
	fmt.Fprintf(p.w, "  pause: %s\n", formatPause(eff.Pause))
	fmt.Fprintf(p.w, "  jobs: %d\n", len(eff.Jobs))
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnJobPhase(job, phase string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch phase {
	case "enumerate":
		fmt.Fprintf(p.w, "枚举 %s: files=%d (%s)\n", job, intField(fields, "files"), formatShortDuration(dur))
	case "partition":
		fmt.Fprintf(p.w, "分组 %s: scales=%d groups=%d units=%d (%s)\n",
			job, intField(fields, "scales"), intField(fields, "groups"), intField(fields, "units"), formatShortDuration(dur),
		)
	default:
		// 兜底：未知阶段也不要静默。
		fmt.Fprintf(p.w, "%s %s (%s)\n", phase, job, formatShortDuration(dur))
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnConflict(outputDir string, jobs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, warnStyle.Render(fmt.Sprintf("警告: 任务 %s 共用输出目录 %s", strings.Join(jobs, ", "), outputDir)))
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnExecStart(workers, jobs int, units int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.workers = workers
	p.snap = progress.Snapshot{Total: units}
	fmt.Fprintf(p.w, "执行: workers=%d jobs=%d units=%s\n\n", workers, jobs, humanize.Comma(units))
	if units > 0 && !p.tickerStarted {
		p.startTickerLocked()
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnGroupDone(job string, g domain.WorkGroup, results []domain.WorkUnitResult, snap progress.Snapshot, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ok, fail := countResults(results)
	p.ok += ok
	p.fail += fail
	// 来自不同 goroutine 的快照可能乱序到达：只前进不后退。
	if snap.Processed > p.snap.Processed {
		p.snap = snap
	}

	status := okStyle.Render("OK")
	if fail > 0 {
		status = failStyle.Render("FAIL")
	}
	fmt.Fprintf(p.w, "%s %5.1f%% %s %s %s ok=%d fail=%d (%s)\n",
		p.bar.ViewAs(p.snap.Percent()/100), p.snap.Percent(), job, g.ID, status, ok, fail, formatShortDuration(dur),
	)
	p.lastPrinted = time.Now()

	if p.snap.Total > 0 && p.snap.Processed >= p.snap.Total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) OnJobDone(rep domain.JobReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch rep.State {
	case domain.JobCompleted:
		fmt.Fprintf(p.w, "%s %s: files=%d succeeded=%d failed=%d (%.1fs)\n",
			okStyle.Render("完成"), rep.Name, rep.FilesFound, rep.Succeeded, rep.Failed, rep.Duration,
		)
	case domain.JobFailed:
		fmt.Fprintf(p.w, "%s %s %s: %s\n", failStyle.Render("失败"), rep.Name, rep.ErrorCode, truncate(rep.ErrorMsg, 160))
	default:
		fmt.Fprintf(p.w, "%s %s: files=%d groups=%d units=%d\n",
			mutedStyle.Render("计划"), rep.Name, rep.FilesFound, rep.Groups, rep.Units,
		)
	}
	p.lastPrinted = time.Now()
}

// Close 停止 keepalive；可重复调用。
func (p *progressUI) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}
	stop := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if time.Since(p.lastPrinted) > threshold {
					fmt.Fprintln(p.w, p.keepaliveLineLocked(time.Since(p.startedAt)))
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *progressUI) stopTickerLocked() {
	if !p.tickerStarted {
		return
	}
	close(p.stopCh)
	p.tickerStarted = false
}

func (p *progressUI) keepaliveLineLocked(elapsed time.Duration) string {
	return fmt.Sprintf("进度: %s %s/%s ok=%d fail=%d workers=%d elapsed=%s",
		p.bar.ViewAs(p.snap.Percent()/100),
		humanize.Comma(p.snap.Processed), humanize.Comma(p.snap.Total),
		p.ok, p.fail, p.workers, formatElapsed(elapsed),
	)
}

func countResults(results []domain.WorkUnitResult) (ok, fail int) {
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			fail++
		}
	}
	return ok, fail
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatLimit(b uint64) string {
	if b == 0 {
		return "off"
	}
	return humanize.IBytes(b)
}

func formatPause(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return d.String()
}

// truncate 按字节上限截断，但只在 rune 边界切（错误信息大多是中文）。
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:runeBoundary(s, max)]
	}
	return s[:runeBoundary(s, max-3)] + "..."
}

// runeBoundary 返回不大于 n 的最近 rune 起始位置。
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}
