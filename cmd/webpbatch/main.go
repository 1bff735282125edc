package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/John-Robertt/webpbatch/internal/app/run"
	"github.com/John-Robertt/webpbatch/internal/config"
	"github.com/John-Robertt/webpbatch/internal/domain"
	"github.com/John-Robertt/webpbatch/internal/infra/fsx"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	// 配置加载前先按 CLI 的 --log-level 初始化，保证配置错误也能输出日志。
	setupLogging(ra.LogLevel)

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:        ra.Path,
		Workers:     ra.Workers,
		WorkersSet:  ra.WorkersSet,
		FailFast:    ra.FailFast,
		FailFastSet: ra.FailFastSet,
		DryRun:      ra.DryRun,
		ReportPath:  ra.ReportPath,
		LogLevel:    ra.LogLevel,
	})
	if err != nil {
		log.Error().Err(err).Str("code", config.Code(err)).Msg("加载配置失败")
		emitReport(reportForConfigError(ra, err))
		return 1
	}
	setupLogging(eff.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		ui := newProgressUI(progressW)
		defer ui.Close()
		obs = ui
	}

	rr := run.ExecuteWithObserver(ctx, eff, run.Deps{}, obs)

	code := 0
	if rr.AnyFatal() {
		code = 1
	}
	if eff.ReportPath != "" {
		if err := writeReportFile(eff.ReportPath, rr); err != nil {
			log.Error().Err(err).Str("report", eff.ReportPath).Msg("写入报告失败")
			code = 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	return code
}

type runArgs struct {
	Path string

	Workers    int
	WorkersSet bool

	FailFast    bool
	FailFastSet bool

	DryRun     bool
	ReportPath string
	LogLevel   string
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	// value 读取 --flag v 或 --flag=v 形式的值。
	value := func(i *int, a, name string) (string, error) {
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s 需要一个值", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--workers" || strings.HasPrefix(a, "--workers="):
			v, err := value(&i, a, "--workers")
			if err != nil {
				return runArgs{}, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return runArgs{}, fmt.Errorf("--workers 必须是正整数，实际是 %q", v)
			}
			ra.Workers = n
			ra.WorkersSet = true
		case a == "--fail-fast":
			ra.FailFast = true
			ra.FailFastSet = true
		case strings.HasPrefix(a, "--fail-fast="):
			v := strings.TrimPrefix(a, "--fail-fast=")
			switch v {
			case "true":
				ra.FailFast = true
			case "false":
				ra.FailFast = false
			default:
				return runArgs{}, fmt.Errorf("--fail-fast 只能是 true 或 false，实际是 %q", v)
			}
			ra.FailFastSet = true
		case a == "--dry-run":
			ra.DryRun = true
		case a == "--report" || strings.HasPrefix(a, "--report="):
			v, err := value(&i, a, "--report")
			if err != nil {
				return runArgs{}, err
			}
			if strings.TrimSpace(v) == "" {
				return runArgs{}, fmt.Errorf("--report 不能为空")
			}
			ra.ReportPath = v
		case a == "--log-level" || strings.HasPrefix(a, "--log-level="):
			v, err := value(&i, a, "--log-level")
			if err != nil {
				return runArgs{}, err
			}
			if _, err := zerolog.ParseLevel(strings.ToLower(v)); err != nil || v == "" {
				return runArgs{}, fmt.Errorf("--log-level 无效：%q", v)
			}
			ra.LogLevel = strings.ToLower(v)
		case strings.HasPrefix(a, "-"):
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			if ra.Path != "" {
				return runArgs{}, fmt.Errorf("重复的 path：%q 与 %q", ra.Path, a)
			}
			ra.Path = a
		}
	}

	return ra, nil
}

// setupLogging 把全局 logger 指向 stderr；stdout 只留给报告。
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
		NoColor:    !isTTY(os.Stderr),
	})
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  webpbatch run [config] [--workers N] [--fail-fast[=true|false]] [--dry-run] [--report file] [--log-level lvl]

命令：
  run    按配置文件批量裁切、缩放并编码为 WebP

使用 "webpbatch run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  webpbatch run [config] [flags]

参数：
  config       配置文件，或包含 webpbatch.json / webpbatch.toml 的目录（默认当前目录）
  --workers    同时运行的执行上下文上限（覆盖 max_workers）
  --fail-fast  任一任务失败即取消其余任务；支持 --fail-fast=false 覆盖配置
  --dry-run    只枚举与分组，不创建目录、不写文件
  --report     把 RunReport JSON 原子写入指定文件
  --log-level  trace|debug|info|warn|error（默认 info）
  -h, --help   显示帮助
`)
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		for _, j := range rr.Jobs {
			fmt.Fprintf(os.Stdout, "%s %s: files=%d succeeded=%d failed=%d\n",
				jobLabel(j), j.State, j.FilesFound, j.Succeeded, j.Failed,
			)
		}
		fmt.Fprintln(os.Stdout, summaryLine(rr))
		emitFailures(os.Stderr, rr)
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summaryLine(rr))
}

func summaryLine(rr domain.RunReport) string {
	s := rr.Summary
	return fmt.Sprintf("完成：jobs_run=%d jobs_failed=%d units=%d succeeded=%d failed=%d",
		s.JobsRun, s.JobsFailed, s.UnitsTotal, s.UnitsSucceeded, s.UnitsFailed,
	)
}

func emitFailures(w io.Writer, rr domain.RunReport) {
	for _, j := range rr.Jobs {
		if j.State == domain.JobFailed {
			fmt.Fprintf(w, "%s %s: %s\n", jobLabel(j), j.ErrorCode, j.ErrorMsg)
		}
		for _, f := range j.Failures {
			fmt.Fprintf(w, "%s x%d %s: %s\n", jobLabel(j), f.Scale, f.SourcePath, f.Error)
		}
	}
}

func jobLabel(j domain.JobReport) string {
	if j.Name != "" {
		return j.Name
	}
	return fmt.Sprintf("jobs[%d]", j.Index)
}

// reportForConfigError 在配置整体无法加载时合成一个只含单个失败任务的报告，
// 让 stdout 的 JSON 契约在任何情况下都成立。
func reportForConfigError(ra runArgs, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		RunID:      uuid.New().String(),
		ConfigPath: ra.Path,
		DryRun:     ra.DryRun,
		StartedAt:  now,
		FinishedAt: now,
		Jobs: []domain.JobReport{{
			Index:     0,
			State:     domain.JobFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	var ce *config.Error
	if errors.As(err, &ce) && ce.Path != "" {
		rr.ConfigPath = ce.Path
	}
	rr.Finalize()
	return rr
}

func writeReportFile(path string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicPath(path, b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	if eff.ReportPath != "" {
		fmt.Fprintf(w, "report: %s\n", eff.ReportPath)
	}
	seen := make(map[string]bool)
	for _, js := range eff.Jobs {
		dir := js.Config.OutputDir
		if js.Err != nil || dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		fmt.Fprintf(w, "out: %s\n", filepath.Clean(dir))
	}
}
