package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/John-Robertt/webpbatch/internal/domain"
	"github.com/John-Robertt/webpbatch/internal/infra/memwatch"
	"github.com/John-Robertt/webpbatch/internal/scan"
)

const (
	// ErrCodeNotFound 表示找不到配置文件。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件无法读取/解析，或运行级字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
	// ErrCodeNoJobs 表示配置文件中没有任何任务。
	ErrCodeNoJobs = domain.ErrCodeConfigNoJobs
)

// 配置文件名；目录下两者都存在时 json 优先。
const (
	FileNameJSON = "webpbatch.json"
	FileNameTOML = "webpbatch.toml"
)

const (
	DefaultQuality         = 80
	DefaultThreadsPerScale = 1
	DefaultPause           = 10 * time.Millisecond
	DefaultLogLevel        = "info"
	// MaxWorkersLimit 是 max_workers 的上限；超出截断。
	MaxWorkersLimit = 64
)

// CLIArgs 是 CLI 暴露的覆盖项，并保留“是否显式指定”的信息。
// 这样 --fail-fast=false 才能覆盖配置文件中的 fail_fast=true。
type CLIArgs struct {
	Path string

	Workers    int
	WorkersSet bool

	FailFast    bool
	FailFastSet bool

	DryRun     bool
	ReportPath string
	LogLevel   string
}

// FileConfig 对应 webpbatch.json / webpbatch.toml 的解析结构。
// 指针字段用于区分“未填写”和“显式填 0/false”。
type FileConfig struct {
	MaxWorkers int             `json:"max_workers" toml:"max_workers" validate:"gte=0"`
	FailFast   *bool           `json:"fail_fast" toml:"fail_fast"`
	Extensions []string        `json:"extensions" toml:"extensions" validate:"dive,required"`
	LogLevel   string          `json:"log_level" toml:"log_level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	Memory     *MemoryConfig   `json:"memory" toml:"memory"`
	Throttle   *ThrottleConfig `json:"throttle" toml:"throttle"`
	Defaults   JobFields       `json:"defaults" toml:"defaults"`
	Jobs       []JobFields     `json:"jobs" toml:"jobs"`
}

// MemoryConfig：限额为 0 表示关闭该级检查；不填则用默认值。
type MemoryConfig struct {
	BatchLimitMB  *int `json:"batch_limit_mb" toml:"batch_limit_mb" validate:"omitempty,gte=0"`
	WorkerLimitMB *int `json:"worker_limit_mb" toml:"worker_limit_mb" validate:"omitempty,gte=0"`
	CheckEvery    int  `json:"check_every" toml:"check_every" validate:"gte=0"`
}

// ThrottleConfig：pause_ms=0 表示不限速。
type ThrottleConfig struct {
	PauseMS *int `json:"pause_ms" toml:"pause_ms" validate:"omitempty,gte=0"`
}

// JobFields 是 defaults 与 jobs[] 共用的任务字段。
type JobFields struct {
	Name            string `json:"name" toml:"name"`
	Input           string `json:"input" toml:"input"`
	Output          string `json:"output" toml:"output"`
	Width           int    `json:"width" toml:"width"`
	Height          int    `json:"height" toml:"height"`
	Anchor          string `json:"anchor" toml:"anchor"`
	Scales          []int  `json:"scales" toml:"scales"`
	Quality         *int   `json:"quality" toml:"quality"`
	ThreadsPerScale int    `json:"threads_per_scale" toml:"threads_per_scale"`
}

// jobRules 是合并默认值之后、进入 domain 之前的校验视图。
type jobRules struct {
	Input           string `json:"input" validate:"required"`
	Output          string `json:"output" validate:"required"`
	Width           int    `json:"width" validate:"gt=0"`
	Height          int    `json:"height" validate:"gt=0"`
	Anchor          string `json:"anchor" validate:"oneof=top center bottom"`
	Scales          []int  `json:"scales" validate:"min=1,unique,dive,gt=0"`
	Quality         int    `json:"quality" validate:"gte=0,lte=100"`
	ThreadsPerScale int    `json:"threads_per_scale" validate:"gte=1"`
}

// MemoryLimits 是规范化后的内存检查参数（字节）。
type MemoryLimits struct {
	BatchLimit  uint64
	WorkerLimit uint64
	CheckEvery  int
}

// JobSpec 是一个合并后的任务。Err 非空表示该任务配置无效：它会被报告为失败，但不影响其它任务。
type JobSpec struct {
	Index  int
	Config domain.JobConfig
	Err    error
}

// EffectiveConfig 是合并并规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	ConfigPath string

	MaxWorkers int
	FailFast   bool
	DryRun     bool
	ReportPath string
	LogLevel   string

	Extensions []string
	Memory     MemoryLimits
	Pause      time.Duration

	Jobs []JobSpec
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeNoJobs:
		return fmt.Sprintf("%s：配置文件 %q 没有任何任务", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// 错误信息里使用配置文件中的字段名。
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则：
// 1) CLI 提供 path：path 是文件则直接读取；是目录则读取其中的 webpbatch.json / webpbatch.toml
// 2) CLI 未提供 path：必须读取 <cwd>/webpbatch.json / webpbatch.toml
//
// 覆盖优先级：CLI > 配置文件 > 内置默认值。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	target := cwdAbs
	if strings.TrimSpace(cli.Path) != "" {
		target = absCleanFrom(cwdAbs, cli.Path)
	}

	cfgPath, err := discover(target)
	if err != nil {
		return EffectiveConfig{}, err
	}

	fc, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if err := validate.Struct(fc); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: describe(err)}
	}
	if len(fc.Jobs) == 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeNoJobs, Path: cfgPath}
	}

	eff := mergeRun(fc, cli, cfgPath)
	if eff.ReportPath != "" {
		// --report 是 CLI 参数：相对 cwd 解析。
		eff.ReportPath = absCleanFrom(cwdAbs, eff.ReportPath)
	}

	baseDir := filepath.Dir(cfgPath)
	eff.Jobs = make([]JobSpec, 0, len(fc.Jobs))
	for i, jf := range fc.Jobs {
		eff.Jobs = append(eff.Jobs, mergeJob(i, baseDir, fc.Defaults, jf))
	}
	return eff, nil
}

// discover 把 target 解析为具体的配置文件路径。
func discover(target string) (string, error) {
	fi, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &Error{Code: ErrCodeNotFound, Path: target, Err: os.ErrNotExist}
		}
		return "", &Error{Code: ErrCodeInvalid, Path: target, Err: err}
	}
	if !fi.IsDir() {
		return target, nil
	}
	for _, name := range []string{FileNameJSON, FileNameTOML} {
		p := filepath.Join(target, name)
		fi, err := os.Stat(p)
		if err == nil && !fi.IsDir() {
			return p, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", &Error{Code: ErrCodeInvalid, Path: p, Err: err}
		}
	}
	return "", &Error{Code: ErrCodeNotFound, Path: filepath.Join(target, FileNameJSON), Err: os.ErrNotExist}
}

func mergeRun(fc FileConfig, cli CLIArgs, cfgPath string) EffectiveConfig {
	// max_workers：CLI > config > NumCPU；统一截断到 [1, 64]。
	workers := runtime.NumCPU()
	if cli.WorkersSet {
		workers = cli.Workers
	} else if fc.MaxWorkers > 0 {
		workers = fc.MaxWorkers
	}
	workers = clamp(workers, 1, MaxWorkersLimit)

	failFast := false
	if cli.FailFastSet {
		failFast = cli.FailFast
	} else if fc.FailFast != nil {
		failFast = *fc.FailFast
	}

	level := DefaultLogLevel
	if strings.TrimSpace(cli.LogLevel) != "" {
		level = strings.ToLower(strings.TrimSpace(cli.LogLevel))
	} else if fc.LogLevel != "" {
		level = fc.LogLevel
	}

	exts := append([]string(nil), scan.DefaultExtensions...)
	if len(fc.Extensions) > 0 {
		exts = append([]string(nil), fc.Extensions...)
	}

	mem := MemoryLimits{
		BatchLimit:  memwatch.DefaultBatchLimit,
		WorkerLimit: memwatch.DefaultWorkerLimit,
		CheckEvery:  memwatch.DefaultCheckEvery,
	}
	if m := fc.Memory; m != nil {
		if m.BatchLimitMB != nil {
			mem.BatchLimit = memwatch.MB(*m.BatchLimitMB)
		}
		if m.WorkerLimitMB != nil {
			mem.WorkerLimit = memwatch.MB(*m.WorkerLimitMB)
		}
		if m.CheckEvery > 0 {
			mem.CheckEvery = m.CheckEvery
		}
	}

	pause := DefaultPause
	if fc.Throttle != nil && fc.Throttle.PauseMS != nil {
		pause = time.Duration(*fc.Throttle.PauseMS) * time.Millisecond
	}

	return EffectiveConfig{
		ConfigPath: cfgPath,
		MaxWorkers: workers,
		FailFast:   failFast,
		DryRun:     cli.DryRun,
		ReportPath: strings.TrimSpace(cli.ReportPath),
		LogLevel:   level,
		Extensions: exts,
		Memory:     mem,
		Pause:      pause,
	}
}

// mergeJob 按字段合并 defaults 与任务自身的覆盖项（非零值覆盖），然后校验。
func mergeJob(index int, baseDir string, def, jf JobFields) JobSpec {
	m := def
	if jf.Name != "" {
		m.Name = jf.Name
	}
	if jf.Input != "" {
		m.Input = jf.Input
	}
	if jf.Output != "" {
		m.Output = jf.Output
	}
	if jf.Width != 0 {
		m.Width = jf.Width
	}
	if jf.Height != 0 {
		m.Height = jf.Height
	}
	if jf.Anchor != "" {
		m.Anchor = jf.Anchor
	}
	if len(jf.Scales) > 0 {
		m.Scales = jf.Scales
	}
	if jf.Quality != nil {
		m.Quality = jf.Quality
	}
	if jf.ThreadsPerScale != 0 {
		m.ThreadsPerScale = jf.ThreadsPerScale
	}

	rules := jobRules{
		Input:           absCleanFrom(baseDir, m.Input),
		Output:          absCleanFrom(baseDir, m.Output),
		Width:           m.Width,
		Height:          m.Height,
		Anchor:          strings.ToLower(strings.TrimSpace(m.Anchor)),
		Scales:          append([]int(nil), m.Scales...),
		Quality:         DefaultQuality,
		ThreadsPerScale: m.ThreadsPerScale,
	}
	if rules.Anchor == "" {
		rules.Anchor = string(domain.AnchorCenter)
	}
	if len(rules.Scales) == 0 {
		rules.Scales = []int{1}
	}
	if m.Quality != nil {
		rules.Quality = *m.Quality
	}
	if rules.ThreadsPerScale == 0 {
		rules.ThreadsPerScale = DefaultThreadsPerScale
	}

	name := strings.TrimSpace(m.Name)
	if name == "" && rules.Input != "" {
		name = filepath.Base(rules.Input)
	}
	if name == "" {
		name = fmt.Sprintf("job%d", index+1)
	}

	spec := JobSpec{
		Index: index,
		Config: domain.JobConfig{
			Name:            name,
			InputDir:        rules.Input,
			OutputDir:       rules.Output,
			Width:           rules.Width,
			Height:          rules.Height,
			Anchor:          domain.Anchor(rules.Anchor),
			Scales:          rules.Scales,
			Quality:         rules.Quality,
			ThreadsPerScale: rules.ThreadsPerScale,
		},
	}
	if err := validate.Struct(rules); err != nil {
		spec.Err = fmt.Errorf("jobs[%d] %q：%w", index, name, describe(err))
	}
	return spec
}

// describe 把 validator 的错误转成一行可读的中文说明。
func describe(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	parts := make([]string, 0, len(ves))
	for _, fe := range ves {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s 不满足 %s=%s（实际 %v）", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			parts = append(parts, fmt.Sprintf("%s 不满足 %s（实际 %v）", field, fe.Tag(), fe.Value()))
		}
	}
	return errors.New(strings.Join(parts, "；"))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute；空串保持为空。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 按扩展名选择解析器：.toml 用 go-toml，其余按 JSON。
func readFileConfig(path string) (FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	var fc FileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(b, &fc); err != nil {
			return FileConfig{}, err
		}
		return fc, nil
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}
