package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	ErrCodeConfigNotFound = "config_not_found"
	ErrCodeConfigInvalid  = "config_invalid"
	ErrCodeConfigNoJobs   = "config_no_jobs"
	ErrCodeEnumerate      = "enumerate_failed"
	ErrCodePrepare        = "prepare_failed"
	ErrCodeExec           = "exec_failed"
	ErrCodeCanceled       = "canceled"
)

// RunReport 是对外稳定输出（stdout JSON / --report 文件）的结构。
type RunReport struct {
	RunID      string `json:"run_id"`
	ConfigPath string `json:"config_path"`
	DryRun     bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary RunSummary  `json:"summary"`
	Jobs    []JobReport `json:"jobs"`
}

type RunSummary struct {
	JobsRun    int `json:"jobs_run"`
	JobsFailed int `json:"jobs_failed"`

	FilesFound     int `json:"files_found"`
	UnitsTotal     int `json:"units_total"`
	UnitsSucceeded int `json:"units_succeeded"`
	UnitsFailed    int `json:"units_failed"`
}

// JobReport 是单个任务的结果摘要。
// ErrorCode/ErrorMsg 只在 State=failed 时非空。
type JobReport struct {
	Index     int      `json:"index"`
	Name      string   `json:"name"`
	InputDir  string   `json:"input_dir"`
	OutputDir string   `json:"output_dir"`
	State     JobState `json:"state"`

	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	FilesFound int `json:"files_found"`
	Groups     int `json:"groups"`
	Units      int `json:"units"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`

	Failures []WorkUnitResult `json:"failures"`
	Duration float64          `json:"duration_sec"`
}

// Fatal 表示该任务因执行上下文致命错误（或取消）失败，而不是配置/枚举阶段失败。
func (j JobReport) Fatal() bool {
	return j.State == JobFailed && (j.ErrorCode == ErrCodeExec || j.ErrorCode == ErrCodeCanceled)
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) jobs 按配置顺序（Index）稳定排序
// 3) summary 由 jobs 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Jobs, func(i, j int) bool { return r.Jobs[i].Index < r.Jobs[j].Index })

	var s RunSummary
	for i := range r.Jobs {
		j := &r.Jobs[i]
		if j.Failures == nil {
			j.Failures = []WorkUnitResult{}
		}
		s.JobsRun++
		if j.State == JobFailed {
			s.JobsFailed++
		}
		s.FilesFound += j.FilesFound
		s.UnitsTotal += j.Units
		s.UnitsSucceeded += j.Succeeded
		s.UnitsFailed += j.Failed
	}
	r.Summary = s
}

// AnyFatal 表示是否有任务遭遇执行期致命错误（决定进程退出码）。
func (r RunReport) AnyFatal() bool {
	for _, j := range r.Jobs {
		if j.Fatal() {
			return true
		}
	}
	return false
}

// MarshalJSON 集中约束输出的稳定性：nil 切片输出为 []。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	if r.Jobs == nil {
		r.Jobs = []JobReport{}
	}
	return json.Marshal(Alias(r))
}
