package domain

import (
	"fmt"
	"strings"
)

// Anchor 是源图比目标更“高”时，纵向裁切的参照点。
type Anchor string

const (
	AnchorTop    Anchor = "top"
	AnchorCenter Anchor = "center"
	AnchorBottom Anchor = "bottom"
)

// ParseAnchor 解析 anchor 字符串（大小写不敏感）；空串视为 center。
func ParseAnchor(s string) (Anchor, error) {
	switch Anchor(strings.ToLower(strings.TrimSpace(s))) {
	case "", AnchorCenter:
		return AnchorCenter, nil
	case AnchorTop:
		return AnchorTop, nil
	case AnchorBottom:
		return AnchorBottom, nil
	default:
		return "", fmt.Errorf("anchor 只能是 top、center 或 bottom，实际是 %q", s)
	}
}

// JobConfig 是一个已合并默认值、已校验的处理任务。
//
// 不变量（由 config 包保证，run 层不再二次推导默认值）：
// - InputDir/OutputDir 必须是 clean + absolute
// - Scales 非空、唯一、每项 > 0，顺序即配置顺序
// - Quality 在 [0, 100]；ThreadsPerScale >= 1
//
// 任务开始后不可修改。
type JobConfig struct {
	Name      string
	InputDir  string
	OutputDir string

	Width  int
	Height int
	Anchor Anchor

	Scales          []int
	Quality         int
	ThreadsPerScale int
}

// UnitCount 返回 files 个输入文件在该任务下会产生的 WorkUnit 数。
func (j JobConfig) UnitCount(files int) int {
	return files * len(j.Scales)
}

// JobState 是单个任务的状态机：
// pending -> enumerating -> partitioned -> executing -> completed|failed
type JobState string

const (
	JobPending     JobState = "pending"
	JobEnumerating JobState = "enumerating"
	JobPartitioned JobState = "partitioned"
	JobExecuting   JobState = "executing"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
)

// Terminal 表示该状态之后不会再迁移。
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}
