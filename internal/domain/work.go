package domain

import (
	"fmt"
	"path/filepath"
)

// WorkUnit 是最小执行单元：一个源文件 × 一个 scale，对应唯一的输出文件。
type WorkUnit struct {
	SourcePath string
	Scale      int
	OutputPath string
}

// ScaleDir 返回某个 scale 的输出子目录：{outputDir}/x{scale}。
func ScaleDir(outputDir string, scale int) string {
	return filepath.Join(outputDir, fmt.Sprintf("x%d", scale))
}

// OutputPath 推导确定性的输出路径：{outputDir}/x{scale}/{base}.webp。
// 同一任务内 (base, scale) 唯一 => 输出路径唯一。
func OutputPath(outputDir string, scale int, base string) string {
	return filepath.Join(ScaleDir(outputDir, scale), base+".webp")
}

// GroupID 标识一个 WorkGroup：(scale, index)。
type GroupID struct {
	Scale int
	Index int
}

func (g GroupID) String() string {
	return fmt.Sprintf("x%d#%d", g.Scale, g.Index)
}

// WorkGroup 是分配给单个执行上下文的有序 WorkUnit 序列。
//
// 约束：组内所有 unit 的 Scale 相同（不混 scale）；执行上下文必须按 Units 顺序串行处理。
type WorkGroup struct {
	ID    GroupID
	Units []WorkUnit
}

// WorkUnitResult 在 unit 结束（成功或失败）时创建，之后不再修改。
type WorkUnitResult struct {
	SourcePath     string `json:"source"`
	OutputPath     string `json:"output"`
	Scale          int    `json:"scale"`
	Success        bool   `json:"success"`
	GeneratedFiles int    `json:"generated_files"` // 0|1
	Error          string `json:"error,omitempty"`
}

// CountUnits 统计 groups 内 WorkUnit 总数。
func CountUnits(groups []WorkGroup) int {
	n := 0
	for i := range groups {
		n += len(groups[i].Units)
	}
	return n
}
