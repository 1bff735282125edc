package planner

import (
	"path/filepath"
	"strings"

	"github.com/John-Robertt/webpbatch/internal/domain"
)

// Partition 把 (files × scales) 的全量笛卡尔积拆成互不相交的 WorkGroup。
//
// 规则（硬约束）：
// - 每个 (file, scale) 恰好出现在一个 group 中
// - group 不混 scale；同一 scale 下按 fileIndex % threadsPerScale 轮转分配
// - 空 group（threadsPerScale > 文件数）直接丢弃，不调度
// - group 顺序：先按 scales 顺序，再按 group index；组内按 files 顺序
//
// 轮转而非连续切块：按文件名聚集的大文件也会被均匀摊开。
// 更关键的是：输出路径 (base, scale) 唯一 => 不同 group 不会写同一个文件。
func Partition(files []string, outputDir string, scales []int, threadsPerScale int) []domain.WorkGroup {
	if threadsPerScale < 1 {
		threadsPerScale = 1
	}
	files = dedup(files)

	groups := make([]domain.WorkGroup, 0, len(scales)*min(threadsPerScale, len(files)))
	for _, scale := range scales {
		buckets := make([][]domain.WorkUnit, threadsPerScale)
		for i, src := range files {
			g := i % threadsPerScale
			buckets[g] = append(buckets[g], domain.WorkUnit{
				SourcePath: src,
				Scale:      scale,
				OutputPath: domain.OutputPath(outputDir, scale, baseName(src)),
			})
		}
		for g, units := range buckets {
			if len(units) == 0 {
				continue
			}
			groups = append(groups, domain.WorkGroup{
				ID:    domain.GroupID{Scale: scale, Index: g},
				Units: units,
			})
		}
	}
	return groups
}

// OutputDirs 返回需要预先创建的输出目录（每个 scale 一个）。
func OutputDirs(outputDir string, scales []int) []string {
	dirs := make([]string, 0, len(scales))
	for _, s := range scales {
		dirs = append(dirs, domain.ScaleDir(outputDir, s))
	}
	return dirs
}

func baseName(p string) string {
	name := filepath.Base(p)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// dedup 去掉重复路径，保持首次出现的顺序。
func dedup(files []string) []string {
	seen := make(map[string]struct{}, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
