package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/webpbatch/internal/domain"
)

// DefaultExtensions 是未配置 extensions 时接受的图片扩展名。
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// DirNotFoundError 表示输入目录不存在（或不是目录）。
// 上层把它映射为该任务的 enumerate_failed，而不是整体失败。
type DirNotFoundError struct {
	Dir string
	Err error
}

func (e *DirNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("输入目录不存在：%q：%v", e.Dir, e.Err)
	}
	return fmt.Sprintf("输入目录不存在：%q", e.Dir)
}

func (e *DirNotFoundError) Unwrap() error { return e.Err }

// IsDirNotFound 判断 err 是否为 DirNotFoundError。
func IsDirNotFound(err error) bool {
	var e *DirNotFoundError
	return errors.As(err, &e)
}

// ListImages 列出 dir 下（不递归）扩展名命中 exts 的图片文件。
//
// 规则：
// - 扩展名大小写不敏感；exts 为空时使用 DefaultExtensions
// - 只做 stat（跟随符号链接），不读文件内容
// - 输出按文件名排序，并按 Base 去重（同名不同扩展只保留排序靠前的一个，避免输出路径冲突）
func ListImages(dir string, exts []string) ([]domain.ImageFile, error) {
	dir = filepath.Clean(dir)

	fi, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &DirNotFoundError{Dir: dir, Err: err}
		}
		return nil, err
	}
	if !fi.IsDir() {
		return nil, &DirNotFoundError{Dir: dir, Err: fmt.Errorf("不是目录")}
	}

	accept := normalizeExts(exts)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]domain.ImageFile, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, d := range entries {
		if d.IsDir() {
			continue
		}
		name := d.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := accept[ext]; !ok {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if _, dup := seen[base]; dup {
			continue
		}

		// os.Stat 跟随符号链接；列出后被删除（或悬空链接）的条目直接跳过。
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}

		seen[base] = struct{}{}
		files = append(files, domain.ImageFile{
			AbsPath: filepath.Join(dir, name),
			Base:    base,
			Ext:     ext,
			Size:    info.Size(),
		})
	}

	// os.ReadDir 已按文件名排序；这里再显式排序一次，锁定契约。
	sort.SliceStable(files, func(i, j int) bool { return files[i].AbsPath < files[j].AbsPath })
	return files, nil
}

// Paths 提取 AbsPath 列表（保持顺序）。
func Paths(files []domain.ImageFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.AbsPath)
	}
	return out
}

func normalizeExts(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	m := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m[e] = struct{}{}
	}
	return m
}
