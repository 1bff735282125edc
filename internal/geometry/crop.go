// Package geometry 计算“按目标宽高比裁切”的矩形。纯函数，无状态、无 I/O。
package geometry

import (
	"image"
	"math"

	"github.com/John-Robertt/webpbatch/internal/domain"
)

// Rect 是源图坐标系下的裁切矩形（全部非负）。
type Rect struct {
	Left   int
	Top    int
	Width  int
	Height int
}

// Image 转换为 image.Rectangle（相对于 origin）。
func (r Rect) Image(origin image.Point) image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height).Add(origin)
}

// Crop 按目标宽高比计算裁切矩形。
//
// - 源图相对更宽：保留全高，宽度裁为 round(oh*targetRatio)，水平居中，top=0
// - 否则（更高或相等）：保留全宽，高度裁为 round(ow/targetRatio)，left=0，纵向按 anchor 对齐
//
// 结果保证 left+width <= ow、top+height <= oh。
// 输入尺寸必须 > 0：零/负尺寸属于调用方违约，这里不做处理。
func Crop(ow, oh, tw, th int, anchor domain.Anchor) Rect {
	targetRatio := float64(tw) / float64(th)
	originalRatio := float64(ow) / float64(oh)

	if originalRatio > targetRatio {
		w := clamp(round(float64(oh)*targetRatio), 0, ow)
		return Rect{
			Left:   clamp(round(float64(ow-w)/2), 0, ow-w),
			Top:    0,
			Width:  w,
			Height: oh,
		}
	}

	h := clamp(round(float64(ow)/targetRatio), 0, oh)
	var top int
	switch anchor {
	case domain.AnchorTop:
		top = 0
	case domain.AnchorBottom:
		top = oh - h
	default:
		top = round(float64(oh-h) / 2)
	}
	return Rect{
		Left:   0,
		Top:    clamp(top, 0, oh-h),
		Width:  ow,
		Height: h,
	}
}

// round 采用“.5 远离零”的取整；输入非负时等价于向上取半。
func round(f float64) int {
	return int(math.Round(f))
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
