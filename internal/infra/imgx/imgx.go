package imgx

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // 注册 JPEG 解码器
	_ "image/png"  // 注册 PNG 解码器

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // 注册 WebP 解码器（输入允许是 webp）
)

// ErrClosed 表示在 Close 之后继续使用 Transformer。
var ErrClosed = errors.New("imgx: transformer 已关闭")

// DecodeError 表示源文件无法解码（损坏/格式不支持）。
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("解码失败：%v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Transformer 负责“裁切 -> 缩放 -> WebP 编码”。
//
// 它持有可复用的像素缓冲与编码缓冲，属于执行上下文的独占资源：
// - 每个执行上下文 New 一个，结束时 Close（所有退出路径都必须 Close）
// - 不允许跨 goroutine 共享
type Transformer struct {
	pix    []uint8
	out    bytes.Buffer
	closed bool
}

func New() *Transformer {
	return &Transformer{}
}

// Decode 把源文件字节解码为图像（JPEG/PNG/WebP）。
func (t *Transformer) Decode(src []byte) (image.Image, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if len(src) == 0 {
		return nil, &DecodeError{Err: errors.New("文件为空")}
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &DecodeError{Err: errors.New("图片尺寸无效")}
	}
	return img, nil
}

// Transform 把 img 的 crop 区域缩放到 width×height，并编码为有损 WebP。
//
// 约束：
// - crop 必须落在 img.Bounds() 内
// - quality 在 [0, 100]
// - 返回的字节是独立拷贝，调用方可长期持有
func (t *Transformer) Transform(img image.Image, crop image.Rectangle, width, height, quality int) ([]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("目标尺寸无效：%dx%d", width, height)
	}
	if crop.Empty() || !crop.In(img.Bounds()) {
		return nil, fmt.Errorf("裁切区域 %v 超出图片范围 %v", crop, img.Bounds())
	}

	dst := t.canvas(width, height)
	if crop.Dx() == width && crop.Dy() == height {
		draw.Draw(dst, dst.Bounds(), img, crop.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	}

	t.out.Reset()
	if err := webp.Encode(&t.out, dst, &webp.Options{Quality: float32(clampQuality(quality))}); err != nil {
		return nil, fmt.Errorf("webp 编码失败：%w", err)
	}
	return bytes.Clone(t.out.Bytes()), nil
}

// Close 释放缓冲；重复调用安全。
func (t *Transformer) Close() error {
	t.pix = nil
	t.out = bytes.Buffer{}
	t.closed = true
	return nil
}

// canvas 复用像素缓冲：容量够用时不再分配（同一 group 内 scale 相同，尺寸通常一致）。
func (t *Transformer) canvas(w, h int) *image.RGBA {
	n := w * h * 4
	if cap(t.pix) < n {
		t.pix = make([]uint8, n)
	}
	return &image.RGBA{
		Pix:    t.pix[:n],
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

func clampQuality(q int) int {
	if q < 0 {
		return 0
	}
	if q > 100 {
		return 100
	}
	return q
}
