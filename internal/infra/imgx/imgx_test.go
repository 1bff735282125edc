package imgx

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xwebp "golang.org/x/image/webp"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// 左黑右白，便于验证裁切区域。
			if x < w/2 {
				src.Set(x, y, color.RGBA{0, 0, 0, 255})
			} else {
				src.Set(x, y, color.RGBA{255, 255, 255, 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	return buf.Bytes()
}

func TestTransformer_CropScaleEncode(t *testing.T) {
	tr := New()
	defer tr.Close()

	img, err := tr.Decode(pngBytes(t, 200, 100))
	require.NoError(t, err)

	// 取右半边并放大 2 倍。
	out, err := tr.Transform(img, image.Rect(100, 0, 200, 100), 200, 200, 90)
	require.NoError(t, err)

	cfg, err := xwebp.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 200, cfg.Height)

	got, err := xwebp.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	c := color.RGBAModel.Convert(got.At(100, 100)).(color.RGBA)
	assert.Greater(t, c.R, uint8(200), "裁切区域应接近白色：%v", c)
}

func TestTransformer_ReusesBufferAcrossCalls(t *testing.T) {
	tr := New()
	defer tr.Close()

	img, err := tr.Decode(pngBytes(t, 64, 64))
	require.NoError(t, err)

	a, err := tr.Transform(img, img.Bounds(), 64, 64, 80)
	require.NoError(t, err)
	b, err := tr.Transform(img, img.Bounds(), 32, 32, 80)
	require.NoError(t, err)

	// a 必须是独立拷贝，不应被第二次编码覆盖。
	cfg, err := xwebp.DecodeConfig(bytes.NewReader(a))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)

	cfg, err = xwebp.DecodeConfig(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
}

func TestTransformer_DecodeErrors(t *testing.T) {
	tr := New()
	defer tr.Close()

	_, err := tr.Decode(nil)
	var de *DecodeError
	require.True(t, errors.As(err, &de))

	_, err = tr.Decode([]byte("not an image"))
	require.True(t, errors.As(err, &de))
}

func TestTransformer_CropOutOfBounds(t *testing.T) {
	tr := New()
	defer tr.Close()

	img, err := tr.Decode(pngBytes(t, 10, 10))
	require.NoError(t, err)

	_, err = tr.Transform(img, image.Rect(0, 0, 20, 10), 10, 10, 80)
	assert.Error(t, err)
}

func TestTransformer_UseAfterClose(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Decode(pngBytes(t, 4, 4))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Transform(image.NewRGBA(image.Rect(0, 0, 4, 4)), image.Rect(0, 0, 4, 4), 4, 4, 80)
	assert.ErrorIs(t, err, ErrClosed)
}
