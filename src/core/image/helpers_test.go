package image

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"qa-image-collector/src/core/utils"

	"github.com/stretchr/testify/require"
)

func testLogger() *utils.Logger {
	return utils.NewConsoleLogger(io.Discard, "debug")
}

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 40), B: 120, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func gifBytes(t *testing.T) []byte {
	t.Helper()
	src := testImage()
	p := image.NewPaletted(src.Bounds(), palette.Plan9)
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			p.Set(x, y, src.At(x, y))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, p, nil))
	return buf.Bytes()
}
