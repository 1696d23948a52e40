package image

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"qa-image-collector/src/core/utils"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"

	_ "image/gif" // 注册GIF解码器
	_ "image/png" // 注册PNG解码器

	_ "golang.org/x/image/bmp"  // 注册BMP解码器
	_ "golang.org/x/image/tiff" // 注册TIFF解码器
	_ "golang.org/x/image/webp" // 注册WEBP解码器
)

// FormatNormalizer 保证输出为 jpeg/png/webp 之一
type FormatNormalizer struct {
	quality   int
	maxPixels int64
	logger    *utils.TaggedLogger
}

// NewFormatNormalizer 创建格式转换器，quality为JPEG质量(1-100)。
// maxPixels>0 时超过该像素数的图片不解码，原样返回。
func NewFormatNormalizer(quality int, maxPixels int64, logger *utils.Logger) *FormatNormalizer {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &FormatNormalizer{
		quality:   quality,
		maxPixels: maxPixels,
		logger:    logger.WithTag("normalize"),
	}
}

// Normalize 已是常见格式直接返回；否则转码为JPEG，解码失败时返回原始数据
func (n *FormatNormalizer) Normalize(raw *RawImagePayload) *NormalizedImagePayload {
	out := &NormalizedImagePayload{
		Bytes:     raw.Bytes,
		MimeType:  raw.MimeType,
		SizeBytes: raw.SizeBytes,
		Strategy:  raw.Strategy,
	}

	if IsAcceptedMimeType(raw.MimeType) {
		n.logger.Debug("图片格式无需转换: " + raw.MimeType)
		return out
	}

	// 未声明类型时按内容识别，识别为常见格式则只修正类型
	if raw.MimeType == "" || raw.MimeType == "application/octet-stream" {
		detected := mimetype.Detect(raw.Bytes).String()
		if IsAcceptedMimeType(detected) {
			n.logger.Info("根据内容识别图片格式", map[string]interface{}{"declared": raw.MimeType, "detected": detected})
			out.MimeType = detected
			return out
		}
	}

	n.logger.Info("开始转换图片格式，原格式: " + raw.MimeType)
	converted, err := n.transcode(raw.Bytes)
	if err != nil {
		n.logger.Warn("图片转换失败，使用原始格式", map[string]interface{}{
			"type":  raw.MimeType,
			"error": err.Error(),
		})
		return out
	}

	out.Bytes = converted
	out.MimeType = MimeJPEG
	out.SizeBytes = int64(len(converted))
	n.logger.Info("图片格式转换完成", map[string]interface{}{
		"type": out.MimeType,
		"size": out.SizeBytes,
	})
	return out
}

// transcode 解码后绘制到离屏画布，再编码为JPEG
func (n *FormatNormalizer) transcode(data []byte) ([]byte, error) {
	if n.maxPixels > 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			if total := int64(cfg.Width) * int64(cfg.Height); total > n.maxPixels {
				return nil, fmt.Errorf("像素总数 %d 超过转码上限 %d", total, n.maxPixels)
			}
		}
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("图片解码失败: %w", err)
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), src, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: n.quality}); err != nil {
		return nil, fmt.Errorf("JPEG编码失败(%s): %w", format, err)
	}
	return buf.Bytes(), nil
}
