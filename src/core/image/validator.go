package image

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/utils"

	"github.com/gabriel-vasile/mimetype"
)

// PayloadValidator 检查下载结果是否真的是图片
type PayloadValidator struct {
	config configs.SecurityConfig
	logger *utils.TaggedLogger
}

// NewPayloadValidator 创建图片数据验证器
func NewPayloadValidator(config configs.SecurityConfig, logger *utils.Logger) *PayloadValidator {
	return &PayloadValidator{
		config: config,
		logger: logger.WithTag("validate"),
	}
}

var executableSignatures = []struct {
	name string
	sig  []byte
}{
	{"PE", []byte{0x4D, 0x5A}},
	{"ELF", []byte{0x7F, 0x45, 0x4C, 0x46}},
	{"Mach-O", []byte{0xCA, 0xFE, 0xBA, 0xBE}},
	{"ZIP", []byte{0x50, 0x4B, 0x03, 0x04}},
}

var svgSuspicious = []string{
	"<script",
	"javascript:",
	"onload=",
	"onerror=",
	"<iframe",
	"<object",
	"<embed",
}

// Validate 拒绝空数据、超过读取上限的数据、可执行文件、HTML页面和带脚本的SVG。
// 不限制图片尺寸；无法解码的图片不在此拒绝，交由格式转换器兜底。
func (v *PayloadValidator) Validate(raw *RawImagePayload) error {
	if raw == nil || len(raw.Bytes) == 0 {
		return ErrEmptyPayload
	}
	if v.config.MaxFileSize > 0 && int64(len(raw.Bytes)) > v.config.MaxFileSize {
		return fmt.Errorf("%w: %d bytes，最大允许: %d bytes", ErrPayloadTooLarge, len(raw.Bytes), v.config.MaxFileSize)
	}

	for _, s := range executableSignatures {
		if bytes.HasPrefix(raw.Bytes, s.sig) {
			v.logger.Warn("文件开头检测到可执行文件签名", map[string]interface{}{
				"signature_type": s.name,
				"signature_hex":  fmt.Sprintf("%x", s.sig),
			})
			return fmt.Errorf("%w: %s签名", ErrNotAnImage, s.name)
		}
	}

	detected := mimetype.Detect(raw.Bytes)
	switch {
	case detected.Is("text/html"):
		// 防盗链站点常以200返回HTML页面
		return fmt.Errorf("%w: 响应为HTML页面", ErrNotAnImage)
	case detected.Is("image/svg+xml"):
		lower := strings.ToLower(string(raw.Bytes))
		for _, s := range svgSuspicious {
			if strings.Contains(lower, s) {
				v.logger.Warn("在SVG中检测到可疑脚本内容", map[string]interface{}{"suspicious_content": s})
				return fmt.Errorf("%w: SVG包含脚本", ErrNotAnImage)
			}
		}
		return nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw.Bytes))
	if err != nil {
		v.logger.Debug("无法读取图片尺寸", map[string]interface{}{
			"declared": raw.MimeType,
			"detected": detected.String(),
		})
		return nil
	}

	v.logger.Debug("图片验证成功", map[string]interface{}{
		"format": format,
		"width":  cfg.Width,
		"height": cfg.Height,
		"size":   len(raw.Bytes),
	})
	return nil
}
