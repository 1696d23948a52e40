package image

import (
	"mime"
	"strings"
)

const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeWebP = "image/webp"
)

// acceptedMimeTypes 上传接口接受的图片格式
var acceptedMimeTypes = map[string]struct{}{
	MimeJPEG: {},
	MimePNG:  {},
	MimeWebP: {},
}

// IsAcceptedMimeType 判断是否为无需转码的格式
func IsAcceptedMimeType(mimeType string) bool {
	_, ok := acceptedMimeTypes[mimeType]
	return ok
}

// AcquisitionRequest 一次用户操作对应的下载请求
type AcquisitionRequest struct {
	SourceURL string `json:"source_url"`        // 图片绝对地址
	PageID    string `json:"page_id,omitempty"` // 触发请求的页面代理ID，可为空
}

// RawImagePayload 下载策略产出的原始图片数据
type RawImagePayload struct {
	Bytes     []byte
	MimeType  string
	SizeBytes int64
	Strategy  string // 成功的下载策略名称
}

// NormalizedImagePayload 格式规范化后的图片数据
type NormalizedImagePayload struct {
	Bytes     []byte
	MimeType  string
	SizeBytes int64
	Strategy  string
}

// newRawPayload 根据字节和声明类型构造原始数据
func newRawPayload(data []byte, contentType string, strategy string) *RawImagePayload {
	return &RawImagePayload{
		Bytes:     data,
		MimeType:  NormalizeContentType(contentType),
		SizeBytes: int64(len(data)),
		Strategy:  strategy,
	}
}

// NormalizeContentType 去掉Content-Type中的参数并转为小写
func NormalizeContentType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		if idx := strings.Index(contentType, ";"); idx >= 0 {
			contentType = contentType[:idx]
		}
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mediaType)
}

// ExtensionFor 根据图片类型返回上传文件扩展名
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case MimePNG:
		return "png"
	case MimeWebP:
		return "webp"
	case "image/gif":
		return "gif"
	case "image/bmp":
		return "bmp"
	default:
		return "jpg"
	}
}
