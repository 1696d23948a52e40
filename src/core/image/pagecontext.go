package image

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"qa-image-collector/src/core/utils"
)

// PageImage 页面代理返回的图片
type PageImage struct {
	DataURI  string
	MimeType string
	Width    int
	Height   int
}

// PageChannel 与页面内代理通信的通道。
// 实现需返回 ErrNoActivePage、ErrMessageDeliveryFailed、ErrPageDownloadTimeout 或 *PageLoadError。
type PageChannel interface {
	DownloadInPage(ctx context.Context, pageID string, sourceURL string) (*PageImage, error)
}

// PageContextStrategy 交给页面自身环境下载，继承页面的cookie与会话
type PageContextStrategy struct {
	channel PageChannel
	logger  *utils.TaggedLogger
}

// NewPageContextStrategy 创建页面注入下载策略
func NewPageContextStrategy(channel PageChannel, logger *utils.Logger) *PageContextStrategy {
	return &PageContextStrategy{
		channel: channel,
		logger:  logger.WithTag(StrategyPage),
	}
}

func (s *PageContextStrategy) Name() string { return StrategyPage }

// Fetch 请求页面代理下载并解码base64数据
func (s *PageContextStrategy) Fetch(ctx context.Context, req AcquisitionRequest) (*RawImagePayload, error) {
	if s.channel == nil {
		return nil, ErrNoActivePage
	}

	img, err := s.channel.DownloadInPage(ctx, req.PageID, req.SourceURL)
	if err != nil {
		return nil, err
	}

	data, err := DecodeDataURI(img.DataURI)
	if err != nil {
		return nil, fmt.Errorf("%w: 转换图片数据失败: %v", ErrPageLoad, err)
	}

	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = MimeJPEG
	}
	payload := newRawPayload(data, mimeType, StrategyPage)

	s.logger.Info("页面注入下载成功", map[string]interface{}{
		"url":    req.SourceURL,
		"size":   payload.SizeBytes,
		"type":   payload.MimeType,
		"width":  img.Width,
		"height": img.Height,
	})
	return payload, nil
}

// IsDataURI 是否为 data: 内联图片
func IsDataURI(raw string) bool {
	raw = strings.TrimSpace(raw)
	return len(raw) >= 5 && strings.EqualFold(raw[:5], "data:")
}

// ParseDataURI 解析 data:[<mime>][;base64],<data>，返回数据和声明的类型
func ParseDataURI(uri string) ([]byte, string, error) {
	uri = strings.TrimSpace(uri)
	if !IsDataURI(uri) {
		return nil, "", fmt.Errorf("无效的data URI")
	}
	idx := strings.Index(uri, ",")
	if idx < 0 {
		return nil, "", fmt.Errorf("无效的data URI")
	}
	meta, payload := uri[len("data:"):idx], uri[idx+1:]
	if payload == "" {
		return nil, "", ErrEmptyPayload
	}

	encoded := false
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		encoded = true
		meta = meta[:len(meta)-len(";base64")]
	}

	var data []byte
	if encoded {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("base64解码失败: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("data URI解码失败: %w", err)
		}
		data = []byte(unescaped)
	}
	return data, NormalizeContentType(meta), nil
}

// DecodeDataURI 解码data URI，不带前缀时按纯base64处理
func DecodeDataURI(dataURI string) ([]byte, error) {
	payload := strings.TrimSpace(dataURI)
	if IsDataURI(payload) {
		data, _, err := ParseDataURI(payload)
		return data, err
	}
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("base64解码失败: %w", err)
	}
	return data, nil
}
