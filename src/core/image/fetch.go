package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/utils"
)

const (
	StrategyNetwork   = "network"
	StrategyAlternate = "alternate"
	StrategyPage      = "page"

	acceptImage = "image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
)

// Strategy 下载策略
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, req AcquisitionRequest) (*RawImagePayload, error)
}

// newHTTPClient 创建限制重定向次数的HTTP客户端，jar为空时不携带cookie
func newHTTPClient(cfg configs.AcquireConfig, jar http.CookieJar) *http.Client {
	maxRedirects := cfg.MaxRedirects
	return &http.Client{
		Timeout: cfg.RequestTimeout,
		Jar:     jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("停止重定向：超过最大重定向次数")
			}
			return nil
		},
	}
}

// isHTTPURL 只有 http/https 地址可以直接请求
func isHTTPURL(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// refererFor 生成 scheme://host/ 形式的Referer，无法解析时返回空
func refererFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

// readBody 读取响应体，超过maxSize时报错
func readBody(resp *http.Response, maxSize int64) ([]byte, error) {
	if resp.ContentLength > maxSize {
		return nil, fmt.Errorf("%w: %d bytes，最大允许: %d bytes", ErrPayloadTooLarge, resp.ContentLength, maxSize)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: 超过 %d bytes", ErrPayloadTooLarge, maxSize)
	}
	return data, nil
}

// doGet 发送GET请求并返回原始图片数据
func doGet(ctx context.Context, client *http.Client, rawURL string, header http.Header, maxSize int64, strategy string) (*RawImagePayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := readBody(resp, maxSize)
	if err != nil {
		return nil, err
	}
	return newRawPayload(data, resp.Header.Get("Content-Type"), strategy), nil
}

// NetworkFetchStrategy 直接下载，模拟浏览器请求头，不携带cookie
type NetworkFetchStrategy struct {
	cfg    configs.AcquireConfig
	client *http.Client
	logger *utils.TaggedLogger
}

// NewNetworkFetchStrategy 创建直接下载策略
func NewNetworkFetchStrategy(cfg configs.AcquireConfig, logger *utils.Logger) *NetworkFetchStrategy {
	cfg = cfg.WithDefaults()
	return &NetworkFetchStrategy{
		cfg:    cfg,
		client: newHTTPClient(cfg, nil),
		logger: logger.WithTag(StrategyNetwork),
	}
}

func (s *NetworkFetchStrategy) Name() string { return StrategyNetwork }

// browserHeaders 模拟真实浏览器的请求头
func (s *NetworkFetchStrategy) browserHeaders(rawURL string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", s.cfg.UserAgent)
	h.Set("Accept", acceptImage)
	h.Set("Accept-Language", s.cfg.AcceptLanguage)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Dest", "image")
	if referer := refererFor(rawURL); referer != "" {
		h.Set("Referer", referer)
	} else {
		s.logger.Debug("无法提取Referer，跳过设置", map[string]interface{}{"url": rawURL})
	}
	return h
}

// Fetch 执行一次GET下载
// data: 内联图片直接解码，其他非http地址交给后续策略
func (s *NetworkFetchStrategy) Fetch(ctx context.Context, req AcquisitionRequest) (*RawImagePayload, error) {
	if IsDataURI(req.SourceURL) {
		data, mimeType, err := ParseDataURI(req.SourceURL)
		if err != nil {
			return nil, err
		}
		s.logger.Info("内联图片解码完成", map[string]interface{}{"size": len(data), "type": mimeType})
		return newRawPayload(data, mimeType, StrategyNetwork), nil
	}
	if !isHTTPURL(req.SourceURL) {
		return nil, ErrUnsupportedScheme
	}

	start := time.Now()
	payload, err := doGet(ctx, s.client, req.SourceURL, s.browserHeaders(req.SourceURL), s.cfg.Security.MaxFileSize, StrategyNetwork)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Fetch下载完成", map[string]interface{}{
		"url":      req.SourceURL,
		"size":     payload.SizeBytes,
		"type":     payload.MimeType,
		"duration": time.Since(start).String(),
	})
	return payload, nil
}
