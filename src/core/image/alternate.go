package image

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/utils"
)

// RequestProfile 备用下载的一组请求配置
type RequestProfile struct {
	Name               string
	Mode               string // cors / no-cors，对应 Sec-Fetch-Mode
	IncludeCredentials bool
	UserAgent          string // 为空时不设置
}

// DefaultProfiles 依次尝试：无CORS桌面UA、携带cookie、移动端UA
func DefaultProfiles(cfg configs.AcquireConfig) []RequestProfile {
	cfg = cfg.WithDefaults()
	return []RequestProfile{
		{Name: "no-cors-desktop", Mode: "no-cors", UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"},
		{Name: "with-credentials", Mode: "cors", IncludeCredentials: true, UserAgent: cfg.UserAgent},
		{Name: "mobile", Mode: "cors", UserAgent: cfg.MobileAgent},
	}
}

// AlternateFetchStrategy 使用不同请求配置重试下载
type AlternateFetchStrategy struct {
	cfg         configs.AcquireConfig
	profiles    []RequestProfile
	plainClient *http.Client
	jarClient   *http.Client
	logger      *utils.TaggedLogger
}

// NewAlternateFetchStrategy 创建备用下载策略，jar为携带凭据时使用的cookie容器
func NewAlternateFetchStrategy(cfg configs.AcquireConfig, jar http.CookieJar, logger *utils.Logger, profiles ...RequestProfile) *AlternateFetchStrategy {
	cfg = cfg.WithDefaults()
	if jar == nil {
		jar, _ = cookiejar.New(nil)
	}
	if len(profiles) == 0 {
		profiles = DefaultProfiles(cfg)
	}
	return &AlternateFetchStrategy{
		cfg:         cfg,
		profiles:    profiles,
		plainClient: newHTTPClient(cfg, nil),
		jarClient:   newHTTPClient(cfg, jar),
		logger:      logger.WithTag(StrategyAlternate),
	}
}

func (s *AlternateFetchStrategy) Name() string { return StrategyAlternate }

func (s *AlternateFetchStrategy) headersFor(p RequestProfile) http.Header {
	h := http.Header{}
	if p.UserAgent != "" {
		h.Set("User-Agent", p.UserAgent)
	}
	if p.Mode != "" {
		h.Set("Sec-Fetch-Mode", p.Mode)
	}
	return h
}

// Fetch 按顺序尝试各配置，第一个成功即返回
func (s *AlternateFetchStrategy) Fetch(ctx context.Context, req AcquisitionRequest) (*RawImagePayload, error) {
	if !isHTTPURL(req.SourceURL) {
		return nil, fmt.Errorf("%w: %w", ErrAllAlternatesExhausted, ErrUnsupportedScheme)
	}

	var lastErr error
	for i, p := range s.profiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		client := s.plainClient
		if p.IncludeCredentials {
			client = s.jarClient
		}

		s.logger.Debug(fmt.Sprintf("尝试备用配置 %d: %s", i+1, p.Name))
		payload, err := doGet(ctx, client, req.SourceURL, s.headersFor(p), s.cfg.Security.MaxFileSize, StrategyAlternate)
		if err != nil {
			var statusErr *HTTPStatusError
			if errors.As(err, &statusErr) {
				s.logger.Info(fmt.Sprintf("备用配置 %d 失败: %s", i+1, statusErr.Status))
			} else {
				s.logger.Info(fmt.Sprintf("备用配置 %d 异常: %v", i+1, err))
			}
			lastErr = err
			continue
		}

		s.logger.Info(fmt.Sprintf("备用配置 %d 下载成功", i+1), map[string]interface{}{
			"profile": p.Name,
			"size":    payload.SizeBytes,
			"type":    payload.MimeType,
		})
		return payload, nil
	}

	if lastErr == nil {
		return nil, ErrAllAlternatesExhausted
	}
	return nil, fmt.Errorf("%w: %v", ErrAllAlternatesExhausted, lastErr)
}
