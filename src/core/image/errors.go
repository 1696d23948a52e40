package image

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAcquisitionFailed      = errors.New("all download strategies failed")
	ErrAllAlternatesExhausted = errors.New("all alternate request profiles failed")
	ErrNoActivePage           = errors.New("no active page")
	ErrMessageDeliveryFailed  = errors.New("message delivery to page failed")
	ErrPageDownloadTimeout    = errors.New("page download timed out")
	ErrPageLoad               = errors.New("page failed to load image")
	ErrEmptyPayload           = errors.New("empty image payload")
	ErrPayloadTooLarge        = errors.New("image payload too large")
	ErrNotAnImage             = errors.New("payload is not an image")
	ErrNoTimeLeft             = errors.New("no time left before the page fallback")
	ErrUnsupportedScheme      = errors.New("scheme not supported by this strategy")
)

// HTTPStatusError 远端返回非2xx状态
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("下载失败: %s", e.Status)
}

// PageLoadError 页面代理报告的加载错误
type PageLoadError struct {
	Message string
}

func (e *PageLoadError) Error() string {
	if e.Message == "" {
		return "页面下载失败"
	}
	return e.Message
}

func (e *PageLoadError) Unwrap() error { return ErrPageLoad }

// StrategyFailure 单个下载策略的失败原因
type StrategyFailure struct {
	Strategy string
	Err      error
}

// AcquisitionFailedError 全部策略失败时的聚合错误。
// Cause 为请求被取消或超时时的上下文错误。
type AcquisitionFailedError struct {
	Failures []StrategyFailure
	Cause    error
}

func (e *AcquisitionFailedError) Error() string {
	var b strings.Builder
	b.WriteString("所有下载方法都失败了，请检查网络连接或图片链接是否有效。对于某些受保护的图片，可能需要在浏览器中手动下载。")
	for _, f := range e.Failures {
		b.WriteString(fmt.Sprintf(" [%s: %v]", f.Strategy, f.Err))
	}
	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(" [中止: %v]", e.Cause))
	}
	return b.String()
}

func (e *AcquisitionFailedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrAcquisitionFailed}
	}
	return []error{ErrAcquisitionFailed, e.Cause}
}
