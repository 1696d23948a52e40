package image

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/utils"
)

// AcquireMetrics 下载统计信息
type AcquireMetrics struct {
	TotalRequests     int64            `json:"total_requests"`
	Succeeded         int64            `json:"succeeded"`
	Failed            int64            `json:"failed"`
	FailedValidations int64            `json:"failed_validations"`
	StrategyAttempts  map[string]int64 `json:"strategy_attempts"`
	StrategySuccesses map[string]int64 `json:"strategy_successes"`
}

type strategyCounters struct {
	attempts  int64
	successes int64
}

// ImageAcquirer 按固定顺序尝试下载策略，第一个成功的结果经过格式转换后返回
type ImageAcquirer struct {
	strategies []Strategy
	validator  *PayloadValidator
	normalizer *FormatNormalizer
	logger     *utils.TaggedLogger
	reserve    time.Duration // 留给最后一个策略的时间

	counters          map[string]*strategyCounters
	totalRequests     int64
	succeeded         int64
	failed            int64
	failedValidations int64
}

// NewImageAcquirer 创建下载器，strategies的顺序即优先级
func NewImageAcquirer(validator *PayloadValidator, normalizer *FormatNormalizer, logger *utils.Logger, strategies ...Strategy) *ImageAcquirer {
	counters := make(map[string]*strategyCounters, len(strategies))
	for _, s := range strategies {
		counters[s.Name()] = &strategyCounters{}
	}
	return &ImageAcquirer{
		strategies: strategies,
		validator:  validator,
		normalizer: normalizer,
		logger:     logger.WithTag("acquire"),
		counters:   counters,
	}
}

// NewDefaultImageAcquirer 组装 直接下载 -> 备用配置 -> 页面注入 的策略链
func NewDefaultImageAcquirer(cfg configs.AcquireConfig, jar http.CookieJar, channel PageChannel, logger *utils.Logger) *ImageAcquirer {
	cfg = cfg.WithDefaults()
	a := NewImageAcquirer(
		NewPayloadValidator(cfg.Security, logger),
		NewFormatNormalizer(cfg.JPEGQuality, cfg.Security.MaxPixels, logger),
		logger,
		NewNetworkFetchStrategy(cfg, logger),
		NewAlternateFetchStrategy(cfg, jar, logger),
		NewPageContextStrategy(channel, logger),
	)
	a.reserve = cfg.PageReserve
	return a
}

// budget 调用方带截止时间时，最后一个策略之前的策略都提前 reserve 结束。
// 剩余时间不足 reserve 时返回 false，跳过该策略。
func (a *ImageAcquirer) budget(ctx context.Context, last bool) (context.Context, context.CancelFunc, bool) {
	deadline, ok := ctx.Deadline()
	if last || !ok || a.reserve <= 0 {
		return ctx, func() {}, true
	}
	cutoff := deadline.Add(-a.reserve)
	if !time.Now().Before(cutoff) {
		return nil, nil, false
	}
	fetchCtx, cancel := context.WithDeadline(ctx, cutoff)
	return fetchCtx, cancel, true
}

// Acquire 依次尝试各策略，全部失败或被取消时返回 *AcquisitionFailedError
func (a *ImageAcquirer) Acquire(ctx context.Context, req AcquisitionRequest) (*NormalizedImagePayload, error) {
	atomic.AddInt64(&a.totalRequests, 1)
	a.logger.Info("开始下载图片: " + req.SourceURL)

	failures := make([]StrategyFailure, 0, len(a.strategies))
	for i, s := range a.strategies {
		if ctx.Err() != nil {
			break
		}

		fetchCtx, cancel, ok := a.budget(ctx, i == len(a.strategies)-1)
		if !ok {
			a.logger.Warn(fmt.Sprintf("%s 剩余时间不足，跳过", s.Name()), map[string]interface{}{"url": req.SourceURL})
			failures = append(failures, StrategyFailure{Strategy: s.Name(), Err: ErrNoTimeLeft})
			continue
		}

		c := a.counters[s.Name()]
		atomic.AddInt64(&c.attempts, 1)

		raw, err := s.Fetch(fetchCtx, req)
		cancel()
		if err == nil && a.validator != nil {
			if verr := a.validator.Validate(raw); verr != nil {
				atomic.AddInt64(&a.failedValidations, 1)
				err = verr
			}
		}
		if err != nil {
			a.logger.Warn(fmt.Sprintf("%s 下载失败，尝试下一种方法", s.Name()), map[string]interface{}{
				"url":   req.SourceURL,
				"error": err.Error(),
			})
			failures = append(failures, StrategyFailure{Strategy: s.Name(), Err: err})
			continue
		}

		atomic.AddInt64(&c.successes, 1)
		atomic.AddInt64(&a.succeeded, 1)
		return a.normalizer.Normalize(raw), nil
	}

	atomic.AddInt64(&a.failed, 1)
	a.logger.Error("所有下载方法都失败了", map[string]interface{}{"url": req.SourceURL})
	return nil, &AcquisitionFailedError{Failures: failures, Cause: ctx.Err()}
}

// GetMetrics 获取下载统计信息
func (a *ImageAcquirer) GetMetrics() AcquireMetrics {
	m := AcquireMetrics{
		TotalRequests:     atomic.LoadInt64(&a.totalRequests),
		Succeeded:         atomic.LoadInt64(&a.succeeded),
		Failed:            atomic.LoadInt64(&a.failed),
		FailedValidations: atomic.LoadInt64(&a.failedValidations),
		StrategyAttempts:  make(map[string]int64, len(a.counters)),
		StrategySuccesses: make(map[string]int64, len(a.counters)),
	}
	for name, c := range a.counters {
		m.StrategyAttempts[name] = atomic.LoadInt64(&c.attempts)
		m.StrategySuccesses[name] = atomic.LoadInt64(&c.successes)
	}
	return m
}
