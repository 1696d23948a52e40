package collector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"qa-image-collector/src/core/catalog"
	"qa-image-collector/src/core/image"
	"qa-image-collector/src/core/utils"
	"qa-image-collector/src/settings"
)

var (
	ErrConfigurationIncomplete = errors.New("请先在插件设置中配置API地址和Token")
	ErrInvalidSourceURL        = errors.New("图片地址无效")
)

// 进度提示
const (
	msgDownloading = "正在下载图片..."
	msgCreating    = "正在添加图片信息..."
	msgUploading   = "正在上传图片..."
	msgSucceeded   = "图片已成功下载并上传到数据库！"
)

// Trigger 区分右键菜单和手动输入两种入口
type Trigger string

const (
	TriggerContextMenu Trigger = "context_menu"
	TriggerManual      Trigger = "manual"
)

// failurePrefix 两种入口的失败提示前缀不同
func (t Trigger) failurePrefix() string {
	if t == TriggerManual {
		return "上传失败: "
	}
	return "处理失败: "
}

type SettingsLoader interface {
	Load(ctx context.Context) (*settings.UploadSettings, error)
}

type Acquirer interface {
	Acquire(ctx context.Context, req image.AcquisitionRequest) (*image.NormalizedImagePayload, error)
}

type Catalog interface {
	CreateRecord(ctx context.Context, s *settings.UploadSettings) (*catalog.ImageRecord, error)
	UploadBytes(ctx context.Context, s *settings.UploadSettings, payload *image.NormalizedImagePayload, recordID int64) (*catalog.UploadAck, error)
}

type Notifier interface {
	Progress(pageID, imageURL, message string)
	Success(pageID, imageURL, message string)
	Error(pageID, imageURL, message string)
}

type Annotator interface {
	MarkProcessed(pageID, imageURL, message string)
}

// Result 一次采集的结果
type Result struct {
	RecordID  int64  `json:"record_id"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Strategy  string `json:"strategy"`
}

// Collector 串联 下载 -> 创建记录 -> 上传 -> 标记
type Collector struct {
	settings  SettingsLoader
	acquirer  Acquirer
	catalog   Catalog
	notifier  Notifier
	annotator Annotator
	logger    *utils.TaggedLogger
}

func NewCollector(store SettingsLoader, acquirer Acquirer, catalog Catalog, notifier Notifier, annotator Annotator, logger *utils.Logger) *Collector {
	return &Collector{
		settings:  store,
		acquirer:  acquirer,
		catalog:   catalog,
		notifier:  notifier,
		annotator: annotator,
		logger:    logger.WithTag("collector"),
	}
}

// ValidateSourceURL 要求带scheme的绝对地址；层级地址(如http)还必须有host。
// data: 等不透明地址原样接受。
func ValidateSourceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: 地址为空", ErrInvalidSourceURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("%w: 不是绝对地址: %s", ErrInvalidSourceURL, raw)
	}
	if u.Opaque == "" && u.Host == "" && (u.Scheme == "http" || u.Scheme == "https") {
		return "", fmt.Errorf("%w: 缺少主机名: %s", ErrInvalidSourceURL, raw)
	}
	return raw, nil
}

// Collect 处理一次采集请求。所有失败都会以通知告知用户。
func (c *Collector) Collect(ctx context.Context, req image.AcquisitionRequest, trigger Trigger) (*Result, error) {
	result, err := c.run(ctx, req)
	if err != nil {
		message := err.Error()
		if !errors.Is(err, ErrConfigurationIncomplete) {
			message = trigger.failurePrefix() + message
		}
		c.notifier.Error(req.PageID, req.SourceURL, message)
		c.logger.Error("采集失败", map[string]interface{}{
			"url":     req.SourceURL,
			"page_id": req.PageID,
			"trigger": string(trigger),
			"error":   err.Error(),
		})
		return nil, err
	}
	return result, nil
}

func (c *Collector) run(ctx context.Context, req image.AcquisitionRequest) (*Result, error) {
	s, err := c.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !s.Complete() {
		return nil, ErrConfigurationIncomplete
	}

	c.notifier.Progress(req.PageID, req.SourceURL, msgDownloading)
	payload, err := c.acquirer.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}

	c.notifier.Progress(req.PageID, req.SourceURL, msgCreating)
	record, err := c.catalog.CreateRecord(ctx, s)
	if err != nil {
		return nil, err
	}

	c.notifier.Progress(req.PageID, req.SourceURL, msgUploading)
	if _, err := c.catalog.UploadBytes(ctx, s, payload, record.ID); err != nil {
		return nil, err
	}

	c.annotator.MarkProcessed(req.PageID, req.SourceURL, msgSucceeded)
	c.notifier.Success(req.PageID, req.SourceURL, msgSucceeded)
	c.logger.Info("采集完成", map[string]interface{}{
		"url":       req.SourceURL,
		"record_id": record.ID,
		"strategy":  payload.Strategy,
		"mime_type": payload.MimeType,
		"bytes":     payload.SizeBytes,
	})

	return &Result{
		RecordID:  record.ID,
		MimeType:  payload.MimeType,
		SizeBytes: payload.SizeBytes,
		Strategy:  payload.Strategy,
	}, nil
}
