package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/image"
	"qa-image-collector/src/core/utils"
	"qa-image-collector/src/settings"

	"github.com/go-resty/resty/v2"
)

var (
	ErrRecordCreationFailed = errors.New("添加图片信息失败")
	ErrUploadFailed         = errors.New("上传图片失败")
)

const (
	recordPath = "/api/image/"
	uploadPath = "/api/image/upload"
)

// Envelope 题库接口统一响应
type Envelope struct {
	Code    *int            `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ImageRecord 新建的图片记录
type ImageRecord struct {
	ID int64 `json:"id"`
}

// UploadAck 上传结果
type UploadAck struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type recordRequest struct {
	Category          string `json:"category"`
	CollectorType     string `json:"collector_type"`
	QuestionDirection string `json:"question_direction"`
}

// Client 题库接口客户端
type Client struct {
	http   *resty.Client
	logger *utils.TaggedLogger
}

func NewClient(cfg configs.CatalogConfig, logger *utils.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:   resty.New().SetTimeout(timeout),
		logger: logger.WithTag("catalog"),
	}
}

func endpoint(apiBase, path string) string {
	return strings.TrimRight(apiBase, "/") + path
}

// CreateRecord 创建图片元数据记录，返回服务端分配的ID
func (c *Client) CreateRecord(ctx context.Context, s *settings.UploadSettings) (*ImageRecord, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", s.AuthorizationHeader()).
		SetHeader("Content-Type", "application/json").
		SetBody(recordRequest{
			Category:          s.Category,
			CollectorType:     s.CollectorType,
			QuestionDirection: s.QuestionDirection,
		}).
		Post(endpoint(s.APIBase, recordPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordCreationFailed, err)
	}

	env, parseErr := parseEnvelope(resp.Body())
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: %s", ErrRecordCreationFailed, failureReason(resp, env))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("%w: 无法解析响应: %v", ErrRecordCreationFailed, parseErr)
	}
	if env.Code == nil || *env.Code != 200 {
		return nil, fmt.Errorf("%w: %s", ErrRecordCreationFailed, env.Message)
	}

	var record ImageRecord
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &record) != nil || record.ID == 0 {
		return nil, ErrRecordCreationFailed
	}

	c.logger.Info("图片记录已创建", map[string]interface{}{"id": record.ID})
	return &record, nil
}

// UploadBytes 以multipart上传图片文件并关联到记录
func (c *Client) UploadBytes(ctx context.Context, s *settings.UploadSettings, payload *image.NormalizedImagePayload, recordID int64) (*UploadAck, error) {
	filename := "image." + image.ExtensionFor(payload.MimeType)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", s.AuthorizationHeader()).
		SetMultipartField("file", filename, payload.MimeType, bytes.NewReader(payload.Bytes)).
		SetFormData(map[string]string{"image_id": strconv.FormatInt(recordID, 10)}).
		Post(endpoint(s.APIBase, uploadPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	env, parseErr := parseEnvelope(resp.Body())
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: %s", ErrUploadFailed, failureReason(resp, env))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("%w: 无法解析响应: %v", ErrUploadFailed, parseErr)
	}
	// 上传接口可以不返回code
	if env.Code != nil && *env.Code != 200 {
		return nil, fmt.Errorf("%w: %s", ErrUploadFailed, env.Message)
	}

	c.logger.Info("图片已上传", map[string]interface{}{"id": recordID, "bytes": payload.SizeBytes, "mime_type": payload.MimeType})
	return &UploadAck{Message: env.Message, Data: env.Data}, nil
}

func parseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// failureReason 优先使用服务端返回的消息
func failureReason(resp *resty.Response, env *Envelope) string {
	if env != nil && env.Message != "" {
		return env.Message
	}
	return resp.Status()
}
