package server

import (
	"context"
	"net/http"
	"time"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/utils"

	"github.com/gin-gonic/gin"
)

// DefaultCfgService 只读的运行配置查询，不返回签名密钥
type DefaultCfgService struct {
	logger    *utils.Logger
	config    *configs.Config
	dbType    string
	startedAt time.Time
}

// RuntimeConfig /api/cfg 返回的配置摘要
type RuntimeConfig struct {
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	Database       string    `json:"database"`
	AuthEnabled    bool      `json:"auth_enabled"`
	BridgePath     string    `json:"bridge_path"`
	PageTimeout    string    `json:"page_timeout"`
	RequestTimeout string    `json:"request_timeout"`
	MaxRedirects   int       `json:"max_redirects"`
	JPEGQuality    int       `json:"jpeg_quality"`
	MaxFileSize    int64     `json:"max_file_size"`
	MaxWorkers     int       `json:"max_workers"`
	QueueSize      int       `json:"queue_size"`
}

// NewDefaultCfgService 构造函数
func NewDefaultCfgService(config *configs.Config, dbType string, logger *utils.Logger) (*DefaultCfgService, error) {
	service := &DefaultCfgService{
		logger:    logger,
		config:    config,
		dbType:    dbType,
		startedAt: time.Now(),
	}

	return service, nil
}

// Start 实现 CfgService 接口，注册所有 Cfg 相关路由
func (s *DefaultCfgService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	apiGroup.GET("/cfg", s.handleGet)

	s.logger.Info("Cfg HTTP服务路由注册完成")
	return nil
}

// Snapshot 填充默认值后的生效配置
func (s *DefaultCfgService) Snapshot() RuntimeConfig {
	acquire := s.config.Acquire.WithDefaults()
	bridge := s.config.Bridge.WithDefaults()
	tasks := s.config.Task.WithDefaults()
	return RuntimeConfig{
		Status:         "ok",
		StartedAt:      s.startedAt,
		Database:       s.dbType,
		AuthEnabled:    s.config.Server.Auth.Enabled,
		BridgePath:     bridge.Path,
		PageTimeout:    bridge.PageTimeout.String(),
		RequestTimeout: acquire.RequestTimeout.String(),
		MaxRedirects:   acquire.MaxRedirects,
		JPEGQuality:    acquire.JPEGQuality,
		MaxFileSize:    acquire.Security.MaxFileSize,
		MaxWorkers:     tasks.MaxWorkers,
		QueueSize:      tasks.QueueSize,
	}
}

func (s *DefaultCfgService) handleGet(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot())
}
