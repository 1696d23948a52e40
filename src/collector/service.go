package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"qa-image-collector/src/core/bridge"
	"qa-image-collector/src/core/image"
	"qa-image-collector/src/core/notify"
	"qa-image-collector/src/core/utils"
	"qa-image-collector/src/settings"
	"qa-image-collector/src/task"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// TaskTypeCollect 右键菜单触发的后台采集任务
const TaskTypeCollect task.TaskType = "collect"

// SettingsStore 设置的读写
type SettingsStore interface {
	Load(ctx context.Context) (*settings.UploadSettings, error)
	Save(ctx context.Context, s *settings.UploadSettings) (*settings.UploadSettings, error)
}

// CollectRequest 右键菜单请求
type CollectRequest struct {
	SrcURL string `json:"src_url"`
	PageID string `json:"page_id"`
}

// UploadRequest 手动输入地址上传
type UploadRequest struct {
	ImageURL string `json:"image_url"`
	PageID   string `json:"page_id"`
}

// UploadResponse 手动上传结果
type UploadResponse struct {
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
	Result  *Result `json:"result,omitempty"`
}

// Service 采集相关的HTTP接口
type Service struct {
	collector *Collector
	store     SettingsStore
	tasks     *task.TaskManager
	acquirer  *image.ImageAcquirer
	hub       *bridge.Hub
	history   *notify.History
	wsPath    string
	logger    *utils.Logger

	collectCompleted int64
	collectFailed    int64
}

// CollectStats 后台采集任务的完成情况
type CollectStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// ServiceOptions 组装Service所需的组件
type ServiceOptions struct {
	Collector *Collector
	Store     SettingsStore
	Tasks     *task.TaskManager
	Acquirer  *image.ImageAcquirer
	Hub       *bridge.Hub
	History   *notify.History
	WSPath    string
}

func NewService(opts ServiceOptions, logger *utils.Logger) *Service {
	s := &Service{
		collector: opts.Collector,
		store:     opts.Store,
		tasks:     opts.Tasks,
		acquirer:  opts.Acquirer,
		hub:       opts.Hub,
		history:   opts.History,
		wsPath:    opts.WSPath,
		logger:    logger,
	}
	if s.wsPath == "" {
		s.wsPath = "/ws/page"
	}
	if s.tasks != nil {
		s.tasks.Register(TaskTypeCollect, s.executeCollect)
	}
	return s
}

// NewRouter 创建带CORS的gin引擎和/api路由组
func NewRouter(debug bool) (*gin.Engine, *gin.RouterGroup) {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.SetTrustedProxies([]string{"0.0.0.0"})
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))
	return engine, engine.Group("/api")
}

// Start 注册所有采集相关路由
func (s *Service) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	apiGroup.GET("/settings", s.handleGetSettings)
	apiGroup.POST("/settings", s.handleSaveSettings)
	apiGroup.POST("/collect", s.handleCollect)
	apiGroup.GET("/collect/metrics", s.handleMetrics)
	apiGroup.GET("/collect/:id", s.handleTaskStatus)
	apiGroup.POST("/upload", s.handleUpload)
	apiGroup.GET("/notifications", s.handleNotifications)
	apiGroup.GET("/pages", s.handlePages)
	apiGroup.GET("/pages/image-info", s.handleImageInfo)

	engine.GET("/agent.js", s.handleAgentScript)
	if s.hub != nil {
		engine.GET(s.wsPath, gin.WrapH(s.hub))
	}

	s.logger.Info("采集HTTP服务路由注册完成")
	return nil
}

func (s *Service) respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

func (s *Service) handleGetSettings(c *gin.Context) {
	current, err := s.store.Load(c.Request.Context())
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settings": current.Masked(),
		"complete": current.Complete(),
	})
}

func (s *Service) handleSaveSettings(c *gin.Context) {
	var in settings.UploadSettings
	if err := c.ShouldBindJSON(&in); err != nil {
		s.respondError(c, http.StatusBadRequest, "请求格式错误: "+err.Error())
		return
	}

	// 表单回传的是掩码后的token时保留原值
	if strings.Contains(in.Token, "*") {
		if current, err := s.store.Load(c.Request.Context()); err == nil && current.Masked().Token == in.Token {
			in.Token = current.Token
		}
	}

	saved, err := s.store.Save(c.Request.Context(), &in)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidSettings) {
			s.respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "settings": saved.Masked()})
}

func (s *Service) handleCollect(c *gin.Context) {
	var req CollectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "请求格式错误: "+err.Error())
		return
	}
	// 右键菜单传来的是浏览器已解析的图片地址，只拒绝空值
	srcURL := strings.TrimSpace(req.SrcURL)
	if srcURL == "" {
		s.respondError(c, http.StatusBadRequest, fmt.Sprintf("%v: 地址为空", ErrInvalidSourceURL))
		return
	}

	t, err := s.tasks.Submit(TaskTypeCollect, image.AcquisitionRequest{SourceURL: srcURL, PageID: req.PageID}, req.PageID, s.collectCallback(srcURL))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrQueueFull) || errors.Is(err, task.ErrPoolStopped) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn(fmt.Sprintf("采集任务提交失败: %v", err))
		s.respondError(c, status, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "task_id": t.ID})
}

// collectCallback 统计后台采集结果
func (s *Service) collectCallback(srcURL string) task.TaskCallback {
	return task.NewCallBack(
		func(result interface{}) {
			atomic.AddInt64(&s.collectCompleted, 1)
			if r, ok := result.(*Result); ok {
				s.logger.Debug(fmt.Sprintf("后台采集完成: %s -> %d", srcURL, r.RecordID))
			}
		},
		func(err error) {
			atomic.AddInt64(&s.collectFailed, 1)
			s.logger.Debug(fmt.Sprintf("后台采集失败: %s: %v", srcURL, err))
		},
	)
}

// CollectStats 返回后台采集的完成和失败次数
func (s *Service) CollectStats() CollectStats {
	return CollectStats{
		Completed: atomic.LoadInt64(&s.collectCompleted),
		Failed:    atomic.LoadInt64(&s.collectFailed),
	}
}

func (s *Service) executeCollect(t *task.Task) error {
	req, ok := t.Params.(image.AcquisitionRequest)
	if !ok {
		return fmt.Errorf("invalid collect params: %T", t.Params)
	}
	result, err := s.collector.Collect(t.Context, req, TriggerContextMenu)
	if err != nil {
		return err
	}
	t.SetResult(result)
	return nil
}

func (s *Service) handleTaskStatus(c *gin.Context) {
	info, ok := s.tasks.Get(c.Param("id"))
	if !ok {
		s.respondError(c, http.StatusNotFound, "任务不存在")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Service) handleUpload(c *gin.Context) {
	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, UploadResponse{Success: false, Error: "请求格式错误: " + err.Error()})
		return
	}
	imageURL, err := ValidateSourceURL(req.ImageURL)
	if err != nil {
		c.JSON(http.StatusBadRequest, UploadResponse{Success: false, Error: err.Error()})
		return
	}

	result, err := s.collector.Collect(c.Request.Context(), image.AcquisitionRequest{SourceURL: imageURL, PageID: req.PageID}, TriggerManual)
	if err != nil {
		c.JSON(http.StatusOK, UploadResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, UploadResponse{Success: true, Result: result})
}

func (s *Service) handleMetrics(c *gin.Context) {
	resp := gin.H{}
	if s.acquirer != nil {
		resp["acquire"] = s.acquirer.GetMetrics()
	}
	if s.tasks != nil {
		resp["tasks"] = s.tasks.Stats()
	}
	resp["collect"] = s.CollectStats()
	c.JSON(http.StatusOK, resp)
}

func (s *Service) handleNotifications(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, []notify.Notification{})
		return
	}
	c.JSON(http.StatusOK, s.history.Recent())
}

func (s *Service) handlePages(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusOK, []bridge.PageInfo{})
		return
	}
	c.JSON(http.StatusOK, s.hub.Pages())
}

func (s *Service) handleImageInfo(c *gin.Context) {
	if s.hub == nil {
		s.respondError(c, http.StatusServiceUnavailable, image.ErrNoActivePage.Error())
		return
	}
	imageURL := strings.TrimSpace(c.Query("url"))
	if imageURL == "" {
		s.respondError(c, http.StatusBadRequest, "缺少url参数")
		return
	}

	info, err := s.hub.ImageInfo(c.Request.Context(), c.Query("page_id"), imageURL)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, image.ErrNoActivePage) {
			status = http.StatusServiceUnavailable
		}
		s.respondError(c, status, err.Error())
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Service) handleAgentScript(c *gin.Context) {
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", bridge.AgentScript(s.wsPath))
}
