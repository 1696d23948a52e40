package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/auth"
	"qa-image-collector/src/core/image"
	"qa-image-collector/src/core/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Clock 超时计时，测试中可替换
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type replyResult struct {
	msg *Message
	err error
}

type pendingRequest struct {
	page *pageConn
	ch   chan replyResult
}

// PageInfo 已连接页面的概要
type PageInfo struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Active     bool      `json:"active"`
	LastActive time.Time `json:"last_active"`
}

// Hub 管理页面代理连接，并提供带关联ID和超时的请求/应答
type Hub struct {
	cfg      configs.BridgeConfig
	upgrader websocket.Upgrader
	clock    Clock
	jar      http.CookieJar
	token    *auth.AuthToken
	allowed  map[string]struct{}
	logger   *utils.TaggedLogger
	onGone   func(pageID string)

	mu     sync.RWMutex
	pages  map[string]*pageConn
	active string

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
}

// Option Hub可选配置
type Option func(*Hub)

// WithClock 替换超时计时器
func WithClock(c Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithCookieJar 页面注册时把页面cookie写入jar，供携带凭据的备用下载使用
func WithCookieJar(jar http.CookieJar) Option {
	return func(h *Hub) { h.jar = jar }
}

// WithAuth 要求页面代理携带有效令牌，allowedAgents为空时不限制agent_id
func WithAuth(token *auth.AuthToken, allowedAgents []string) Option {
	return func(h *Hub) {
		h.token = token
		h.allowed = make(map[string]struct{}, len(allowedAgents))
		for _, a := range allowedAgents {
			h.allowed[a] = struct{}{}
		}
	}
}

// WithOnDisconnect 页面断开后回调，用于清理该页面的状态
func WithOnDisconnect(fn func(pageID string)) Option {
	return func(h *Hub) { h.onGone = fn }
}

// NewHub 创建页面桥接
func NewHub(cfg configs.BridgeConfig, logger *utils.Logger, opts ...Option) *Hub {
	h := &Hub{
		cfg: cfg.WithDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 页面代理运行在任意站点
			},
		},
		clock:   realClock{},
		logger:  logger.WithTag("bridge"),
		pages:   make(map[string]*pageConn),
		pending: make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP 升级为websocket并处理该页面的消息，直到连接断开
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != nil {
		agentID, err := h.verify(r)
		if err != nil {
			h.logger.Warn(fmt.Sprintf("页面代理认证失败: %v", err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.logger.Debug("页面代理认证成功: " + agentID)
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(fmt.Sprintf("WebSocket升级失败: %v", err))
		return
	}
	ws.SetReadLimit(h.cfg.MaxMessageSize)

	conn := newPageConn(ws, h.cfg.WriteTimeout)
	defer h.unregister(conn)

	for {
		data, err := conn.readMessage(h.cfg.ReadIdle)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn(fmt.Sprintf("页面连接异常断开: %v", err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn(fmt.Sprintf("无法解析页面消息: %v", err))
			continue
		}
		h.handleMessage(conn, &msg)
	}
}

func (h *Hub) verify(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = authHeader[7:]
	}
	if token == "" {
		return "", fmt.Errorf("缺少认证token")
	}
	agentID, err := h.token.VerifyToken(token)
	if err != nil {
		return "", err
	}
	if len(h.allowed) > 0 {
		if _, ok := h.allowed[agentID]; !ok {
			return "", fmt.Errorf("agent %s 不在允许列表中", agentID)
		}
	}
	return agentID, nil
}

func (h *Hub) handleMessage(conn *pageConn, msg *Message) {
	switch msg.Type {
	case TypeHello:
		h.register(conn, msg)
	case TypeFocus:
		if conn.id == "" {
			return
		}
		h.mu.Lock()
		h.active = conn.id
		h.mu.Unlock()
	case TypeReply:
		h.resolve(msg)
	default:
		h.logger.Debug("忽略未知消息类型: " + msg.Type)
	}
}

func (h *Hub) register(conn *pageConn, msg *Message) {
	id := msg.PageID
	if id == "" {
		id = uuid.New().String()
	}

	h.mu.Lock()
	if old, ok := h.pages[id]; ok && old != conn {
		old.close()
	}
	if conn.id != "" && conn.id != id {
		delete(h.pages, conn.id)
	}
	conn.id = id
	conn.url = msg.URL
	h.pages[id] = conn
	h.active = id
	h.mu.Unlock()

	if h.jar != nil && msg.Cookies != "" && msg.URL != "" {
		if u, err := url.Parse(msg.URL); err == nil {
			if cookies, err := http.ParseCookie(msg.Cookies); err == nil {
				h.jar.SetCookies(u, cookies)
			}
		}
	}

	h.logger.Info("页面已连接", map[string]interface{}{"page_id": id, "url": msg.URL})
}

func (h *Hub) unregister(conn *pageConn) {
	conn.close()

	h.mu.Lock()
	goneID := ""
	if conn.id != "" && h.pages[conn.id] == conn {
		goneID = conn.id
		delete(h.pages, goneID)
		if h.active == goneID {
			h.active = ""
		}
	}
	h.mu.Unlock()

	// 该页面上未完成的请求立即失败
	h.pendingMu.Lock()
	for id, p := range h.pending {
		if p.page == conn {
			p.ch <- replyResult{err: fmt.Errorf("%w: 页面连接已断开", image.ErrMessageDeliveryFailed)}
			delete(h.pending, id)
		}
	}
	h.pendingMu.Unlock()

	if goneID != "" {
		h.logger.Info("页面已断开: " + goneID)
		if h.onGone != nil {
			h.onGone(goneID)
		}
	}
}

func (h *Hub) resolve(msg *Message) {
	h.pendingMu.Lock()
	p, ok := h.pending[msg.ID]
	if ok {
		delete(h.pending, msg.ID)
	}
	h.pendingMu.Unlock()

	if !ok {
		h.logger.Debug("收到无人等待的应答: " + msg.ID)
		return
	}
	p.ch <- replyResult{msg: msg}
}

// pageFor 优先使用指定页面，其次当前活动页面，最后是最近有消息往来的页面。
// 返回的id在锁内读取，register可能改写conn.id。
func (h *Hub) pageFor(pageID string) (*pageConn, string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if pageID != "" {
		if p, ok := h.pages[pageID]; ok {
			return p, pageID, nil
		}
	}
	if p, ok := h.pages[h.active]; ok {
		return p, h.active, nil
	}

	var recent *pageConn
	recentID := ""
	for id, p := range h.pages {
		if recent == nil || p.lastActiveTime().After(recent.lastActiveTime()) {
			recent, recentID = p, id
		}
	}
	if recent == nil {
		return nil, "", image.ErrNoActivePage
	}
	return recent, recentID, nil
}

// Request 向页面发送请求并等待关联应答，超时返回 ErrPageDownloadTimeout
func (h *Hub) Request(ctx context.Context, pageID string, msg *Message) (*Message, error) {
	page, resolvedID, err := h.pageFor(pageID)
	if err != nil {
		return nil, err
	}

	msg.Type = TypeRequest
	msg.ID = uuid.New().String()
	pending := &pendingRequest{page: page, ch: make(chan replyResult, 1)}

	h.pendingMu.Lock()
	h.pending[msg.ID] = pending
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, msg.ID)
		h.pendingMu.Unlock()
	}()

	if err := page.writeMessage(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", image.ErrMessageDeliveryFailed, err)
	}

	select {
	case res := <-pending.ch:
		return res.msg, res.err
	case <-h.clock.After(h.cfg.PageTimeout):
		h.logger.Warn("页面下载超时", map[string]interface{}{"page_id": resolvedID, "action": msg.Action})
		return nil, image.ErrPageDownloadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DownloadInPage 实现 image.PageChannel
func (h *Hub) DownloadInPage(ctx context.Context, pageID string, sourceURL string) (*image.PageImage, error) {
	reply, err := h.Request(ctx, pageID, &Message{Action: ActionDownloadInPage, SourceURL: sourceURL})
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, &image.PageLoadError{Message: reply.Error}
	}
	return &image.PageImage{
		DataURI:  reply.ImageData,
		MimeType: reply.MimeType,
		Width:    reply.Width,
		Height:   reply.Height,
	}, nil
}

// ImageInfo 查询页面中该图片元素的alt、title和原始尺寸
func (h *Hub) ImageInfo(ctx context.Context, pageID string, imageURL string) (*ImageInfo, error) {
	reply, err := h.Request(ctx, pageID, &Message{Action: ActionGetImageInfo, ImageURL: imageURL})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, &image.PageLoadError{Message: reply.Error}
	}
	return &ImageInfo{
		Alt:    reply.Alt,
		Title:  reply.Title,
		Width:  reply.Width,
		Height: reply.Height,
	}, nil
}

// Push 向页面发送无需应答的通知；pageID为空时发给当前活动页面
func (h *Hub) Push(pageID string, msg *Message) error {
	page, _, err := h.pageFor(pageID)
	if err != nil {
		return err
	}
	msg.Type = TypeNotify
	if err := page.writeMessage(msg); err != nil {
		return fmt.Errorf("%w: %v", image.ErrMessageDeliveryFailed, err)
	}
	return nil
}

// Pages 返回已连接页面列表
func (h *Hub) Pages() []PageInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pages := make([]PageInfo, 0, len(h.pages))
	for id, p := range h.pages {
		pages = append(pages, PageInfo{
			ID:         id,
			URL:        p.url,
			Active:     id == h.active,
			LastActive: p.lastActiveTime(),
		})
	}
	return pages
}

// HasPage 页面是否在线
func (h *Hub) HasPage(pageID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.pages[pageID]
	return ok
}

// Close 关闭所有页面连接
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*pageConn, 0, len(h.pages))
	for _, p := range h.pages {
		conns = append(conns, p)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
