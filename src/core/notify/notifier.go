package notify

import (
	"sync"
	"time"

	"qa-image-collector/src/core/bridge"
	"qa-image-collector/src/core/utils"

	evbus "github.com/asaskevich/EventBus"
)

// TopicNotification 通知事件主题
const TopicNotification = "collector:notification"

// 通知级别
const (
	LevelProgress = "progress"
	LevelSuccess  = "success"
	LevelError    = "error"
)

var defaultTitles = map[string]string{
	LevelProgress: "处理中",
	LevelSuccess:  "成功",
	LevelError:    "错误",
}

// Notification 一条用户可见的状态消息
type Notification struct {
	Level     string    `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	PageID    string    `json:"page_id,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier 通知发布者，订阅者通过事件总线接收
type Notifier struct {
	bus evbus.Bus
}

// NewNotifier 创建通知器
func NewNotifier() *Notifier {
	return &Notifier{bus: evbus.New()}
}

// Subscribe 注册一个通知处理函数
func (n *Notifier) Subscribe(fn func(Notification)) error {
	return n.bus.Subscribe(TopicNotification, fn)
}

// Notify 发布通知，不返回错误
func (n *Notifier) Notify(note Notification) {
	if note.Title == "" {
		note.Title = defaultTitles[note.Level]
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	n.bus.Publish(TopicNotification, note)
}

func (n *Notifier) Progress(pageID, imageURL, message string) {
	n.Notify(Notification{Level: LevelProgress, Message: message, PageID: pageID, ImageURL: imageURL})
}

func (n *Notifier) Success(pageID, imageURL, message string) {
	n.Notify(Notification{Level: LevelSuccess, Message: message, PageID: pageID, ImageURL: imageURL})
}

func (n *Notifier) Error(pageID, imageURL, message string) {
	n.Notify(Notification{Level: LevelError, Message: message, PageID: pageID, ImageURL: imageURL})
}

// LogSink 把通知写入日志
func LogSink(logger *utils.Logger) func(Notification) {
	tagged := logger.WithTag("notify")
	return func(note Notification) {
		fields := map[string]interface{}{"level": note.Level, "page_id": note.PageID, "image_url": note.ImageURL}
		if note.Level == LevelError {
			tagged.Error(note.Message, fields)
			return
		}
		tagged.Info(note.Message, fields)
	}
}

// PagePusher 向页面推送无需应答的消息
type PagePusher interface {
	Push(pageID string, msg *bridge.Message) error
}

// PageBannerSink 把错误通知显示为页面横幅；进度和成功横幅由标注组件负责
func PageBannerSink(pusher PagePusher, logger *utils.Logger) func(Notification) {
	tagged := logger.WithTag("notify")
	return func(note Notification) {
		if note.Level != LevelError {
			return
		}
		err := pusher.Push(note.PageID, &bridge.Message{
			Action:   bridge.ActionShowError,
			Message:  note.Message,
			ImageURL: note.ImageURL,
		})
		if err != nil {
			tagged.Debug("页面横幅未送达: " + err.Error())
		}
	}
}

// History 保留最近的通知，供HTTP查询
type History struct {
	mu    sync.Mutex
	limit int
	items []Notification
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{limit: limit}
}

// Sink 返回订阅函数
func (h *History) Sink() func(Notification) {
	return func(note Notification) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.items = append(h.items, note)
		if len(h.items) > h.limit {
			h.items = h.items[len(h.items)-h.limit:]
		}
	}
}

// Recent 最新的在前
func (h *History) Recent() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, len(h.items))
	for i, note := range h.items {
		out[len(h.items)-1-i] = note
	}
	return out
}
