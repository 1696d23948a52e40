package annotate

import (
	"sync"

	"qa-image-collector/src/core/bridge"
	"qa-image-collector/src/core/utils"
)

// PagePusher 向页面推送无需应答的消息
type PagePusher interface {
	Push(pageID string, msg *bridge.Message) error
}

// Annotator 记录已处理的图片，并让页面给这些图片加上标记
type Annotator struct {
	pusher PagePusher
	logger *utils.TaggedLogger

	mu        sync.RWMutex
	processed map[string]map[string]struct{} // pageID -> image url
}

func NewAnnotator(pusher PagePusher, logger *utils.Logger) *Annotator {
	return &Annotator{
		pusher:    pusher,
		logger:    logger.WithTag("annotate"),
		processed: make(map[string]map[string]struct{}),
	}
}

// MarkProcessed 记录图片已上传并通知页面显示标记和成功横幅。
// 页面不在线时只记录，不返回错误。
func (a *Annotator) MarkProcessed(pageID, imageURL, message string) {
	a.mu.Lock()
	urls, ok := a.processed[pageID]
	if !ok {
		urls = make(map[string]struct{})
		a.processed[pageID] = urls
	}
	urls[imageURL] = struct{}{}
	a.mu.Unlock()

	if a.pusher == nil {
		return
	}
	if err := a.pusher.Push(pageID, &bridge.Message{Action: bridge.ActionMarkImageProcessed, ImageURL: imageURL}); err != nil {
		a.logger.Debug("无法标记页面图片: " + err.Error())
		return
	}
	if message != "" {
		if err := a.pusher.Push(pageID, &bridge.Message{Action: bridge.ActionShowSuccess, ImageURL: imageURL, Message: message}); err != nil {
			a.logger.Debug("无法显示成功横幅: " + err.Error())
		}
	}
}

func (a *Annotator) IsProcessed(pageID, imageURL string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.processed[pageID][imageURL]
	return ok
}

// Processed 返回某个页面上已处理的图片
func (a *Annotator) Processed(pageID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	urls := make([]string, 0, len(a.processed[pageID]))
	for u := range a.processed[pageID] {
		urls = append(urls, u)
	}
	return urls
}

// Forget 页面断开或刷新后清除它的记录
func (a *Annotator) Forget(pageID string) {
	a.mu.Lock()
	delete(a.processed, pageID)
	a.mu.Unlock()
}
