package bridge

// 消息类型
const (
	TypeHello   = "hello"   // 页面 -> 服务：注册
	TypeFocus   = "focus"   // 页面 -> 服务：成为当前活动页面
	TypeReply   = "reply"   // 页面 -> 服务：对请求的应答
	TypeRequest = "request" // 服务 -> 页面：需要应答的请求
	TypeNotify  = "notify"  // 服务 -> 页面：无需应答的通知
)

// 动作
const (
	ActionDownloadInPage     = "downloadImageInPage"
	ActionMarkImageProcessed = "markImageProcessed"
	ActionShowSuccess        = "showSuccess"
	ActionShowError          = "showError"
	ActionGetImageInfo       = "getImageInfo"
)

// Message 页面桥接的JSON消息，两个方向共用
type Message struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Action string `json:"action,omitempty"`

	// hello
	PageID  string `json:"page_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Cookies string `json:"cookies,omitempty"`

	// request / notify
	SourceURL string `json:"source_url,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Message   string `json:"message,omitempty"`

	// reply
	Success   bool   `json:"success,omitempty"`
	ImageData string `json:"image_data,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Alt       string `json:"alt,omitempty"`
	Title     string `json:"title,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ImageInfo 页面中<img>元素的信息
type ImageInfo struct {
	Alt    string `json:"alt"`
	Title  string `json:"title"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}
