package settings

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"qa-image-collector/src/core/utils"
	"qa-image-collector/src/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SchemaVersion 当前设置格式：自由文本分类字段，Bearer 认证头
const SchemaVersion = "1"

// 存储键名
const (
	KeyAPIBase           = "apiBase"
	KeyToken             = "token"
	KeyCategory          = "category"
	KeyCollectorType     = "collectorType"
	KeyQuestionDirection = "questionDirection"
	KeySchemaVersion     = "schemaVersion"
)

var (
	ErrInvalidSettings   = errors.New("设置不完整")
	ErrUnsupportedSchema = errors.New("设置格式版本不受支持，请重新保存设置")
)

// UploadSettings 上传所需的设置
type UploadSettings struct {
	APIBase           string `json:"apiBase"`
	Token             string `json:"token"`
	Category          string `json:"category"`
	CollectorType     string `json:"collectorType"`
	QuestionDirection string `json:"questionDirection"`
	SchemaVersion     string `json:"schemaVersion"`
}

// Defaults 首次使用时的默认分类
func Defaults() UploadSettings {
	return UploadSettings{
		Category:          "数学",
		CollectorType:     "手动采集",
		QuestionDirection: "计算题",
		SchemaVersion:     SchemaVersion,
	}
}

// Complete API地址和Token都已配置
func (s *UploadSettings) Complete() bool {
	return strings.TrimSpace(s.APIBase) != "" && strings.TrimSpace(s.Token) != ""
}

// AuthorizationHeader 已带Bearer前缀的token原样发送
func (s *UploadSettings) AuthorizationHeader() string {
	token := strings.TrimSpace(s.Token)
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}

// Masked 用于接口返回，隐藏token
func (s UploadSettings) Masked() UploadSettings {
	if len(s.Token) > 8 {
		s.Token = s.Token[:4] + strings.Repeat("*", len(s.Token)-8) + s.Token[len(s.Token)-4:]
	} else if s.Token != "" {
		s.Token = strings.Repeat("*", len(s.Token))
	}
	return s
}

// Validate 所有字段必须非空，API地址必须是http(s)绝对地址
func (s *UploadSettings) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		KeyAPIBase:           s.APIBase,
		KeyToken:             s.Token,
		KeyCategory:          s.Category,
		KeyCollectorType:     s.CollectorType,
		KeyQuestionDirection: s.QuestionDirection,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: 缺少 %s", ErrInvalidSettings, strings.Join(sortedKeys(missing), ", "))
	}

	u, err := url.Parse(strings.TrimSpace(s.APIBase))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: API地址无效: %s", ErrInvalidSettings, s.APIBase)
	}
	return nil
}

func sortedKeys(keys []string) []string {
	order := []string{KeyAPIBase, KeyToken, KeyCategory, KeyCollectorType, KeyQuestionDirection}
	out := make([]string, 0, len(keys))
	for _, k := range order {
		for _, m := range keys {
			if m == k {
				out = append(out, k)
			}
		}
	}
	return out
}

func (s *UploadSettings) normalized() UploadSettings {
	return UploadSettings{
		APIBase:           strings.TrimRight(strings.TrimSpace(s.APIBase), "/"),
		Token:             strings.TrimSpace(s.Token),
		Category:          strings.TrimSpace(s.Category),
		CollectorType:     strings.TrimSpace(s.CollectorType),
		QuestionDirection: strings.TrimSpace(s.QuestionDirection),
		SchemaVersion:     SchemaVersion,
	}
}

// Store 键值形式保存设置
type Store struct {
	db     *gorm.DB
	logger *utils.TaggedLogger
}

func NewStore(db *gorm.DB, logger *utils.Logger) *Store {
	return &Store{db: db, logger: logger.WithTag("settings")}
}

// Load 读取设置，缺失的分类字段使用默认值
func (s *Store) Load(ctx context.Context) (*UploadSettings, error) {
	var entries []models.SettingEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("读取设置失败: %w", err)
	}

	values := make(map[string]string, len(entries))
	for _, e := range entries {
		values[e.Key] = e.Value
	}
	if v, ok := values[KeySchemaVersion]; ok && v != SchemaVersion {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSchema, v)
	}

	out := Defaults()
	out.APIBase = values[KeyAPIBase]
	out.Token = values[KeyToken]
	for key, field := range map[string]*string{
		KeyCategory:          &out.Category,
		KeyCollectorType:     &out.CollectorType,
		KeyQuestionDirection: &out.QuestionDirection,
	} {
		if v := values[key]; v != "" {
			*field = v
		}
	}
	return &out, nil
}

// Save 校验后整体写入
func (s *Store) Save(ctx context.Context, in *UploadSettings) (*UploadSettings, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	clean := in.normalized()

	entries := []models.SettingEntry{
		{Key: KeyAPIBase, Value: clean.APIBase},
		{Key: KeyToken, Value: clean.Token},
		{Key: KeyCategory, Value: clean.Category},
		{Key: KeyCollectorType, Value: clean.CollectorType},
		{Key: KeyQuestionDirection, Value: clean.QuestionDirection},
		{Key: KeySchemaVersion, Value: clean.SchemaVersion},
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("保存设置失败: %w", err)
	}

	s.logger.Info("设置已保存", map[string]interface{}{"api_base": clean.APIBase, "category": clean.Category})
	return &clean, nil
}
