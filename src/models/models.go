package models

import "time"

// SettingEntry 上传设置的一个键值对
type SettingEntry struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// All 需要自动迁移的模型
func All() []interface{} {
	return []interface{}{&SettingEntry{}}
}
