package service

import (
	"apiragfs/internal/model"

	"gorm.io/gorm"
)

// StatusTracker 负责把文档处理的阶段/进度/消息落到 documents 行上。
// 进度在一次处理内单调不减，只有进入 error 才会归零。
type StatusTracker struct {
	db *gorm.DB
}

func NewStatusTracker(db *gorm.DB) *StatusTracker {
	return &StatusTracker{db: db}
}

// SetStage 进入新阶段 (状态 + 进度 + 提示语一起更新)
func (t *StatusTracker) SetStage(docID uint, status string, percent int, message string) error {
	return t.db.Model(&model.Document{}).Where("id = ?", docID).Updates(map[string]interface{}{
		"status":           status,
		"progress_percent": percent,
		"status_message":   message,
	}).Error
}

// SetProgress 阶段内的进度刷新 (上传轮询回调用)
func (t *StatusTracker) SetProgress(docID uint, percent int, message string) error {
	return t.db.Model(&model.Document{}).Where("id = ?", docID).Updates(map[string]interface{}{
		"progress_percent": percent,
		"status_message":   message,
	}).Error
}

// SetError 终态 error：进度归零，异常消息原样落库
func (t *StatusTracker) SetError(docID uint, errMsg string) error {
	return t.db.Model(&model.Document{}).Where("id = ?", docID).Updates(map[string]interface{}{
		"status":           model.StatusError,
		"progress_percent": 0,
		"status_message":   "处理失败",
		"error_message":    errMsg,
	}).Error
}
