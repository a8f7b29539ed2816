package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

type ChatSession struct {
	BaseModel
	UserID uint `gorm:"index;not null" json:"user_id"`

	// 绑定的 store 句柄，创建后不可变
	RagStoreName string `gorm:"size:255;not null" json:"rag_store_name"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"` // 非 NULL 表示会话已终结

	// 每轮问答 +2 (user + model)
	MessageCount int `gorm:"default:0" json:"message_count"`
}

// Message 只追加，插入后不再修改，按 created_at 升序即对话顺序
type Message struct {
	BaseModel
	SessionID uint   `gorm:"index;not null" json:"session_id"`
	Role      string `gorm:"size:20;not null" json:"role"` // user / model
	Content   string `gorm:"type:text" json:"content"`

	// 引用来源 (JSON 数组)，只有 model 消息才有
	GroundingChunks datatypes.JSON `json:"grounding_chunks"`
}
