package model

// RagStore 记录逻辑分组到 Gemini File Search store 的映射。
// StoreName 是远端句柄，可能在 Gemini 侧被删除而失效，
// 失效只能通过 validate 被动发现 (见 service.StoreRegistry)。
type RagStore struct {
	BaseModel
	UserID uint `gorm:"index;not null" json:"user_id"`

	// 逻辑分组 key (department)，本地唯一
	Name string `gorm:"size:100;index;not null" json:"name"`

	// 人类可读的展示名，只存本地
	DisplayName string `gorm:"size:255" json:"display_name"`

	// Gemini 侧句柄，如 "fileSearchStores/xxx"，未创建时为空
	StoreName string `gorm:"size:255;index" json:"rag_store_name"`
}
