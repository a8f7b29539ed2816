package dto

import "time"

type DocumentResp struct {
	ID               uint    `json:"id"`
	Name             string  `json:"name"`
	OriginalName     string  `json:"original_name"`
	Type             string  `json:"type"`
	Size             int64   `json:"size"`
	Department       string  `json:"department"`
	Status           string  `json:"status"`
	ProgressPercent  int     `json:"progress_percent"`
	StatusMessage    string  `json:"status_message"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	RagStoreName     *string `json:"rag_store_name"`
	TextLength       *int    `json:"text_length"`
	ChunkCount       *int    `json:"chunk_count"`
	ProcessingTimeMs *int64  `json:"processing_time_ms"`
	ExtractionMethod string  `json:"extraction_method,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MoveStoreReq 把文档移动到另一个分组 (等价于删除重传，但保留原始文件)
type MoveStoreReq struct {
	TargetStore string `json:"target_store" binding:"required"`
}

// StoreCheckResp 对账 (validate-stores) 的单组结果
type StoreCheckResp struct {
	Department string `json:"department"`
	Status     string `json:"status"` // valid / invalid
	Action     string `json:"action"` // none / marked_for_reprocess
}
