package model

// 文档处理状态机:
// uploaded -> extracting -> chunking -> indexing -> completed
// 任意非终态出错都会直接进入 error，重新处理 (Reprocess) 会回到 uploaded
const (
	StatusUploaded   = "uploaded"
	StatusExtracting = "extracting"
	StatusChunking   = "chunking"
	StatusIndexing   = "indexing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

type Document struct {
	BaseModel
	UserID uint `gorm:"index;not null" json:"user_id"`

	Name         string `gorm:"size:255;not null" json:"name"`
	OriginalName string `gorm:"size:255" json:"original_name"`
	Type         string `gorm:"size:20" json:"type"` // PDF / TXT / MD ...
	Size         int64  `json:"size"`

	// MinIO 对象路径 (bucket 内的 object name)
	StoragePath string `gorm:"not null" json:"storage_path"`
	Bucket      string `gorm:"size:100" json:"bucket"`

	// 逻辑分组 (部门)，同一分组共享一个 RAG store
	Department string `gorm:"size:100;index" json:"department"`

	// 状态机
	Status          string `gorm:"default:'uploaded';index" json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	StatusMessage   string `gorm:"size:255" json:"status_message"`
	ErrorMessage    string `gorm:"type:text" json:"error_message"`

	// Gemini 侧的 store 句柄，处理完成前为 NULL
	RagStoreName *string `gorm:"size:255;index" json:"rag_store_name"`

	// 处理产出的统计指标 (本地估算，非 Gemini 真实切分结果)
	TextLength       *int   `json:"text_length"`
	ChunkCount       *int   `json:"chunk_count"`
	ProcessingTimeMs *int64 `json:"processing_time_ms"`
	ExtractionMethod string `gorm:"size:50" json:"extraction_method"`
}
