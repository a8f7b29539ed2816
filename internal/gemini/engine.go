package gemini

import "context"

// GroundingChunk 一条引用来源 (回答中某段话在文档里的出处)
type GroundingChunk struct {
	Text         string `json:"text,omitempty"`
	Title        string `json:"title,omitempty"`
	URI          string `json:"uri,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
}

// GenerateResult 非流式问答的完整结果
type GenerateResult struct {
	Text            string
	GroundingChunks []GroundingChunk
}

// StreamChunk 流式问答的一个增量。
// Text 是文本增量；GroundingChunks 非 nil 时表示引用集合更新，
// 后到的集合整体替换先到的 (以 done 前最后一次为准)。
type StreamChunk struct {
	Text            string
	GroundingChunks []GroundingChunk
}

// Stream 是一个阻塞式的同步序列：Recv 会阻塞到下一个增量产生，
// 结束时返回 io.EOF。底层调用不支持中断，只能读到结束。
type Stream interface {
	Recv() (*StreamChunk, error)
}

// ProgressFunc 上传轮询的进度回调，参数是已经过的秒数 (不是完成比例)
type ProgressFunc func(elapsedSeconds int)

// Insight 文档洞察 (摘要卡片)
type Insight struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Icon        string `json:"icon"` // document / chart / lightbulb
}

// Engine 是外部检索引擎 (Gemini File Search) 的抽象边界。
// 所有组件通过构造函数显式注入，测试用假实现替换。
type Engine interface {
	// CreateStore 创建远端 store，返回句柄。远端创建不是幂等的：
	// 远端成功但本地记录失败时会产生孤儿 store，由对账任务兜底。
	CreateStore(ctx context.Context, displayName string) (string, error)

	// ValidateStore 检查句柄是否仍然有效。
	// 任何传输/解析错误都按"无效"处理 (fail-closed)，不向上抛。
	ValidateStore(ctx context.Context, storeName string) bool

	// Upload 上传文件内容并轮询远端处理直到完成或超时。
	// 每轮轮询调用一次 onProgress(elapsed)。超时返回错误。
	Upload(ctx context.Context, storeName string, content []byte, fileName, mimeType string, onProgress ProgressFunc) error

	// Generate 同步问答 (阻塞)，以 store 为检索工具
	Generate(ctx context.Context, storeName, prompt, systemInstruction string) (*GenerateResult, error)

	// GenerateStream 流式问答，返回阻塞式 chunk 序列
	GenerateStream(storeName, prompt, systemInstruction string) (Stream, error)

	// UpdateStore 更新远端 store 的展示名
	UpdateStore(ctx context.Context, storeName, displayName string) error

	// DeleteStore 删除远端 store (force)
	DeleteStore(ctx context.Context, storeName string) error

	// GenerateInsights 基于 store 内容生成 3 条摘要洞察
	GenerateInsights(ctx context.Context, storeName string) ([]Insight, error)

	// GenerateExampleQuestions 基于 store 内容生成最多 6 个示例问题
	GenerateExampleQuestions(ctx context.Context, storeName string) ([]string, error)
}
