package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"apiragfs/internal/data"
	"apiragfs/internal/gemini"
	"apiragfs/internal/model"

	"gorm.io/gorm"
)

const insightsCacheTTL = 24 * time.Hour

// IngestionPipeline 单个文档的端到端处理状态机:
// uploaded -(20)-> extracting -(50)-> chunking -(50~80)-> indexing -(80)-> completed(100)
// 任何一步出错直接落到 error (进度归零，异常消息原样记录)，不自动重试；
// 恢复靠显式的 Reprocess，把文档重置回 uploaded 再跑一遍同样的流程。
type IngestionPipeline struct {
	db       *gorm.DB
	engine   gemini.Engine
	registry *StoreRegistry
	tracker  *StatusTracker
	cache    data.Cache
	maxWait  int // 上传轮询的最大等待秒数
}

func NewIngestionPipeline(db *gorm.DB, engine gemini.Engine, registry *StoreRegistry, cache data.Cache, maxWait int) *IngestionPipeline {
	return &IngestionPipeline{
		db:       db,
		engine:   engine,
		registry: registry,
		tracker:  NewStatusTracker(db),
		cache:    cache,
		maxWait:  maxWait,
	}
}

// uploadProgress 把远端长操作的已耗时映射成 50~80 的进度估计值。
// 这是按时间走的估计，不是真实完成比例，上限钉死在 80，
// 只有远端报告完成后才会越过 80。
func uploadProgress(elapsedSeconds, maxWait int) int {
	p := 50 + int(float64(elapsedSeconds)/float64(maxWait)*30)
	if p > 80 {
		p = 80
	}
	return p
}

// Process 在独立 goroutine 里跑 (调用方 go p.Process(...))，
// 内部用 Background ctx：上传方的 HTTP 请求早就返回了。
func (p *IngestionPipeline) Process(docID uint, content []byte, fileName string, userID uint, department string) {
	ctx := context.Background()
	start := time.Now()

	if department == "" {
		department = "general"
	}

	// 阶段 1: 校验/解析 RAG store (20%)
	if err := p.tracker.SetStage(docID, model.StatusExtracting, 20, "正在校验 RAG store..."); err != nil {
		p.fail(docID, err)
		return
	}

	label := p.groupLabel(userID, department)
	storeName, err := p.registry.ResolveOrCreate(ctx, userID, department, fmt.Sprintf("%s - %d", label, userID))
	if err != nil {
		p.fail(docID, err)
		return
	}

	// 阶段 2: 上传到 Gemini File Search (50%)
	if err := p.tracker.SetStage(docID, model.StatusChunking, 50, "正在上传到 Gemini File Search..."); err != nil {
		p.fail(docID, err)
		return
	}

	mimeType := "text/plain"
	if strings.HasSuffix(strings.ToLower(fileName), ".pdf") {
		mimeType = "application/pdf"
	}

	err = p.engine.Upload(ctx, storeName, content, fileName, mimeType, func(elapsed int) {
		percent := uploadProgress(elapsed, p.maxWait)
		_ = p.tracker.SetProgress(docID, percent, fmt.Sprintf("Gemini 处理中... (%ds)", elapsed))
	})
	if err != nil {
		p.fail(docID, err)
		return
	}

	// 阶段 3: 索引 (80%)
	// chunk 数是按本地内容长度估算的 (约 1000 字符一个 chunk)，
	// 和 Gemini 真实的切分结果会有出入，这是已知的近似
	textLength := len(content)
	chunks := textLength / 1000
	if chunks < 1 {
		chunks = 1
	}

	if err := p.db.Model(&model.Document{}).Where("id = ?", docID).Updates(map[string]interface{}{
		"status":           model.StatusIndexing,
		"progress_percent": 80,
		"status_message":   "正在 Gemini 索引...",
		"text_length":      textLength,
		"chunk_count":      chunks,
	}).Error; err != nil {
		p.fail(docID, err)
		return
	}

	// 阶段 4: 完成 (100%)
	processingTime := time.Since(start).Milliseconds()
	if err := p.db.Model(&model.Document{}).Where("id = ?", docID).Updates(map[string]interface{}{
		"status":             model.StatusCompleted,
		"progress_percent":   100,
		"status_message":     "处理完成",
		"processing_time_ms": processingTime,
		"extraction_method":  "Gemini File API",
		"rag_store_name":     storeName,
		"department":         department,
	}).Error; err != nil {
		p.fail(docID, err)
		return
	}
	log.Printf("✅ 文档处理完成: id=%d store=%s 耗时=%dms", docID, storeName, processingTime)

	// 洞察生成是 best-effort：失败只记日志，绝不把文档打成 error，
	// 查询路径 cache miss 时还能再生成一次
	p.warmInsights(ctx, storeName)
}

// fail 任意阶段的失败统一走这里: error 终态 + 进度归零 + 异常消息原样保留
func (p *IngestionPipeline) fail(docID uint, err error) {
	log.Printf("❌ 文档处理失败: id=%d err=%v", docID, err)
	if dbErr := p.tracker.SetError(docID, err.Error()); dbErr != nil {
		log.Printf("❌ 写入失败状态也失败了: id=%d err=%v", docID, dbErr)
	}
}

// groupLabel 分组的展示名，没建过分组记录就用 key 本身
func (p *IngestionPipeline) groupLabel(userID uint, department string) string {
	var store model.RagStore
	err := p.db.Where("user_id = ? AND name = ?", userID, department).First(&store).Error
	if err == nil && store.DisplayName != "" {
		return store.DisplayName
	}
	return department
}

func (p *IngestionPipeline) warmInsights(ctx context.Context, storeName string) {
	log.Printf("🔍 为 RAG store 生成洞察: %s", storeName)
	insights, err := p.engine.GenerateInsights(ctx, storeName)
	if err != nil {
		log.Printf("⚠️ 洞察生成失败 (非关键): %v", err)
		return
	}
	if len(insights) == 0 {
		return
	}

	raw, err := json.Marshal(insights)
	if err != nil {
		log.Printf("⚠️ 洞察序列化失败 (非关键): %v", err)
		return
	}
	if err := p.cache.Set(ctx, "insights:"+storeName, string(raw), insightsCacheTTL); err != nil {
		log.Printf("⚠️ 洞察写缓存失败 (非关键): %v", err)
		return
	}
	log.Printf("✅ 洞察已生成并缓存: %d 条", len(insights))
}

// resetFields 重置回 uploaded 时要清空的全部派生字段
func resetFields() map[string]interface{} {
	return map[string]interface{}{
		"status":             model.StatusUploaded,
		"progress_percent":   0,
		"status_message":     "",
		"error_message":      "",
		"rag_store_name":     nil,
		"text_length":        nil,
		"chunk_count":        nil,
		"processing_time_ms": nil,
		"extraction_method":  "",
	}
}

// Reset 把文档重置回 uploaded，清空句柄和全部派生指标，
// 之后重新进入同一条 Process 流程
func (p *IngestionPipeline) Reset(docID uint) error {
	res := p.db.Model(&model.Document{}).Where("id = ?", docID).Updates(resetFields())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveToGroup 换分组 = 改 department + 整体重置。
// 等价于删除后重传，但保留原始字节和文档身份。
func (p *IngestionPipeline) MoveToGroup(docID uint, targetGroup string) error {
	fields := resetFields()
	fields["department"] = targetGroup

	res := p.db.Model(&model.Document{}).Where("id = ?", docID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GroupCheck 对账任务里单个分组的结论
type GroupCheck struct {
	Department string
	StoreName  string
	Valid      bool
	ResetCount int64
}

// Reconcile 对账任务 (外部批量触发)：
// 对每个 completed 文档用到的 (分组, 句柄) 做校验，
// 句柄失效 -> 该分组全部文档重置回 uploaded 并清空句柄/指标，
// 下一次处理会自动重建 store。这是对抗远端 store 被删的自愈机制。
func (p *IngestionPipeline) Reconcile(ctx context.Context, userID uint) ([]GroupCheck, error) {
	type pair struct {
		Department   string
		RagStoreName string
	}
	var pairs []pair
	err := p.db.Model(&model.Document{}).
		Distinct("department", "rag_store_name").
		Where("user_id = ? AND status = ? AND rag_store_name IS NOT NULL", userID, model.StatusCompleted).
		Scan(&pairs).Error
	if err != nil {
		return nil, err
	}

	var checks []GroupCheck
	for _, pr := range pairs {
		check := GroupCheck{Department: pr.Department, StoreName: pr.RagStoreName}

		log.Printf("🔍 对账: 分组 %s -> %s", pr.Department, pr.RagStoreName)
		if p.registry.Validate(ctx, pr.RagStoreName) {
			check.Valid = true
			checks = append(checks, check)
			continue
		}

		log.Printf("⚠️ RAG store 已失效，重置分组 %s 的全部文档...", pr.Department)
		res := p.db.Model(&model.Document{}).
			Where("user_id = ? AND department = ?", userID, pr.Department).
			Updates(resetFields())
		if res.Error != nil {
			return nil, res.Error
		}
		check.ResetCount = res.RowsAffected

		// 同时清掉映射表里的失效句柄
		if err := p.db.Model(&model.RagStore{}).
			Where("user_id = ? AND name = ?", userID, pr.Department).
			Update("store_name", "").Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		checks = append(checks, check)
	}
	return checks, nil
}
