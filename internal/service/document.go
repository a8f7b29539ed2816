package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"apiragfs/internal/conf"
	"apiragfs/internal/data"
	"apiragfs/internal/dto"
	"apiragfs/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DocumentService 文档的上传/查询/删除/重处理。
// 原始字节放 MinIO，元数据和状态放 Postgres，
// 上传接口只负责落字节 + 建记录，处理流程全部异步。
type DocumentService struct {
	db       *gorm.DB
	objects  data.ObjectStore
	pipeline *IngestionPipeline
	cache    data.Cache
	upload   conf.UploadConfig
	bucket   string
}

func NewDocumentService(db *gorm.DB, objects data.ObjectStore, pipeline *IngestionPipeline, cache data.Cache, upload conf.UploadConfig, bucket string) *DocumentService {
	return &DocumentService{
		db:       db,
		objects:  objects,
		pipeline: pipeline,
		cache:    cache,
		upload:   upload,
		bucket:   bucket,
	}
}

// allowedExt 扩展名白名单检查，比较时统一小写
func (s *DocumentService) allowedExt(ext string) bool {
	for _, a := range s.upload.AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// Upload 校验 -> 存 MinIO -> 建记录 -> 异步处理。
// 校验失败时什么都不落：没有对象、没有记录。
func (s *DocumentService) Upload(ctx context.Context, userID uint, fileName string, content []byte, department string) (*model.Document, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	if !s.allowedExt(ext) {
		return nil, fmt.Errorf("%w: 不支持的文件类型 %s", ErrValidation, ext)
	}
	if int64(len(content)) > s.upload.MaxSize {
		return nil, fmt.Errorf("%w: 文件超过大小限制 (%d MB)", ErrValidation, s.upload.MaxSize/(1024*1024))
	}
	if department == "" {
		department = "general"
	}

	objectName := fmt.Sprintf("documents/%d/%s/%s", userID, uuid.New().String(), fileName)
	contentType := "application/octet-stream"
	if ext == ".pdf" {
		contentType = "application/pdf"
	}
	storagePath, err := s.objects.Put(ctx, objectName, content, contentType)
	if err != nil {
		return nil, fmt.Errorf("存储文件失败: %w", err)
	}

	doc := model.Document{
		UserID:        userID,
		Name:          fileName,
		OriginalName:  fileName,
		Type:          strings.ToUpper(strings.TrimPrefix(ext, ".")),
		Size:          int64(len(content)),
		StoragePath:   storagePath,
		Bucket:        s.bucket,
		Department:    department,
		Status:        model.StatusUploaded,
		StatusMessage: "上传完成，等待处理...",
	}
	if err := s.db.Create(&doc).Error; err != nil {
		// 记录建不起来就把对象也删掉，避免孤儿文件
		if delErr := s.objects.Delete(ctx, objectName); delErr != nil {
			log.Printf("⚠️ 清理孤儿对象失败: %s err=%v", objectName, delErr)
		}
		return nil, err
	}

	log.Printf("📦 文档已上传: id=%d name=%s size=%d dept=%s", doc.ID, fileName, doc.Size, department)
	go s.pipeline.Process(doc.ID, content, fileName, userID, department)
	return &doc, nil
}

func (s *DocumentService) List(userID uint, department string) ([]model.Document, error) {
	q := s.db.Where("user_id = ?", userID)
	if department != "" {
		q = q.Where("department = ?", department)
	}
	var docs []model.Document
	err := q.Order("created_at DESC").Find(&docs).Error
	return docs, err
}

func (s *DocumentService) Get(userID, docID uint) (*model.Document, error) {
	var doc model.Document
	err := s.db.Where("id = ? AND user_id = ?", docID, userID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete 删记录 + 删对象 + 失效该 store 的洞察缓存。
// 远端 store 里的内容不回收 (File Search 不支持按文档删除)，
// 靠对账任务整组重建来收敛。
func (s *DocumentService) Delete(ctx context.Context, userID, docID uint) error {
	doc, err := s.Get(userID, docID)
	if err != nil {
		return err
	}

	if err := s.db.Delete(&model.Document{}, doc.ID).Error; err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, doc.StoragePath); err != nil {
		log.Printf("⚠️ 删除对象失败 (记录已删): %s err=%v", doc.StoragePath, err)
	}
	if doc.RagStoreName != nil {
		if err := s.cache.Delete(ctx, "insights:"+*doc.RagStoreName); err != nil {
			log.Printf("⚠️ 洞察缓存失效失败 (非关键): %v", err)
		}
	}
	log.Printf("🗑️ 文档已删除: id=%d name=%s", doc.ID, doc.Name)
	return nil
}

// Reprocess 单文档重处理：重置回 uploaded 后重新跑完整流程。
// 处理中的文档不允许重入。
func (s *DocumentService) Reprocess(ctx context.Context, userID, docID uint) error {
	doc, err := s.Get(userID, docID)
	if err != nil {
		return err
	}
	switch doc.Status {
	case model.StatusExtracting, model.StatusChunking, model.StatusIndexing:
		return fmt.Errorf("%w: 文档正在处理中", ErrValidation)
	}

	content, err := s.objects.Get(ctx, doc.StoragePath)
	if err != nil {
		return fmt.Errorf("读取原始文件失败: %w", err)
	}
	if err := s.pipeline.Reset(doc.ID); err != nil {
		return err
	}

	log.Printf("🚀 重新处理文档: id=%d name=%s", doc.ID, doc.Name)
	go s.pipeline.Process(doc.ID, content, doc.Name, userID, doc.Department)
	return nil
}

// ReprocessAll 批量补跑：status=uploaded 且还没有 store 句柄的文档
// (上传后处理没跑起来、或被对账重置过的)。返回触发的数量。
func (s *DocumentService) ReprocessAll(ctx context.Context, userID uint) (int, error) {
	var docs []model.Document
	err := s.db.Where("user_id = ? AND status = ? AND rag_store_name IS NULL", userID, model.StatusUploaded).
		Find(&docs).Error
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range docs {
		doc := docs[i]
		content, err := s.objects.Get(ctx, doc.StoragePath)
		if err != nil {
			log.Printf("⚠️ 跳过文档 %d: 读取原始文件失败 %v", doc.ID, err)
			continue
		}
		go s.pipeline.Process(doc.ID, content, doc.Name, userID, doc.Department)
		started++
	}
	log.Printf("🚀 批量重处理已触发: %d/%d", started, len(docs))
	return started, nil
}

// ValidateStores 对账入口：校验每组的 store 句柄，
// 失效的整组重置并在响应里标记 marked_for_reprocess
func (s *DocumentService) ValidateStores(ctx context.Context, userID uint) ([]dto.StoreCheckResp, error) {
	checks, err := s.pipeline.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}

	resps := make([]dto.StoreCheckResp, 0, len(checks))
	for _, c := range checks {
		r := dto.StoreCheckResp{Department: c.Department, Status: "valid", Action: "none"}
		if !c.Valid {
			r.Status = "invalid"
			r.Action = "marked_for_reprocess"
		}
		resps = append(resps, r)
	}
	return resps, nil
}

// MoveStore 把文档移到另一个分组并立即重新处理。
// 目标分组必须已存在 (不在这里隐式建分组)。
func (s *DocumentService) MoveStore(ctx context.Context, userID, docID uint, targetGroup string) error {
	doc, err := s.Get(userID, docID)
	if err != nil {
		return err
	}
	if doc.Department == targetGroup {
		return fmt.Errorf("%w: 文档已在该分组", ErrValidation)
	}

	var target model.RagStore
	err = s.db.Where("user_id = ? AND name = ?", userID, targetGroup).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: 目标分组不存在", ErrNotFound)
	}
	if err != nil {
		return err
	}

	content, err := s.objects.Get(ctx, doc.StoragePath)
	if err != nil {
		return fmt.Errorf("读取原始文件失败: %w", err)
	}
	if err := s.pipeline.MoveToGroup(doc.ID, targetGroup); err != nil {
		return err
	}

	log.Printf("🚀 文档移组并重新处理: id=%d %s -> %s", doc.ID, doc.Department, targetGroup)
	go s.pipeline.Process(doc.ID, content, doc.Name, userID, targetGroup)
	return nil
}
