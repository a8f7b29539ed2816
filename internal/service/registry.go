package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"apiragfs/internal/gemini"
	"apiragfs/internal/model"

	"gorm.io/gorm"
)

// StoreRegistry 把逻辑分组 (department) 解析成可复用的远端 store 句柄。
// 核心策略是"能复用就复用，失效才新建"：失效只会在 validate 时被动发现。
//
// 远端创建/删除都不是幂等调用，"远端创建成功但本地记录失败"会留下孤儿
// store，这里不在调用内重试，由 ValidateAll 对账任务兜底。
type StoreRegistry struct {
	db     *gorm.DB
	engine gemini.Engine

	// 同组并发 resolve 的互斥：不加锁时两个首传文档会各建一个 store
	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

func NewStoreRegistry(db *gorm.DB, engine gemini.Engine) *StoreRegistry {
	return &StoreRegistry{
		db:         db,
		engine:     engine,
		groupLocks: make(map[string]*sync.Mutex),
	}
}

func (r *StoreRegistry) lockGroup(userID uint, groupKey string) func() {
	key := fmt.Sprintf("%d/%s", userID, groupKey)

	r.mu.Lock()
	lock, ok := r.groupLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.groupLocks[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ResolveOrCreate 返回分组当前可用的 store 句柄。
// 已记录且 validate 通过 -> 直接复用；否则新建并记录。
// validate 失败不会向上抛错 (fail-closed 成"无效")，保证流程总能走到重建。
func (r *StoreRegistry) ResolveOrCreate(ctx context.Context, userID uint, groupKey, label string) (string, error) {
	unlock := r.lockGroup(userID, groupKey)
	defer unlock()

	var store model.RagStore
	err := r.db.Where("user_id = ? AND name = ?", userID, groupKey).First(&store).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	if store.ID != 0 && store.StoreName != "" {
		log.Printf("🔍 校验分组 %s 的 RAG store: %s", groupKey, store.StoreName)
		if r.engine.ValidateStore(ctx, store.StoreName) {
			log.Printf("📦 复用已有 RAG store: %s", store.StoreName)
			return store.StoreName, nil
		}
		log.Printf("⚠️ RAG store 已失效，重新创建...")
	}

	storeName, err := r.engine.CreateStore(ctx, label)
	if err != nil {
		return "", fmt.Errorf("创建 RAG store 失败: %w", err)
	}
	log.Printf("✨ 为分组 %s 创建了新 RAG store: %s", groupKey, storeName)

	if store.ID != 0 {
		if err := r.db.Model(&store).Update("store_name", storeName).Error; err != nil {
			return "", err
		}
	} else {
		store = model.RagStore{
			UserID:      userID,
			Name:        groupKey,
			DisplayName: label,
			StoreName:   storeName,
		}
		if err := r.db.Create(&store).Error; err != nil {
			return "", err
		}
	}
	return storeName, nil
}

// Validate 透传 fail-closed 校验
func (r *StoreRegistry) Validate(ctx context.Context, storeName string) bool {
	return r.engine.ValidateStore(ctx, storeName)
}

// Create 手动创建一个分组的远端 store 并记录
func (r *StoreRegistry) Create(ctx context.Context, userID uint, groupKey, label string) (*model.RagStore, error) {
	storeName, err := r.engine.CreateStore(ctx, label)
	if err != nil {
		return nil, err
	}

	store := &model.RagStore{
		UserID:      userID,
		Name:        groupKey,
		DisplayName: label,
		StoreName:   storeName,
	}
	if err := r.db.Create(store).Error; err != nil {
		// 远端已创建成功，本地记录失败 -> 孤儿 store，等对账回收
		log.Printf("⚠️ RAG store 已在远端创建但本地记录失败: %s (%v)", storeName, err)
		return nil, err
	}
	return store, nil
}

// UpdateLabel 改展示名：远端 best-effort 同步，本地记录为准
func (r *StoreRegistry) UpdateLabel(ctx context.Context, store *model.RagStore, label string) error {
	if store.StoreName != "" {
		if err := r.engine.UpdateStore(ctx, store.StoreName, label); err != nil {
			log.Printf("⚠️ 远端更新展示名失败 (本地仍会更新): %v", err)
		}
	}
	return r.db.Model(store).Update("display_name", label).Error
}

// Delete 删除远端 store 并清掉本地映射
func (r *StoreRegistry) Delete(ctx context.Context, store *model.RagStore) error {
	if store.StoreName != "" {
		if err := r.engine.DeleteStore(ctx, store.StoreName); err != nil {
			// 远端删除失败不阻塞本地清理 (可能本来就已经没了)
			log.Printf("⚠️ 远端删除 RAG store 失败: %s (%v)", store.StoreName, err)
		}
	}
	return r.db.Delete(store).Error
}

// StoreCheck 对账时单个 (分组, 句柄) 的结论
type StoreCheck struct {
	Department string
	StoreName  string
	Valid      bool
}

// ValidateAll 对账扫描：对每个有句柄的分组做 validate，
// 无效的清掉本地句柄记录 (mark-orphaned)。文档状态的重置由
// IngestionPipeline.Reconcile 负责，这里只管映射表。
func (r *StoreRegistry) ValidateAll(ctx context.Context, userID uint) ([]StoreCheck, error) {
	var stores []model.RagStore
	if err := r.db.Where("user_id = ? AND store_name <> ''", userID).Find(&stores).Error; err != nil {
		return nil, err
	}

	var checks []StoreCheck
	for _, s := range stores {
		valid := r.engine.ValidateStore(ctx, s.StoreName)
		checks = append(checks, StoreCheck{Department: s.Name, StoreName: s.StoreName, Valid: valid})

		if !valid {
			log.Printf("⚠️ 分组 %s 的 RAG store 已失效: %s", s.Name, s.StoreName)
			if err := r.db.Model(&s).Update("store_name", "").Error; err != nil {
				return nil, err
			}
		}
	}
	return checks, nil
}
