package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"apiragfs/internal/model"

	"gorm.io/gorm"
)

// StoreService 分组 (RAG store) 的管理面 CRUD。
// 数据面的按需创建走 StoreRegistry.ResolveOrCreate，
// 这里是给前端管理页用的显式入口。
type StoreService struct {
	db       *gorm.DB
	registry *StoreRegistry
}

func NewStoreService(db *gorm.DB, registry *StoreRegistry) *StoreService {
	return &StoreService{db: db, registry: registry}
}

// Create 显式建组：同名分组不可重复
func (s *StoreService) Create(ctx context.Context, userID uint, name, displayName string) (*model.RagStore, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: 分组名不能为空", ErrValidation)
	}
	if displayName == "" {
		displayName = name
	}

	var existing model.RagStore
	err := s.db.Where("user_id = ? AND name = ?", userID, name).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("%w: 分组已存在 %s", ErrValidation, name)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return s.registry.Create(ctx, userID, name, displayName)
}

func (s *StoreService) List(userID uint) ([]model.RagStore, error) {
	var stores []model.RagStore
	err := s.db.Where("user_id = ?", userID).Order("name ASC").Find(&stores).Error
	return stores, err
}

func (s *StoreService) Get(userID, storeID uint) (*model.RagStore, error) {
	var store model.RagStore
	err := s.db.Where("id = ? AND user_id = ?", storeID, userID).First(&store).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &store, nil
}

// UpdateLabel 改展示名 (远端 best-effort，本地为准)
func (s *StoreService) UpdateLabel(ctx context.Context, userID, storeID uint, displayName string) (*model.RagStore, error) {
	store, err := s.Get(userID, storeID)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		return nil, fmt.Errorf("%w: 展示名不能为空", ErrValidation)
	}
	if err := s.registry.UpdateLabel(ctx, store, displayName); err != nil {
		return nil, err
	}
	store.DisplayName = displayName
	return store, nil
}

// Delete 删组：远端 store 一起删，组内文档全部重置回 uploaded
// (它们的句柄随 store 一起失效了)。绑定这个 store 的活动会话
// 不在这里处理，下次查询时 validate 会把它们标记结束。
func (s *StoreService) Delete(ctx context.Context, userID, storeID uint) error {
	store, err := s.Get(userID, storeID)
	if err != nil {
		return err
	}
	if err := s.registry.Delete(ctx, store); err != nil {
		return err
	}

	res := s.db.Model(&model.Document{}).
		Where("user_id = ? AND department = ?", userID, store.Name).
		Updates(resetFields())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("⚠️ 分组 %s 删除后重置了 %d 个文档", store.Name, res.RowsAffected)
	}
	return nil
}

// Validate 单句柄校验的透传
func (s *StoreService) Validate(ctx context.Context, storeName string) bool {
	return s.registry.Validate(ctx, storeName)
}
