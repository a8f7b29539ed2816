package handler

import (
	"net/http"
	"strconv"

	"apiragfs/internal/dto"
	"apiragfs/internal/model"
	"apiragfs/internal/service"

	"github.com/gin-gonic/gin"
)

type StoreHandler struct {
	svc *service.StoreService
}

func NewStoreHandler(svc *service.StoreService) *StoreHandler {
	return &StoreHandler{svc: svc}
}

func toStoreResp(s *model.RagStore) dto.StoreResp {
	return dto.StoreResp{
		ID:           s.ID,
		Name:         s.Name,
		DisplayName:  s.DisplayName,
		RagStoreName: s.StoreName,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func storeID(c *gin.Context) (uint, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id 格式错误"})
		return 0, false
	}
	return uint(id), true
}

// Create 新建分组
// POST /api/v1/stores
func (h *StoreHandler) Create(c *gin.Context) {
	var req dto.CreateStoreReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误: " + err.Error()})
		return
	}

	userID := c.GetUint("userID")
	store, err := h.svc.Create(c.Request.Context(), userID, req.Name, req.DisplayName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toStoreResp(store)})
}

// List 分组列表
// GET /api/v1/stores
func (h *StoreHandler) List(c *gin.Context) {
	userID := c.GetUint("userID")

	stores, err := h.svc.List(userID)
	if err != nil {
		fail(c, err)
		return
	}

	resps := make([]dto.StoreResp, 0, len(stores))
	for i := range stores {
		resps = append(resps, toStoreResp(&stores[i]))
	}
	c.JSON(http.StatusOK, gin.H{"data": resps})
}

// Get 分组详情
// GET /api/v1/stores/:id
func (h *StoreHandler) Get(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := storeID(c)
	if !ok {
		return
	}

	store, err := h.svc.Get(userID, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toStoreResp(store)})
}

// Update 改展示名 (远端 store 不动)
// PUT /api/v1/stores/:id
func (h *StoreHandler) Update(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := storeID(c)
	if !ok {
		return
	}

	var req dto.UpdateStoreReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误: " + err.Error()})
		return
	}

	store, err := h.svc.UpdateLabel(c.Request.Context(), userID, id, req.DisplayName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toStoreResp(store)})
}

// Delete 删除分组 (连同远端 store)
// DELETE /api/v1/stores/:id
func (h *StoreHandler) Delete(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := storeID(c)
	if !ok {
		return
	}

	if err := h.svc.Delete(c.Request.Context(), userID, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "删除成功"})
}
