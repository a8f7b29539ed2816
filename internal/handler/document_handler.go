package handler

import (
	"io"
	"net/http"
	"strconv"

	"apiragfs/internal/dto"
	"apiragfs/internal/model"
	"apiragfs/internal/service"

	"github.com/gin-gonic/gin"
)

type DocumentHandler struct {
	svc *service.DocumentService
}

func NewDocumentHandler(svc *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

func toDocumentResp(d *model.Document) dto.DocumentResp {
	return dto.DocumentResp{
		ID:               d.ID,
		Name:             d.Name,
		OriginalName:     d.OriginalName,
		Type:             d.Type,
		Size:             d.Size,
		Department:       d.Department,
		Status:           d.Status,
		ProgressPercent:  d.ProgressPercent,
		StatusMessage:    d.StatusMessage,
		ErrorMessage:     d.ErrorMessage,
		RagStoreName:     d.RagStoreName,
		TextLength:       d.TextLength,
		ChunkCount:       d.ChunkCount,
		ProcessingTimeMs: d.ProcessingTimeMs,
		ExtractionMethod: d.ExtractionMethod,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func docID(c *gin.Context) (uint, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id 格式错误"})
		return 0, false
	}
	return uint(id), true
}

// Upload 上传文档 (multipart)
// POST /api/v1/documents/upload
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID := c.GetUint("userID")

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "文件无效"})
		return
	}
	department := c.PostForm("department")

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取文件失败"})
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取文件失败"})
		return
	}

	doc, err := h.svc.Upload(c.Request.Context(), userID, fileHeader.Filename, content, department)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"msg": "上传成功", "data": toDocumentResp(doc)})
}

// List 文档列表 (支持 ?department= 过滤)
// GET /api/v1/documents
func (h *DocumentHandler) List(c *gin.Context) {
	userID := c.GetUint("userID")

	docs, err := h.svc.List(userID, c.Query("department"))
	if err != nil {
		fail(c, err)
		return
	}

	resps := make([]dto.DocumentResp, 0, len(docs))
	for i := range docs {
		resps = append(resps, toDocumentResp(&docs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"data": resps})
}

// Get 单文档详情 (前端轮询进度用)
// GET /api/v1/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := docID(c)
	if !ok {
		return
	}

	doc, err := h.svc.Get(userID, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toDocumentResp(doc)})
}

// Delete 删除文档
// DELETE /api/v1/documents/:id
func (h *DocumentHandler) Delete(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := docID(c)
	if !ok {
		return
	}

	if err := h.svc.Delete(c.Request.Context(), userID, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "删除成功"})
}

// Reprocess 单文档重处理
// POST /api/v1/documents/:id/reprocess
func (h *DocumentHandler) Reprocess(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := docID(c)
	if !ok {
		return
	}

	if err := h.svc.Reprocess(c.Request.Context(), userID, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "已触发重新处理"})
}

// ReprocessAll 批量补跑未处理的文档
// POST /api/v1/documents/reprocess
func (h *DocumentHandler) ReprocessAll(c *gin.Context) {
	userID := c.GetUint("userID")

	count, err := h.svc.ReprocessAll(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "已触发批量处理", "count": count})
}

// ValidateStores 对账：校验所有分组的 store 句柄
// POST /api/v1/documents/validate-stores
func (h *DocumentHandler) ValidateStores(c *gin.Context) {
	userID := c.GetUint("userID")

	checks, err := h.svc.ValidateStores(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": checks})
}

// MoveStore 移动文档到另一个分组
// POST /api/v1/documents/:id/move-store
func (h *DocumentHandler) MoveStore(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := docID(c)
	if !ok {
		return
	}

	var req dto.MoveStoreReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误: " + err.Error()})
		return
	}

	if err := h.svc.MoveStore(c.Request.Context(), userID, id, req.TargetStore); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "已移动并重新处理"})
}
