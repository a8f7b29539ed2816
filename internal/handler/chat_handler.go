package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"apiragfs/internal/dto"
	"apiragfs/internal/model"
	"apiragfs/internal/service"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	svc *service.ChatService
}

func NewChatHandler(svc *service.ChatService) *ChatHandler {
	return &ChatHandler{svc: svc}
}

func toSessionResp(s *model.ChatSession) dto.SessionResp {
	return dto.SessionResp{
		ID:           s.ID,
		RagStoreName: s.RagStoreName,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		MessageCount: s.MessageCount,
	}
}

func sessionID(c *gin.Context) (uint, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id 格式错误"})
		return 0, false
	}
	return uint(id), true
}

// CreateSession 创建会话
// POST /api/v1/chat/sessions
func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req dto.CreateSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误: " + err.Error()})
		return
	}

	userID := c.GetUint("userID")
	session, err := h.svc.CreateSession(c.Request.Context(), userID, req.RagStoreName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toSessionResp(session)})
}

// ListSessions 会话列表
// GET /api/v1/chat/sessions
func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID := c.GetUint("userID")

	sessions, err := h.svc.ListSessions(userID)
	if err != nil {
		fail(c, err)
		return
	}

	resps := make([]dto.SessionResp, 0, len(sessions))
	for i := range sessions {
		resps = append(resps, toSessionResp(&sessions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"data": resps})
}

// GetSession 会话详情
// GET /api/v1/chat/sessions/:id
func (h *ChatHandler) GetSession(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := sessionID(c)
	if !ok {
		return
	}

	session, err := h.svc.GetSession(userID, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toSessionResp(session)})
}

// Messages 会话的历史消息
// GET /api/v1/chat/sessions/:id/messages
func (h *ChatHandler) Messages(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := sessionID(c)
	if !ok {
		return
	}

	msgs, err := h.svc.Messages(userID, id)
	if err != nil {
		fail(c, err)
		return
	}

	resps := make([]dto.MessageResp, 0, len(msgs))
	for _, m := range msgs {
		resps = append(resps, dto.MessageResp{
			ID:              m.ID,
			SessionID:       m.SessionID,
			Role:            m.Role,
			Content:         m.Content,
			GroundingChunks: m.GroundingChunks,
			CreatedAt:       m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": resps})
}

// Query 同步问答
// POST /api/v1/chat/sessions/:id/query
func (h *ChatHandler) Query(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req dto.ChatQueryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误: " + err.Error()})
		return
	}

	answer, grounding, err := h.svc.Query(c.Request.Context(), userID, id, req.Message)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ChatQueryResp{Message: answer, GroundingChunks: grounding})
}

// QueryStream 流式问答 (SSE)
// POST /api/v1/chat/sessions/:id/query-stream
// 每帧是一个 JSON 编码的 ChunkEvent: content / grounding / done / error
func (h *ChatHandler) QueryStream(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req dto.ChatQueryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数错误: " + err.Error()})
		return
	}

	// 校验失败要在升级成 SSE 之前返回，保证客户端拿到正常的 JSON 错误
	events, err := h.svc.QueryStream(c.Request.Context(), userID, id, req.Message)
	if err != nil {
		fail(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		data, _ := json.Marshal(ev)
		c.SSEvent("message", string(data))
		return true
	})
}

// EndSession 结束会话
// POST /api/v1/chat/sessions/:id/end
func (h *ChatHandler) EndSession(c *gin.Context) {
	userID := c.GetUint("userID")
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if err := h.svc.EndSession(c.Request.Context(), userID, id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "会话已结束"})
}

// Insights 知识库洞察
// GET /api/v1/chat/insights?store=fileSearchStores/xxx
func (h *ChatHandler) Insights(c *gin.Context) {
	storeName := c.Query("store")
	if storeName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 store 参数"})
		return
	}

	insights, err := h.svc.Insights(c.Request.Context(), storeName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": insights})
}

// ExampleQuestions 示例问题
// GET /api/v1/chat/example-questions?store=fileSearchStores/xxx
func (h *ChatHandler) ExampleQuestions(c *gin.Context) {
	storeName := c.Query("store")
	if storeName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 store 参数"})
		return
	}

	questions, err := h.svc.ExampleQuestions(c.Request.Context(), storeName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": questions})
}

// Cleanup 批量结束 store 已失效的会话
// POST /api/v1/chat/sessions/cleanup
func (h *ChatHandler) Cleanup(c *gin.Context) {
	userID := c.GetUint("userID")

	count, err := h.svc.CleanupOrphanedSessions(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "清理完成", "count": count})
}
