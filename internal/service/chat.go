package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"apiragfs/internal/data"
	"apiragfs/internal/gemini"
	"apiragfs/internal/model"

	"gorm.io/gorm"
)

const onDemandInsightsTTL = time.Hour

// ChatService 会话生命周期 + 同步/流式问答。
// 会话一旦绑定 RAG store 就不可改，store 失效时会话被标记结束 (410)，
// 只能新开会话，绝不静默换绑。
type ChatService struct {
	db           *gorm.DB
	engine       gemini.Engine
	history      *data.HistoryCache
	bridge       *StreamBridge
	cache        data.Cache
	systemPrompt string
}

func NewChatService(db *gorm.DB, engine gemini.Engine, history *data.HistoryCache, cache data.Cache, systemPrompt string) *ChatService {
	return &ChatService{
		db:           db,
		engine:       engine,
		history:      history,
		bridge:       NewStreamBridge(db, engine, history, systemPrompt),
		cache:        cache,
		systemPrompt: systemPrompt,
	}
}

// CreateSession 创建会话前先确认 store 还在，
// 避免拿着死句柄的会话一开口就 410
func (s *ChatService) CreateSession(ctx context.Context, userID uint, ragStoreName string) (*model.ChatSession, error) {
	if ragStoreName == "" {
		return nil, ErrValidation
	}
	if !s.engine.ValidateStore(ctx, ragStoreName) {
		log.Printf("⚠️ 创建会话被拒: store 不可用 %s", ragStoreName)
		return nil, ErrStoreUnavailable
	}

	session := model.ChatSession{
		UserID:       userID,
		RagStoreName: ragStoreName,
		StartedAt:    time.Now(),
	}
	if err := s.db.Create(&session).Error; err != nil {
		return nil, err
	}
	log.Printf("✨ 新建会话: id=%d store=%s", session.ID, ragStoreName)
	return &session, nil
}

func (s *ChatService) ListSessions(userID uint) ([]model.ChatSession, error) {
	var sessions []model.ChatSession
	err := s.db.Where("user_id = ?", userID).Order("started_at DESC").Find(&sessions).Error
	return sessions, err
}

func (s *ChatService) GetSession(userID, sessionID uint) (*model.ChatSession, error) {
	var session model.ChatSession
	err := s.db.Where("id = ? AND user_id = ?", sessionID, userID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ValidateSession 查询前的活性检查：
// 已结束 -> ErrSessionEnded；store 失效 -> 立即标记结束 + ErrStoreUnavailable。
// 标记结束是单向操作，之后这个会话永远只读。
func (s *ChatService) ValidateSession(ctx context.Context, session *model.ChatSession) error {
	if session.EndedAt != nil {
		return ErrSessionEnded
	}
	if s.engine.ValidateStore(ctx, session.RagStoreName) {
		return nil
	}

	log.Printf("⚠️ 会话 %d 的 RAG store 已失效: %s，标记结束", session.ID, session.RagStoreName)
	now := time.Now()
	if err := s.db.Model(&model.ChatSession{}).Where("id = ?", session.ID).
		Update("ended_at", now).Error; err != nil {
		log.Printf("❌ 标记会话结束失败: %v", err)
	}
	session.EndedAt = &now
	return ErrStoreUnavailable
}

func (s *ChatService) Messages(userID, sessionID uint) ([]model.Message, error) {
	if _, err := s.GetSession(userID, sessionID); err != nil {
		return nil, err
	}
	var msgs []model.Message
	err := s.db.Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&msgs).Error
	return msgs, err
}

// loadHistory 读穿透：缓存未命中时从 messages 表重建并回填
func (s *ChatService) loadHistory(ctx context.Context, sessionID uint) ([]data.Turn, error) {
	if turns, ok := s.history.Get(ctx, sessionID); ok {
		return turns, nil
	}

	var msgs []model.Message
	if err := s.db.Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, err
	}

	turns := make([]data.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, data.Turn{Role: m.Role, Content: m.Content})
	}
	if len(turns) > 0 {
		if err := s.history.Set(ctx, sessionID, turns); err != nil {
			log.Printf("⚠️ 历史缓存回填失败 (非关键): session=%d err=%v", sessionID, err)
		}
	}
	return turns, nil
}

// Query 同步问答：一次拿全量回答，落库语义和流式路径完全一致
func (s *ChatService) Query(ctx context.Context, userID, sessionID uint, message string) (string, []gemini.GroundingChunk, error) {
	if message == "" {
		return "", nil, ErrValidation
	}
	session, err := s.GetSession(userID, sessionID)
	if err != nil {
		return "", nil, err
	}
	if err := s.ValidateSession(ctx, session); err != nil {
		return "", nil, err
	}

	turns, err := s.loadHistory(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}

	result, err := s.engine.Generate(ctx, session.RagStoreName, BuildPrompt(turns, message), s.systemPrompt)
	if err != nil {
		return "", nil, err
	}

	if err := s.bridge.finish(ctx, session, turns, message, result.Text, result.GroundingChunks); err != nil {
		return "", nil, err
	}
	return result.Text, result.GroundingChunks, nil
}

// QueryStream 流式问答：校验通过后把剩下的交给 StreamBridge
func (s *ChatService) QueryStream(ctx context.Context, userID, sessionID uint, message string) (<-chan ChunkEvent, error) {
	if message == "" {
		return nil, ErrValidation
	}
	session, err := s.GetSession(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateSession(ctx, session); err != nil {
		return nil, err
	}

	turns, err := s.loadHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.bridge.Run(ctx, session, message, turns), nil
}

// EndSession 结束会话并清掉历史缓存。
// store 是多会话共享的，这里绝不碰远端。
func (s *ChatService) EndSession(ctx context.Context, userID, sessionID uint) error {
	session, err := s.GetSession(userID, sessionID)
	if err != nil {
		return err
	}
	if session.EndedAt == nil {
		now := time.Now()
		if err := s.db.Model(&model.ChatSession{}).Where("id = ?", sessionID).
			Update("ended_at", now).Error; err != nil {
			return err
		}
	}
	if err := s.history.Invalidate(ctx, sessionID); err != nil {
		log.Printf("⚠️ 历史缓存清理失败 (非关键): session=%d err=%v", sessionID, err)
	}
	return nil
}

// Insights 知识库洞察：优先读缓存 (入库后预热 24h；
// 按需生成的只缓存 1h，避免陈旧洞察挂太久)
func (s *ChatService) Insights(ctx context.Context, storeName string) ([]gemini.Insight, error) {
	key := "insights:" + storeName
	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var insights []gemini.Insight
		if json.Unmarshal([]byte(raw), &insights) == nil {
			return insights, nil
		}
	}

	insights, err := s.engine.GenerateInsights(ctx, storeName)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(insights); err == nil {
		if err := s.cache.Set(ctx, key, string(raw), onDemandInsightsTTL); err != nil {
			log.Printf("⚠️ 洞察写缓存失败 (非关键): %v", err)
		}
	}
	return insights, nil
}

// ExampleQuestions 基于知识库内容生成示例问题，每次现算
func (s *ChatService) ExampleQuestions(ctx context.Context, storeName string) ([]string, error) {
	return s.engine.GenerateExampleQuestions(ctx, storeName)
}

// CleanupOrphanedSessions 批量收尾：把 store 已失效的活动会话统一标记结束。
// ValidateSession 在查询路径上也会做同样的事，这里是给运维的主动触发入口。
func (s *ChatService) CleanupOrphanedSessions(ctx context.Context, userID uint) (int, error) {
	var sessions []model.ChatSession
	if err := s.db.Where("user_id = ? AND ended_at IS NULL", userID).Find(&sessions).Error; err != nil {
		return 0, err
	}

	cleaned := 0
	checked := make(map[string]bool)
	for i := range sessions {
		sess := &sessions[i]
		valid, seen := checked[sess.RagStoreName]
		if !seen {
			valid = s.engine.ValidateStore(ctx, sess.RagStoreName)
			checked[sess.RagStoreName] = valid
		}
		if valid {
			continue
		}
		now := time.Now()
		if err := s.db.Model(&model.ChatSession{}).Where("id = ?", sess.ID).
			Update("ended_at", now).Error; err != nil {
			return cleaned, err
		}
		cleaned++
	}
	if cleaned > 0 {
		log.Printf("🎉 清理孤儿会话完成: %d 个", cleaned)
	}
	return cleaned, nil
}
