package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Turn 会话中的一轮发言 (user 或 model)
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryCache 会话历史的读写穿透缓存。
// 缓存不是事实来源：messages 表才是，缓存随时可丢，
// 冷启动时由调用方从 messages 重建 (见 ChatService.loadHistory)。
type HistoryCache struct {
	cache Cache
	ttl   time.Duration
}

func NewHistoryCache(cache Cache, ttl time.Duration) *HistoryCache {
	return &HistoryCache{cache: cache, ttl: ttl}
}

func historyKey(sessionID uint) string {
	return fmt.Sprintf("chat_history:%d", sessionID)
}

// Get 第二个返回值表示是否命中
func (h *HistoryCache) Get(ctx context.Context, sessionID uint) ([]Turn, bool) {
	raw, ok, err := h.cache.Get(ctx, historyKey(sessionID))
	if err != nil || !ok {
		return nil, false
	}
	var turns []Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		// 缓存内容损坏按未命中处理，后面 Set 会覆盖
		return nil, false
	}
	return turns, true
}

func (h *HistoryCache) Set(ctx context.Context, sessionID uint, turns []Turn) error {
	raw, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	return h.cache.Set(ctx, historyKey(sessionID), string(raw), h.ttl)
}

// Append 在已缓存的历史后追加若干轮并刷新 TTL。
// 未命中时不做读库重建，留给下次读路径处理。
func (h *HistoryCache) Append(ctx context.Context, sessionID uint, existing []Turn, added ...Turn) error {
	return h.Set(ctx, sessionID, append(existing, added...))
}

func (h *HistoryCache) Invalidate(ctx context.Context, sessionID uint) error {
	return h.cache.Delete(ctx, historyKey(sessionID))
}
