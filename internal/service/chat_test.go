package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"apiragfs/internal/data"
	"apiragfs/internal/gemini"
	"apiragfs/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newChatService(t *testing.T, engine *fakeEngine) (*ChatService, *gorm.DB, *memoryCache) {
	t.Helper()
	db := testDB(t)
	cache := newMemoryCache()
	history := data.NewHistoryCache(cache, time.Hour)
	return NewChatService(db, engine, history, cache, "系统提示"), db, cache
}

func liveStore(engine *fakeEngine, name string) {
	engine.mu.Lock()
	engine.stores[name] = true
	engine.mu.Unlock()
}

func TestCreateSession_RejectsDeadStore(t *testing.T) {
	engine := newFakeEngine()
	svc, _, _ := newChatService(t, engine)

	_, err := svc.CreateSession(context.Background(), 1, "fileSearchStores/missing")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCreateSession_OK(t *testing.T) {
	engine := newFakeEngine()
	liveStore(engine, "fileSearchStores/s1")
	svc, db, _ := newChatService(t, engine)

	sess, err := svc.CreateSession(context.Background(), 1, "fileSearchStores/s1")
	require.NoError(t, err)
	assert.Nil(t, sess.EndedAt)
	assert.Zero(t, sess.MessageCount)

	var got model.ChatSession
	require.NoError(t, db.First(&got, sess.ID).Error)
	assert.Equal(t, "fileSearchStores/s1", got.RagStoreName)
}

func TestQuery_TwoRoundsAccumulate(t *testing.T) {
	engine := newFakeEngine()
	liveStore(engine, "fileSearchStores/s1")
	engine.genResult = &gemini.GenerateResult{Text: "第一轮回答"}
	svc, db, cache := newChatService(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	answer, _, err := svc.Query(context.Background(), 1, sess.ID, "第一个问题")
	require.NoError(t, err)
	assert.Equal(t, "第一轮回答", answer)

	engine.genResult = &gemini.GenerateResult{Text: "第二轮回答"}
	_, _, err = svc.Query(context.Background(), 1, sess.ID, "第二个问题")
	require.NoError(t, err)

	var got model.ChatSession
	require.NoError(t, db.First(&got, sess.ID).Error)
	assert.Equal(t, 4, got.MessageCount)

	var msgs []model.Message
	require.NoError(t, db.Where("session_id = ?", sess.ID).Order("id ASC").Find(&msgs).Error)
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{model.RoleUser, model.RoleModel, model.RoleUser, model.RoleModel},
		[]string{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role})

	raw, ok, _ := cache.Get(context.Background(), "chat_history:1")
	require.True(t, ok)
	var turns []data.Turn
	require.NoError(t, json.Unmarshal([]byte(raw), &turns))
	require.Len(t, turns, 4)
	assert.Equal(t, "第二轮回答", turns[3].Content)
}

func TestQuery_DeadStoreEndsSession(t *testing.T) {
	engine := newFakeEngine()
	svc, db, _ := newChatService(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/dead")

	_, _, err := svc.Query(context.Background(), 1, sess.ID, "问题")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// 会话被单向标记结束
	var got model.ChatSession
	require.NoError(t, db.First(&got, sess.ID).Error)
	require.NotNil(t, got.EndedAt)

	// 再问就是"会话已结束"，不再碰远端
	_, _, err = svc.Query(context.Background(), 1, sess.ID, "再问")
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestQuery_WrongUserGetsNotFound(t *testing.T) {
	engine := newFakeEngine()
	liveStore(engine, "fileSearchStores/s1")
	svc, db, _ := newChatService(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	_, _, err := svc.Query(context.Background(), 2, sess.ID, "问题")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadHistory_RebuildsFromRows(t *testing.T) {
	engine := newFakeEngine()
	liveStore(engine, "fileSearchStores/s1")
	svc, db, cache := newChatService(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	// 库里有历史，缓存是冷的
	require.NoError(t, db.Create(&model.Message{SessionID: sess.ID, Role: model.RoleUser, Content: "库里的问题"}).Error)
	require.NoError(t, db.Create(&model.Message{SessionID: sess.ID, Role: model.RoleModel, Content: "库里的回答"}).Error)

	turns, err := svc.loadHistory(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "库里的问题", turns[0].Content)

	// 回填后缓存命中
	_, ok, _ := cache.Get(context.Background(), "chat_history:1")
	assert.True(t, ok)
}

func TestEndSession_InvalidatesCache(t *testing.T) {
	engine := newFakeEngine()
	liveStore(engine, "fileSearchStores/s1")
	svc, db, cache := newChatService(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	_, _, err := svc.Query(context.Background(), 1, sess.ID, "问题")
	require.NoError(t, err)

	require.NoError(t, svc.EndSession(context.Background(), 1, sess.ID))

	var got model.ChatSession
	require.NoError(t, db.First(&got, sess.ID).Error)
	assert.NotNil(t, got.EndedAt)

	_, ok, _ := cache.Get(context.Background(), "chat_history:1")
	assert.False(t, ok)

	// store 是共享的，EndSession 不应删远端
	assert.True(t, engine.ValidateStore(context.Background(), "fileSearchStores/s1"))
}

func TestInsights_CacheHitSkipsEngine(t *testing.T) {
	engine := newFakeEngine()
	engine.insightsErr = assert.AnError // 命中缓存时不应走到这里
	svc, _, cache := newChatService(t, engine)

	cached := []gemini.Insight{{Title: "缓存的洞察", Icon: "chart"}}
	raw, _ := json.Marshal(cached)
	require.NoError(t, cache.Set(context.Background(), "insights:fileSearchStores/s1", string(raw), time.Hour))

	insights, err := svc.Insights(context.Background(), "fileSearchStores/s1")
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "缓存的洞察", insights[0].Title)
}

func TestInsights_MissGeneratesAndCaches(t *testing.T) {
	engine := newFakeEngine()
	engine.insights = []gemini.Insight{{Title: "现算的洞察", Icon: "lightbulb"}}
	svc, _, cache := newChatService(t, engine)

	insights, err := svc.Insights(context.Background(), "fileSearchStores/s1")
	require.NoError(t, err)
	require.Len(t, insights, 1)

	raw, ok, _ := cache.Get(context.Background(), "insights:fileSearchStores/s1")
	require.True(t, ok)
	assert.Contains(t, raw, "现算的洞察")
}

func TestCleanupOrphanedSessions(t *testing.T) {
	engine := newFakeEngine()
	liveStore(engine, "fileSearchStores/alive")
	svc, db, _ := newChatService(t, engine)

	alive := createSession(t, db, 1, "fileSearchStores/alive")
	dead1 := createSession(t, db, 1, "fileSearchStores/dead")
	dead2 := createSession(t, db, 1, "fileSearchStores/dead")

	count, err := svc.CleanupOrphanedSessions(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var got model.ChatSession
	require.NoError(t, db.First(&got, alive.ID).Error)
	assert.Nil(t, got.EndedAt)
	for _, id := range []uint{dead1.ID, dead2.ID} {
		got = model.ChatSession{}
		require.NoError(t, db.First(&got, id).Error)
		assert.NotNil(t, got.EndedAt)
	}
}
