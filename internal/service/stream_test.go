package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"apiragfs/internal/data"
	"apiragfs/internal/gemini"
	"apiragfs/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newBridge(t *testing.T, engine *fakeEngine) (*StreamBridge, *gorm.DB, *memoryCache) {
	t.Helper()
	db := testDB(t)
	cache := newMemoryCache()
	history := data.NewHistoryCache(cache, time.Hour)
	return NewStreamBridge(db, engine, history, "系统提示"), db, cache
}

func collect(ch <-chan ChunkEvent) []ChunkEvent {
	var events []ChunkEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestRun_ContentConcatMatchesDone(t *testing.T) {
	engine := newFakeEngine()
	engine.streamChunks = []gemini.StreamChunk{
		{Text: "甲"},
		{Text: "乙丙"},
		{Text: "丁"},
	}
	bridge, db, _ := newBridge(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	events := collect(bridge.Run(context.Background(), sess, "问题", nil))

	var concat string
	var done *ChunkEvent
	for i := range events {
		switch events[i].Type {
		case "content":
			concat += events[i].Text
		case "done":
			done = &events[i]
		}
	}
	require.NotNil(t, done, "正常结束必须有 done 事件")
	assert.Equal(t, "甲乙丙丁", concat)
	assert.Equal(t, concat, done.FullText, "content 增量拼接必须和 done 的全文逐字节一致")
	// done 永远是最后一个事件
	assert.Equal(t, "done", events[len(events)-1].Type)
}

func TestRun_GroundingLastWins(t *testing.T) {
	engine := newFakeEngine()
	first := []gemini.GroundingChunk{{Title: "旧来源", URI: "a"}}
	second := []gemini.GroundingChunk{{Title: "新来源", URI: "b"}, {Title: "新来源2", URI: "c"}}
	engine.streamChunks = []gemini.StreamChunk{
		{Text: "答", GroundingChunks: first},
		{GroundingChunks: second},
		{Text: "案"},
	}
	bridge, db, _ := newBridge(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	events := collect(bridge.Run(context.Background(), sess, "问题", nil))

	done := events[len(events)-1]
	require.Equal(t, "done", done.Type)
	require.Len(t, done.GroundingChunks, 2, "引用集合整体替换，以最后一次为准")
	assert.Equal(t, "新来源", done.GroundingChunks[0].Title)

	// 落库的 model 消息也带最终引用
	var msg model.Message
	require.NoError(t, db.Where("session_id = ? AND role = ?", sess.ID, model.RoleModel).First(&msg).Error)
	var stored []gemini.GroundingChunk
	require.NoError(t, json.Unmarshal(msg.GroundingChunks, &stored))
	assert.Len(t, stored, 2)
}

func TestRun_DonePersistsBothMessages(t *testing.T) {
	engine := newFakeEngine()
	engine.streamChunks = []gemini.StreamChunk{{Text: "回答内容"}}
	bridge, db, cache := newBridge(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	prior := []data.Turn{
		{Role: model.RoleUser, Content: "旧问题"},
		{Role: model.RoleModel, Content: "旧回答"},
	}
	events := collect(bridge.Run(context.Background(), sess, "新问题", prior))
	require.Equal(t, "done", events[len(events)-1].Type)

	var msgs []model.Message
	require.NoError(t, db.Where("session_id = ?", sess.ID).Order("id ASC").Find(&msgs).Error)
	require.Len(t, msgs, 2, "一轮问答正好两条消息")
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "新问题", msgs[0].Content)
	assert.Equal(t, model.RoleModel, msgs[1].Role)
	assert.Equal(t, "回答内容", msgs[1].Content)

	var got model.ChatSession
	require.NoError(t, db.First(&got, sess.ID).Error)
	assert.Equal(t, 2, got.MessageCount)

	// 缓存 = 旧历史 + 新一轮
	raw, ok, _ := cache.Get(context.Background(), "chat_history:1")
	require.True(t, ok)
	var turns []data.Turn
	require.NoError(t, json.Unmarshal([]byte(raw), &turns))
	require.Len(t, turns, 4)
	assert.Equal(t, "新问题", turns[2].Content)
	assert.Equal(t, "回答内容", turns[3].Content)
}

func TestRun_MidStreamErrorPersistsNothing(t *testing.T) {
	engine := newFakeEngine()
	engine.streamChunks = []gemini.StreamChunk{{Text: "部分"}}
	engine.streamErr = errors.New("上游断流")
	bridge, db, _ := newBridge(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	events := collect(bridge.Run(context.Background(), sess, "问题", nil))

	last := events[len(events)-1]
	assert.Equal(t, "error", last.Type)
	assert.Contains(t, last.Message, "断流")

	var count int64
	db.Model(&model.Message{}).Where("session_id = ?", sess.ID).Count(&count)
	assert.Zero(t, count, "出错的回合不留任何痕迹")

	var got model.ChatSession
	require.NoError(t, db.First(&got, sess.ID).Error)
	assert.Zero(t, got.MessageCount)
}

func TestRun_CancelledConsumerDiscardsTurn(t *testing.T) {
	engine := newFakeEngine()
	engine.streamChunks = []gemini.StreamChunk{
		{Text: "一"}, {Text: "二"}, {Text: "三"},
	}
	bridge, db, _ := newBridge(t, engine)
	sess := createSession(t, db, 1, "fileSearchStores/s1")

	// 消费者在流开始前就已断开 (最坏情况)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := collect(bridge.Run(ctx, sess, "问题", nil))

	for _, ev := range events {
		assert.NotEqual(t, "done", ev.Type, "客户端断开后不应再有 done")
	}

	// 通道已关闭即 goroutine 退出，此时落库与否已定
	var count int64
	db.Model(&model.Message{}).Where("session_id = ?", sess.ID).Count(&count)
	assert.Zero(t, count, "被放弃的回合不落库")
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "直接问", BuildPrompt(nil, "直接问"))

	turns := []data.Turn{
		{Role: model.RoleUser, Content: "之前的问题"},
		{Role: model.RoleModel, Content: "之前的回答"},
	}
	prompt := BuildPrompt(turns, "现在的问题")
	assert.Contains(t, prompt, "用户: 之前的问题")
	assert.Contains(t, prompt, "助手: 之前的回答")
	assert.Contains(t, prompt, "当前问题: 现在的问题")
}
