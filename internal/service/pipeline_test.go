package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"apiragfs/internal/gemini"
	"apiragfs/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeline(t *testing.T, engine *fakeEngine) (*IngestionPipeline, *memoryCache, *StoreRegistry) {
	t.Helper()
	db := testDB(t)
	cache := newMemoryCache()
	registry := NewStoreRegistry(db, engine)
	return NewIngestionPipeline(db, engine, registry, cache, 300), cache, registry
}

func TestUploadProgress(t *testing.T) {
	assert.Equal(t, 50, uploadProgress(0, 300))
	assert.Equal(t, 65, uploadProgress(150, 300))
	assert.Equal(t, 80, uploadProgress(300, 300))
	// 超时边界之外也钉在 80，不会越过去
	assert.Equal(t, 80, uploadProgress(400, 300))
}

func TestProcess_HappyPath(t *testing.T) {
	engine := newFakeEngine()
	pipeline, _, _ := newPipeline(t, engine)
	doc := createDoc(t, pipeline.db, 1, "finance")

	content := bytes.Repeat([]byte("a"), 5000)
	pipeline.Process(doc.ID, content, "report.pdf", 1, "finance")

	var got model.Document
	require.NoError(t, pipeline.db.First(&got, doc.ID).Error)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Equal(t, "Gemini File API", got.ExtractionMethod)
	require.NotNil(t, got.RagStoreName)
	assert.NotEmpty(t, *got.RagStoreName)
	require.NotNil(t, got.TextLength)
	assert.Equal(t, 5000, *got.TextLength)
	require.NotNil(t, got.ChunkCount)
	assert.Equal(t, 5, *got.ChunkCount)
	require.NotNil(t, got.ProcessingTimeMs)
}

func TestProcess_TinyDocGetsOneChunk(t *testing.T) {
	engine := newFakeEngine()
	pipeline, _, _ := newPipeline(t, engine)
	doc := createDoc(t, pipeline.db, 1, "finance")

	pipeline.Process(doc.ID, []byte("hi"), "note.txt", 1, "finance")

	var got model.Document
	require.NoError(t, pipeline.db.First(&got, doc.ID).Error)
	require.NotNil(t, got.ChunkCount)
	assert.Equal(t, 1, *got.ChunkCount, "再小的文档也至少算 1 个 chunk")
}

func TestProcess_UploadErrorZerosProgress(t *testing.T) {
	engine := newFakeEngine()
	engine.uploadErr = errors.New("上传超时: 300s 内未完成")
	pipeline, _, _ := newPipeline(t, engine)
	doc := createDoc(t, pipeline.db, 1, "finance")

	pipeline.Process(doc.ID, []byte("content"), "report.pdf", 1, "finance")

	var got model.Document
	require.NoError(t, pipeline.db.First(&got, doc.ID).Error)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, 0, got.ProgressPercent)
	// 异常消息原样保留，不截断不改写
	assert.Equal(t, "上传超时: 300s 内未完成", got.ErrorMessage)
	assert.Nil(t, got.RagStoreName)
}

func TestProcess_UploadProgressUpdatesRow(t *testing.T) {
	engine := newFakeEngine()
	engine.uploadProgress = []int{150}
	pipeline, _, _ := newPipeline(t, engine)
	doc := createDoc(t, pipeline.db, 1, "finance")

	pipeline.Process(doc.ID, []byte("content"), "report.pdf", 1, "finance")

	// 跑完是 completed，但中间回调把 65% 写进过数据库
	// (这里只能验证终态；回调路径由 uploadProgress 的单测覆盖)
	var got model.Document
	require.NoError(t, pipeline.db.First(&got, doc.ID).Error)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestProcess_InsightsFailureDoesNotFailDocument(t *testing.T) {
	engine := newFakeEngine()
	engine.insightsErr = errors.New("quota exceeded")
	pipeline, cache, _ := newPipeline(t, engine)
	doc := createDoc(t, pipeline.db, 1, "finance")

	pipeline.Process(doc.ID, []byte("content"), "report.pdf", 1, "finance")

	var got model.Document
	require.NoError(t, pipeline.db.First(&got, doc.ID).Error)
	assert.Equal(t, model.StatusCompleted, got.Status)

	_, ok, _ := cache.Get(context.Background(), "insights:"+*got.RagStoreName)
	assert.False(t, ok)
}

func TestProcess_WarmsInsightsCache(t *testing.T) {
	engine := newFakeEngine()
	engine.insights = []gemini.Insight{
		{Title: "核心主题", Description: "财务季度报告", Icon: "document"},
	}
	pipeline, cache, _ := newPipeline(t, engine)
	doc := createDoc(t, pipeline.db, 1, "finance")

	pipeline.Process(doc.ID, []byte("content"), "report.pdf", 1, "finance")

	var got model.Document
	require.NoError(t, pipeline.db.First(&got, doc.ID).Error)
	raw, ok, _ := cache.Get(context.Background(), "insights:"+*got.RagStoreName)
	assert.True(t, ok)
	assert.Contains(t, raw, "核心主题")
}

func TestReset_ClearsDerivedFields(t *testing.T) {
	engine := newFakeEngine()
	pipeline, _, _ := newPipeline(t, engine)
	doc := createDoc(t, pipeline.db, 1, "finance")

	pipeline.Process(doc.ID, bytes.Repeat([]byte("a"), 2000), "report.pdf", 1, "finance")
	require.NoError(t, pipeline.Reset(doc.ID))

	var got model.Document
	require.NoError(t, pipeline.db.First(&got, doc.ID).Error)
	assert.Equal(t, model.StatusUploaded, got.Status)
	assert.Equal(t, 0, got.ProgressPercent)
	assert.Empty(t, got.StatusMessage)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.ExtractionMethod)
	assert.Nil(t, got.RagStoreName)
	assert.Nil(t, got.TextLength)
	assert.Nil(t, got.ChunkCount)
	assert.Nil(t, got.ProcessingTimeMs)
}

func TestReset_MissingDocReturnsNotFound(t *testing.T) {
	engine := newFakeEngine()
	pipeline, _, _ := newPipeline(t, engine)
	assert.ErrorIs(t, pipeline.Reset(999), ErrNotFound)
}

func TestMoveToGroup_ChangesDepartmentAndResets(t *testing.T) {
	engine := newFakeEngine()
	pipeline, _, _ := newPipeline(t, engine)
	doc := createDoc(t, pipeline.db, 1, "finance")

	pipeline.Process(doc.ID, []byte("content"), "report.pdf", 1, "finance")
	require.NoError(t, pipeline.MoveToGroup(doc.ID, "legal"))

	var got model.Document
	require.NoError(t, pipeline.db.First(&got, doc.ID).Error)
	assert.Equal(t, "legal", got.Department)
	assert.Equal(t, model.StatusUploaded, got.Status)
	assert.Nil(t, got.RagStoreName)
}

func TestReconcile_ResetsGroupWithDeadStore(t *testing.T) {
	engine := newFakeEngine()
	pipeline, _, _ := newPipeline(t, engine)

	doc1 := createDoc(t, pipeline.db, 1, "finance")
	doc2 := createDoc(t, pipeline.db, 1, "finance")
	doc3 := createDoc(t, pipeline.db, 1, "legal")
	pipeline.Process(doc1.ID, []byte("one"), "a.txt", 1, "finance")
	pipeline.Process(doc2.ID, []byte("two"), "b.txt", 1, "finance")
	pipeline.Process(doc3.ID, []byte("three"), "c.txt", 1, "legal")

	var done model.Document
	require.NoError(t, pipeline.db.First(&done, doc1.ID).Error)
	deadStore := *done.RagStoreName

	engine.mu.Lock()
	delete(engine.stores, deadStore)
	engine.mu.Unlock()

	checks, err := pipeline.Reconcile(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, checks, 2)

	byDept := map[string]GroupCheck{}
	for _, c := range checks {
		byDept[c.Department] = c
	}
	assert.False(t, byDept["finance"].Valid)
	assert.Equal(t, int64(2), byDept["finance"].ResetCount)
	assert.True(t, byDept["legal"].Valid)
	assert.Equal(t, int64(0), byDept["legal"].ResetCount)

	// finance 组整体重置，legal 组不受影响
	for _, id := range []uint{doc1.ID, doc2.ID} {
		var got model.Document
		require.NoError(t, pipeline.db.First(&got, id).Error)
		assert.Equal(t, model.StatusUploaded, got.Status)
		assert.Nil(t, got.RagStoreName)
	}
	var untouched model.Document
	require.NoError(t, pipeline.db.First(&untouched, doc3.ID).Error)
	assert.Equal(t, model.StatusCompleted, untouched.Status)

	// 失效句柄从映射表里清掉，下次处理会重建
	var store model.RagStore
	require.NoError(t, pipeline.db.Where("user_id = ? AND name = ?", 1, "finance").First(&store).Error)
	assert.Empty(t, store.StoreName)
}
