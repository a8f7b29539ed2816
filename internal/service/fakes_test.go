package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"apiragfs/internal/data"
	"apiragfs/internal/gemini"
	"apiragfs/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeEngine 内存版的检索引擎，按测试需要注入各种失败
type fakeEngine struct {
	mu sync.Mutex

	stores      map[string]bool   // 句柄 -> 是否有效
	labels      map[string]string // 句柄 -> 远端展示名
	createCount int
	createErr   error
	validateErr bool // true 时 ValidateStore 一律返回 false

	uploadErr      error
	uploadProgress []int // 每次回调伪造的 elapsed 秒数

	genResult *gemini.GenerateResult
	genErr    error

	streamChunks []gemini.StreamChunk
	streamErr    error // 在所有 chunk 之后返回 (模拟中途断流)

	insights    []gemini.Insight
	insightsErr error
	questions   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{stores: map[string]bool{}, labels: map[string]string{}}
}

func (f *fakeEngine) CreateStore(ctx context.Context, displayName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createCount++
	name := fmt.Sprintf("fileSearchStores/fake-%d", f.createCount)
	f.stores[name] = true
	f.labels[name] = displayName
	return name, nil
}

func (f *fakeEngine) UpdateStore(ctx context.Context, storeName, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stores[storeName] {
		return fmt.Errorf("store not found: %s", storeName)
	}
	f.labels[storeName] = displayName
	return nil
}

func (f *fakeEngine) ValidateStore(ctx context.Context, storeName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateErr {
		return false
	}
	return f.stores[storeName]
}

func (f *fakeEngine) Upload(ctx context.Context, storeName string, content []byte, fileName, mimeType string, onProgress gemini.ProgressFunc) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	for _, elapsed := range f.uploadProgress {
		onProgress(elapsed)
	}
	return nil
}

func (f *fakeEngine) Generate(ctx context.Context, storeName, prompt, systemInstruction string) (*gemini.GenerateResult, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	if f.genResult != nil {
		return f.genResult, nil
	}
	return &gemini.GenerateResult{Text: "回答: " + prompt}, nil
}

func (f *fakeEngine) GenerateStream(storeName, prompt, systemInstruction string) (gemini.Stream, error) {
	return &fakeStream{chunks: f.streamChunks, finalErr: f.streamErr}, nil
}

func (f *fakeEngine) DeleteStore(ctx context.Context, storeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stores, storeName)
	return nil
}

func (f *fakeEngine) GenerateInsights(ctx context.Context, storeName string) ([]gemini.Insight, error) {
	if f.insightsErr != nil {
		return nil, f.insightsErr
	}
	return f.insights, nil
}

func (f *fakeEngine) GenerateExampleQuestions(ctx context.Context, storeName string) ([]string, error) {
	return f.questions, nil
}

type fakeStream struct {
	chunks   []gemini.StreamChunk
	finalErr error
	pos      int
}

func (s *fakeStream) Recv() (*gemini.StreamChunk, error) {
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return &c, nil
	}
	if s.finalErr != nil {
		return nil, s.finalErr
	}
	return nil, io.EOF
}

// memoryCache 内存版 data.Cache
type memoryCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{m: map[string]string{}}
}

func (c *memoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

var _ data.Cache = (*memoryCache)(nil)

// memoryObjects 内存版 data.ObjectStore
type memoryObjects struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{m: map[string][]byte{}}
}

func (o *memoryObjects) Put(ctx context.Context, objectName string, content []byte, contentType string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[objectName] = content
	return objectName, nil
}

func (o *memoryObjects) Get(ctx context.Context, objectName string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	content, ok := o.m[objectName]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", objectName)
	}
	return content, nil
}

func (o *memoryObjects) Delete(ctx context.Context, objectName string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.m, objectName)
	return nil
}

var _ data.ObjectStore = (*memoryObjects)(nil)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	// 每个测试一个独立的命名内存库；cache=shared 让连接池里的
	// 所有连接看到同一个库 (异步 goroutine 会用到别的连接)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.RagStore{}, &model.Document{},
		&model.ChatSession{}, &model.Message{},
	))
	return db
}

func createDoc(t *testing.T, db *gorm.DB, userID uint, department string) *model.Document {
	t.Helper()
	doc := &model.Document{
		UserID:     userID,
		Name:       "report.pdf",
		Type:       "PDF",
		Size:       1024,
		Department: department,
		Status:     model.StatusUploaded,
	}
	require.NoError(t, db.Create(doc).Error)
	return doc
}

func createSession(t *testing.T, db *gorm.DB, userID uint, storeName string) *model.ChatSession {
	t.Helper()
	sess := &model.ChatSession{
		UserID:       userID,
		RagStoreName: storeName,
		StartedAt:    time.Now(),
	}
	require.NoError(t, db.Create(sess).Error)
	return sess
}
