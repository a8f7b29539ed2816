package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"apiragfs/internal/conf"
)

// Client 直连 Gemini v1beta REST API 的实现。
// File Search Store 相关接口目前没有 Go SDK 封装，这里直接走 HTTP。
type Client struct {
	apiKey  string
	model   string
	baseURL string
	maxWait int
	httpc   *http.Client
}

var _ Engine = (*Client)(nil)

func NewClient(cfg conf.GeminiConfig) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		maxWait: cfg.UploadMaxWait,
		// 生成接口可能很慢，这里不设置整体超时，靠 ctx 控制
		httpc: &http.Client{},
	}
}

// ---------------------------------------------------------
// 请求/响应结构 (只声明用到的字段)
// ---------------------------------------------------------

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text string `json:"text,omitempty"`
}

type genTool struct {
	FileSearch *fileSearchTool `json:"fileSearch,omitempty"`
}

type fileSearchTool struct {
	FileSearchStoreNames []string `json:"fileSearchStoreNames"`
}

type genRequest struct {
	Contents          []genContent `json:"contents"`
	SystemInstruction *genContent  `json:"systemInstruction,omitempty"`
	Tools             []genTool    `json:"tools,omitempty"`
}

type retrievedContext struct {
	Text         string `json:"text"`
	Title        string `json:"title"`
	URI          string `json:"uri"`
	DocumentName string `json:"documentName"`
}

type genResponse struct {
	Candidates []struct {
		Content           genContent `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				RetrievedContext *retrievedContext `json:"retrievedContext"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

type storeResource struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------
// 基础 HTTP 封装
// ---------------------------------------------------------

func (c *Client) doJSON(ctx context.Context, method, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gemini 接口返回 %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// ---------------------------------------------------------
// Store 管理
// ---------------------------------------------------------

func (c *Client) CreateStore(ctx context.Context, displayName string) (string, error) {
	var out storeResource
	url := c.baseURL + "/v1beta/fileSearchStores"
	if err := c.doJSON(ctx, http.MethodPost, url, map[string]string{"displayName": displayName}, &out); err != nil {
		return "", fmt.Errorf("创建 RAG store 失败: %w", err)
	}
	if out.Name == "" {
		return "", fmt.Errorf("创建 RAG store 失败: 响应缺少 name")
	}
	return out.Name, nil
}

// ValidateStore fail-closed: 任何错误都按无效处理
func (c *Client) ValidateStore(ctx context.Context, storeName string) bool {
	var out storeResource
	url := c.baseURL + "/v1beta/" + storeName
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &out); err != nil {
		log.Printf("⚠️ RAG store 校验失败，按无效处理: %s (%v)", storeName, err)
		return false
	}
	return out.Name != ""
}

func (c *Client) UpdateStore(ctx context.Context, storeName, displayName string) error {
	url := c.baseURL + "/v1beta/" + storeName + "?updateMask=displayName"
	return c.doJSON(ctx, http.MethodPatch, url, map[string]string{"displayName": displayName}, nil)
}

func (c *Client) DeleteStore(ctx context.Context, storeName string) error {
	url := c.baseURL + "/v1beta/" + storeName + "?force=true"
	return c.doJSON(ctx, http.MethodDelete, url, nil, nil)
}

// ---------------------------------------------------------
// 上传 (resumable 协议 + 轮询)
// ---------------------------------------------------------

func (c *Client) Upload(ctx context.Context, storeName string, content []byte, fileName, mimeType string, onProgress ProgressFunc) error {
	// 1. 发起 resumable 上传会话
	meta, _ := json.Marshal(map[string]interface{}{
		"file": map[string]string{"displayName": fileName},
	})
	startURL := fmt.Sprintf("%s/upload/v1beta/%s:uploadToFileSearchStore", c.baseURL, storeName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, startURL, bytes.NewReader(meta))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", fmt.Sprintf("%d", len(content)))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("发起上传失败: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if resp.StatusCode != http.StatusOK || uploadURL == "" {
		return fmt.Errorf("发起上传失败: status=%d", resp.StatusCode)
	}

	// 2. 上传文件内容并 finalize
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	req.Header.Set("X-Goog-Upload-Offset", "0")

	resp, err = c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("上传文件内容失败: %w", err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("上传文件内容失败: status=%d body=%s", resp.StatusCode, truncate(string(raw), 300))
	}

	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return fmt.Errorf("解析上传响应失败: %w", err)
	}

	// 3. 轮询 long-running operation，每 3 秒一次
	elapsed := 0
	for !op.Done && elapsed < c.maxWait {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
		elapsed += 3

		var polled operation
		pollURL := c.baseURL + "/v1beta/" + op.Name
		if err := c.doJSON(ctx, http.MethodGet, pollURL, nil, &polled); err != nil {
			return fmt.Errorf("轮询上传进度失败: %w", err)
		}
		op = polled

		if onProgress != nil {
			onProgress(elapsed)
		}
	}

	if !op.Done {
		return fmt.Errorf("上传超时: %ds 内未完成，请尝试更小的文件或稍后重试", c.maxWait)
	}
	if op.Error != nil {
		return fmt.Errorf("远端处理失败: %s", op.Error.Message)
	}
	return nil
}

// ---------------------------------------------------------
// 生成 (同步 / 流式)
// ---------------------------------------------------------

func (c *Client) buildGenRequest(storeName, prompt, systemInstruction string) *genRequest {
	req := &genRequest{
		Contents: []genContent{{Role: "user", Parts: []genPart{{Text: prompt}}}},
		Tools: []genTool{{FileSearch: &fileSearchTool{
			FileSearchStoreNames: []string{storeName},
		}}},
	}
	if systemInstruction != "" {
		req.SystemInstruction = &genContent{Parts: []genPart{{Text: systemInstruction}}}
	}
	return req
}

func (c *Client) Generate(ctx context.Context, storeName, prompt, systemInstruction string) (*GenerateResult, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)

	var out genResponse
	if err := c.doJSON(ctx, http.MethodPost, url, c.buildGenRequest(storeName, prompt, systemInstruction), &out); err != nil {
		return nil, fmt.Errorf("file search 查询失败: %w", err)
	}

	text, chunks := extractResponse(&out)
	return &GenerateResult{Text: text, GroundingChunks: chunks}, nil
}

// GenerateStream 返回阻塞式 SSE 流。注意：底层 HTTP 读取不支持中途打断，
// 调用方断开后生产者仍会读到结束，结果被丢弃。
func (c *Client) GenerateStream(storeName, prompt, systemInstruction string) (Stream, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)

	raw, err := json.Marshal(c.buildGenRequest(storeName, prompt, systemInstruction))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发起流式查询失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("流式查询返回 %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	return newSSEStream(resp.Body), nil
}

// extractResponse 取出候选文本和 grounding 引用
func extractResponse(out *genResponse) (string, []GroundingChunk) {
	if len(out.Candidates) == 0 {
		return "", nil
	}
	cand := out.Candidates[0]

	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}

	var chunks []GroundingChunk
	if cand.GroundingMetadata != nil {
		for _, gc := range cand.GroundingMetadata.GroundingChunks {
			if gc.RetrievedContext == nil {
				continue
			}
			rc := gc.RetrievedContext
			chunks = append(chunks, GroundingChunk{
				Text:         rc.Text,
				Title:        rc.Title,
				URI:          rc.URI,
				DocumentName: rc.DocumentName,
			})
		}
	}
	return sb.String(), chunks
}

// ---------------------------------------------------------
// SSE 流解析
// ---------------------------------------------------------

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{
		body:   body,
		reader: bufio.NewReaderSize(body, 64*1024),
	}
}

// Recv 阻塞读取下一条 data 帧，流结束返回 io.EOF
func (s *sseStream) Recv() (*StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.body.Close()
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, "data:") {
			continue // 空行或注释帧
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var out genResponse
		if err := json.Unmarshal([]byte(payload), &out); err != nil {
			return nil, fmt.Errorf("解析流式响应失败: %w", err)
		}

		text, chunks := extractResponse(&out)
		return &StreamChunk{Text: text, GroundingChunks: chunks}, nil
	}
}

// ---------------------------------------------------------
// 洞察 / 示例问题 (基于 store 内容的生成任务)
// ---------------------------------------------------------

const insightsPrompt = `你在分析用户上传的文档。

**任务**: 仅基于文档内容生成 3 条简短的洞察 (摘要)。

**硬性规则**:
- 不要编造文档里没有的信息
- 每条洞察 1-2 句话，具体、客观
- 聚焦文档中最重要的信息点

**输出格式** (JSON):
` + "```json" + `
[
  {
    "title": "洞察标题",
    "description": "基于文档的简短描述",
    "icon": "document|chart|lightbulb"
  }
]
` + "```" + `

现在生成这 3 条洞察:`

const questionsPrompt = `你在分析用户上传的文档。

**任务**: 仅基于文档内容生成 6 个实用的示例问题。

**硬性规则**:
- 不要生成泛泛的通用问题
- 只使用文档中真实出现过的主题
- 问题要具体、和内容强相关

**输出格式** (JSON):
` + "```json" + `
[
  {
    "product": "文档中的模块/功能名",
    "questions": ["基于文档的问题?", "另一个问题?"]
  }
]
` + "```" + `

现在生成这 6 个问题:`

func (c *Client) GenerateInsights(ctx context.Context, storeName string) ([]Insight, error) {
	res, err := c.Generate(ctx, storeName, insightsPrompt, "")
	if err != nil {
		return nil, err
	}

	var insights []Insight
	if err := json.Unmarshal([]byte(stripJSONFence(res.Text)), &insights); err != nil {
		return nil, fmt.Errorf("解析洞察 JSON 失败: %w", err)
	}
	if len(insights) > 3 {
		insights = insights[:3]
	}
	return insights, nil
}

func (c *Client) GenerateExampleQuestions(ctx context.Context, storeName string) ([]string, error) {
	res, err := c.Generate(ctx, storeName, questionsPrompt, "")
	if err != nil {
		return nil, err
	}

	// 两种形态都兼容: [{"questions": [...]}] 或 ["问题", ...]
	var grouped []struct {
		Questions []string `json:"questions"`
	}
	payload := stripJSONFence(res.Text)

	var questions []string
	if err := json.Unmarshal([]byte(payload), &grouped); err == nil {
		for _, g := range grouped {
			questions = append(questions, g.Questions...)
		}
	} else {
		var flat []string
		if err := json.Unmarshal([]byte(payload), &flat); err != nil {
			return nil, fmt.Errorf("解析示例问题 JSON 失败: %w", err)
		}
		questions = flat
	}

	if len(questions) > 6 {
		questions = questions[:6]
	}
	return questions, nil
}

// stripJSONFence 去掉模型输出里的 markdown 代码块包装
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
	} else {
		return s
	}
	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
