package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"apiragfs/internal/data"
	"apiragfs/internal/gemini"
	"apiragfs/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChunkEvent 推给 SSE 消费者的单帧事件。
// 四种 type: content / grounding / done / error，
// 前端按 type 分发，omitempty 保证每帧只带自己关心的字段。
type ChunkEvent struct {
	Type            string                 `json:"type"`
	Text            string                 `json:"text,omitempty"`
	FullText        string                 `json:"full_text,omitempty"`
	GroundingChunks []gemini.GroundingChunk `json:"grounding_chunks,omitempty"`
	Message         string                 `json:"message,omitempty"`
}

// StreamBridge 把阻塞式的 Recv 流转成带缓冲的事件通道，
// 并在流正常收尾时负责一次性落库 (用户消息 + 助手消息同一事务)。
// 出错或消费者中途放弃时会话状态保持不变，什么都不写。
type StreamBridge struct {
	db           *gorm.DB
	engine       gemini.Engine
	history      *data.HistoryCache
	systemPrompt string
}

func NewStreamBridge(db *gorm.DB, engine gemini.Engine, history *data.HistoryCache, systemPrompt string) *StreamBridge {
	return &StreamBridge{db: db, engine: engine, history: history, systemPrompt: systemPrompt}
}

// BuildPrompt 把历史对话拼进提示词。历史为空就直接用原始问题。
func BuildPrompt(turns []data.Turn, query string) string {
	if len(turns) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString("以下是之前的对话历史:\n\n")
	for _, t := range turns {
		label := "用户"
		if t.Role == model.RoleModel {
			label = "助手"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Content)
	}
	b.WriteString("\n当前问题: ")
	b.WriteString(query)
	return b.String()
}

// Run 启动流式问答。返回的通道由内部 goroutine 写入并负责关闭；
// ctx 取消 (客户端断开) 后不再发送任何事件，底层流继续读完但结果整体丢弃。
// done 事件只在两条消息都落库成功之后才会发出。
func (s *StreamBridge) Run(ctx context.Context, session *model.ChatSession, query string, turns []data.Turn) <-chan ChunkEvent {
	events := make(chan ChunkEvent, 10)

	go func() {
		defer close(events)

		emit := func(ev ChunkEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stream, err := s.engine.GenerateStream(session.RagStoreName, BuildPrompt(turns, query), s.systemPrompt)
		if err != nil {
			log.Printf("❌ 启动流式生成失败: session=%d err=%v", session.ID, err)
			emit(ChunkEvent{Type: "error", Message: err.Error()})
			return
		}

		var full strings.Builder
		var grounding []gemini.GroundingChunk
		abandoned := false

		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				log.Printf("❌ 流式生成中断: session=%d err=%v", session.ID, err)
				if !abandoned {
					emit(ChunkEvent{Type: "error", Message: err.Error()})
				}
				return
			}

			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				if !abandoned && !emit(ChunkEvent{Type: "content", Text: chunk.Text}) {
					// 消费者走了：继续把流读完释放连接，但不再发送也不落库
					abandoned = true
				}
			}
			if chunk.GroundingChunks != nil {
				// 整组替换，后到的覆盖先到的
				grounding = chunk.GroundingChunks
				if !abandoned && !emit(ChunkEvent{Type: "grounding", GroundingChunks: chunk.GroundingChunks}) {
					abandoned = true
				}
			}
		}

		if abandoned || ctx.Err() != nil {
			log.Printf("⚠️ 客户端已断开，丢弃本轮回答: session=%d", session.ID)
			return
		}

		answer := full.String()
		if err := s.finish(ctx, session, turns, query, answer, grounding); err != nil {
			log.Printf("❌ 保存对话失败: session=%d err=%v", session.ID, err)
			emit(ChunkEvent{Type: "error", Message: "保存对话失败"})
			return
		}

		emit(ChunkEvent{Type: "done", FullText: answer, GroundingChunks: grounding})
	}()

	return events
}

// finish 一个事务内写入 用户消息 + 助手消息 并把计数 +2，
// 然后 best-effort 追加历史缓存 (缓存失败不影响结果)。
func (s *StreamBridge) finish(ctx context.Context, session *model.ChatSession, turns []data.Turn, query, answer string, grounding []gemini.GroundingChunk) error {
	var groundingJSON datatypes.JSON
	if len(grounding) > 0 {
		raw, _ := json.Marshal(grounding)
		groundingJSON = datatypes.JSON(raw)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		userMsg := model.Message{SessionID: session.ID, Role: model.RoleUser, Content: query}
		if err := tx.Create(&userMsg).Error; err != nil {
			return err
		}
		modelMsg := model.Message{SessionID: session.ID, Role: model.RoleModel, Content: answer, GroundingChunks: groundingJSON}
		if err := tx.Create(&modelMsg).Error; err != nil {
			return err
		}
		return tx.Model(&model.ChatSession{}).Where("id = ?", session.ID).
			UpdateColumn("message_count", gorm.Expr("message_count + ?", 2)).Error
	})
	if err != nil {
		return err
	}

	if err := s.history.Append(ctx, session.ID, turns,
		data.Turn{Role: model.RoleUser, Content: query},
		data.Turn{Role: model.RoleModel, Content: answer},
	); err != nil {
		log.Printf("⚠️ 历史缓存更新失败 (非关键): session=%d err=%v", session.ID, err)
	}
	return nil
}
