package service

import "errors"

// 哨兵错误，Handler 据此映射 HTTP 状态码
var (
	// ErrNotFound 资源不存在 (404)
	ErrNotFound = errors.New("记录不存在")

	// ErrValidation 入参不合法 (400)，同步拒绝，不产生任何状态
	ErrValidation = errors.New("参数校验失败")

	// ErrStoreUnavailable 会话绑定的 RAG store 在远端已失效 (410)
	ErrStoreUnavailable = errors.New("RAG store 已失效")

	// ErrSessionEnded 会话已终结，不能继续提问 (410)
	ErrSessionEnded = errors.New("会话已结束")
)
