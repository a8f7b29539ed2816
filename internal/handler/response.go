package handler

import (
	"errors"
	"net/http"

	"apiragfs/internal/service"

	"github.com/gin-gonic/gin"
)

// fail 统一的业务错误 -> HTTP 状态码映射
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrStoreUnavailable), errors.Is(err, service.ErrSessionEnded):
		// store/会话已经不在了，结果是永久性的，客户端不应重试
		status = http.StatusGone
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
