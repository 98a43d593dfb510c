package api

import (
	"errors"
	"net/http"

	"terminal/internal/sanitize"

	"github.com/gin-gonic/gin"
)

var (
	ErrImageNotFound    = errors.New("image not found")
	ErrUnsupportedImage = errors.New("unsupported image type")
	ErrHistoryDisabled  = errors.New("session history is not enabled")
	ErrSessionNotFound  = errors.New("session not found")
)

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

// mapSanitizeError 把路径/slug 校验错误映射为 HTTP 状态码
func mapSanitizeError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, sanitize.ErrSlugNotWhitelisted):
		return http.StatusNotFound
	case errors.Is(err, sanitize.ErrPathEscape):
		return http.StatusForbidden
	case errors.Is(err, sanitize.ErrInvalidSlugFormat), errors.Is(err, sanitize.ErrInvalidFileName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
