// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/gin-gonic/gin"
)

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.write(c, http.StatusOK, data, message...)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	if len(message) == 0 {
		message = []string{"资源创建成功"}
	}
	rh.write(c, http.StatusCreated, data, message...)
}

// Accepted 后台任务已受理
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	if len(message) == 0 {
		message = []string{"任务已开始"}
	}
	rh.write(c, http.StatusAccepted, data, message...)
}

func (rh *ResponseHelper) write(c *gin.Context, status int, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	}

	c.JSON(status, response)
}

// sanitizeErrorMessage removes credentials from error messages before they leave the process
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"password", "secret", "token", "postgres://", "postgresql://", "nats://"} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}

	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	response := &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	c.JSON(statusCode, response)
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...string) {
	rh.Error(c, http.StatusNotFound, rh.getResourceNotFoundCode(resource), resource+"不存在", details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

// FromError 按错误类型选择状态码与错误代码
func (rh *ResponseHelper) FromError(c *gin.Context, err error, message string) {
	status, code := statusForError(err)
	rh.Error(c, status, code, message, err.Error())
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrDraftNotFound):
		return http.StatusNotFound, ErrorDraftNotFound
	case errors.Is(err, apperrors.ErrSnapshotMissing):
		return http.StatusNotFound, ErrorSnapshotMissing
	case errors.Is(err, apperrors.ErrSnapshotClientMismatch):
		return http.StatusConflict, ErrorSnapshotClientMismatch
	case errors.Is(err, apperrors.ErrJobInFlight), errors.Is(err, apperrors.ErrLeaseHeld):
		return http.StatusConflict, ErrorSubmissionInFlight
	case errors.Is(err, apperrors.ErrDraftNotReady):
		return http.StatusUnprocessableEntity, ErrorDraftNotReady
	case errors.Is(err, apperrors.ErrClientNotSelected):
		return http.StatusUnprocessableEntity, ErrorClientNotSelected
	}

	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, ErrorConflict
	case apperrors.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable, ErrorUnavailable
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, ErrorUnavailable
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	if requestID := c.GetString("request_id"); requestID != "" {
		return requestID
	}
	return ""
}

// getResourceNotFoundCode 根据资源类型生成错误代码
func (rh *ResponseHelper) getResourceNotFoundCode(resource string) string {
	switch resource {
	case "草稿", "draft":
		return ErrorDraftNotFound
	case "快照", "snapshot":
		return ErrorSnapshotMissing
	default:
		return ErrorNotFound
	}
}
