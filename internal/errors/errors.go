// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation_error"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeError       ErrorType = "processing_error"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeTimeout     ErrorType = "timeout"
)

// 流水线哨兵错误
var (
	ErrDraftNotFound          = errors.New("草稿不存在")
	ErrDraftNotReady          = errors.New("表单没有可保存的内容")
	ErrClientNotSelected      = errors.New("未选择客户")
	ErrJobInFlight            = errors.New("已有任务正在执行")
	ErrSnapshotMissing        = errors.New("没有可恢复的提交快照")
	ErrSnapshotClientMismatch = errors.New("快照所属客户与当前客户不一致")
	ErrWindowUnavailable      = errors.New("没有可用的窗口通道")
	ErrLeaseHeld              = errors.New("租约被其他会话持有")
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewUnavailableError 创建存储/传输不可用错误
func NewUnavailableError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeUnavailable, message, originalError)
}

// TypeOf 返回错误类型，非 AppError 返回处理错误
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	switch {
	case errors.Is(err, ErrDraftNotFound), errors.Is(err, ErrSnapshotMissing):
		return ErrorTypeNotFound
	case errors.Is(err, ErrJobInFlight), errors.Is(err, ErrLeaseHeld), errors.Is(err, ErrSnapshotClientMismatch):
		return ErrorTypeConflict
	case errors.Is(err, ErrDraftNotReady), errors.Is(err, ErrClientNotSelected):
		return ErrorTypeValidation
	}
	return ErrorTypeError
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return err != nil && TypeOf(err) == ErrorTypeValidation
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return err != nil && TypeOf(err) == ErrorTypeNotFound
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return err != nil && TypeOf(err) == ErrorTypeConflict
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeUnavailable:
		return "UNAVAILABLE"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
