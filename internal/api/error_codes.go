// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorUnavailable   = "SERVICE_UNAVAILABLE"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 草稿相关错误
	ErrorDraftNotFound      = "DRAFT_NOT_FOUND"
	ErrorDraftNotReady      = "DRAFT_NOT_READY"
	ErrorDraftCreateFailed  = "DRAFT_CREATE_FAILED"
	ErrorDraftDeleteFailed  = "DRAFT_DELETE_FAILED"
	ErrorClientNotSelected  = "CLIENT_NOT_SELECTED"
	ErrorWorkspaceMissing   = "WORKSPACE_MISSING"
	ErrorSubmissionInFlight = "SUBMISSION_IN_FLIGHT"

	// 快照相关错误
	ErrorSnapshotMissing        = "SNAPSHOT_MISSING"
	ErrorSnapshotClientMismatch = "SNAPSHOT_CLIENT_MISMATCH"

	// 演示文稿相关错误
	ErrorDeckInFlight = "DECK_IN_FLIGHT"
	ErrorDeckNotReady = "DECK_DRAFT_NOT_READY"
)
