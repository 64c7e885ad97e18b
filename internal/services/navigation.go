// internal/services/navigation.go
package services

import (
	"context"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
)

// PlaceholderDocument 占位窗口中显示的最小文档
const PlaceholderDocument = `<!doctype html><title>Preparing presentation…</title>` +
	`<body style="font-family:sans-serif;display:flex;align-items:center;justify-content:center;height:100vh">` +
	`<p>Preparing your presentation…</p></body>`

// PendingWindow 已打开、稍后再导航的占位窗口
type PendingWindow interface {
	ID() string
	WriteDocument(html string) error
	NavigateTo(url string) error
	Close() error
	// Closed 用户是否已自行关闭
	Closed() bool
}

// WindowOpener 窗口通道
type WindowOpener interface {
	// OpenPlaceholder 同步打开占位窗口；没有可用通道时返回 ErrWindowUnavailable
	OpenPlaceholder(ctx context.Context) (PendingWindow, error)
	// OpenTab 在新标签页打开地址
	OpenTab(ctx context.Context, url string) error
}

// NullWindowOpener 没有浏览器通道时使用，所有打开操作都失败
type NullWindowOpener struct{}

// OpenPlaceholder 总是失败
func (NullWindowOpener) OpenPlaceholder(context.Context) (PendingWindow, error) {
	return nil, apperrors.ErrWindowUnavailable
}

// OpenTab 总是失败
func (NullWindowOpener) OpenTab(context.Context, string) error {
	return apperrors.ErrWindowUnavailable
}
