// internal/api/websocket.go
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Corphon/ProposalPilot/internal/errors"
	"github.com/Corphon/ProposalPilot/internal/services"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 控制台与 API 同源部署，跨域由 CORS 中间件处理
		return true
	},
}

// 窗口通道消息类型
const (
	msgWindowOpen     = "window.open"
	msgWindowWrite    = "window.write"
	msgWindowNavigate = "window.navigate"
	msgWindowClose    = "window.close"
	msgWindowClosed   = "window.closed"
	msgWindowBlocked  = "window.blocked"
	msgTabOpen        = "tab.open"
	msgNotice         = "notice"
	msgProgress       = "progress"
)

// WebSocketClient 表示一个浏览器标签页的 WebSocket 连接
type WebSocketClient struct {
	conn       WebSocketConnection
	sessionKey string
	userID     string
	send       chan []byte
	done       chan struct{}
	closed     int32 // 原子操作标志，0=开启，1=关闭
	lastPing   int64 // 最后一次活跃时间，UnixNano
	createdAt  time.Time

	windowsMu sync.Mutex
	windows   map[string]*socketWindow
}

// WebSocketManager 按会话管理所有 WebSocket 连接
type WebSocketManager struct {
	connections   map[string]map[WebSocketConnection]*WebSocketClient // sessionKey -> connections
	register      chan *WebSocketClient
	unregister    chan *WebSocketClient
	cleanup       chan bool
	mutex         sync.RWMutex
	pingTimeout   time.Duration
	cleanupTicker *time.Ticker
	stopOnce      sync.Once
}

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketConnWrapper 包装真实的 websocket.Conn 以实现接口
type WebSocketConnWrapper struct {
	*websocket.Conn
}

// NewWebSocketManager 创建并启动管理器
func NewWebSocketManager() *WebSocketManager {
	manager := &WebSocketManager{
		connections: make(map[string]map[WebSocketConnection]*WebSocketClient),
		register:    make(chan *WebSocketClient, 256),
		unregister:  make(chan *WebSocketClient, 256),
		cleanup:     make(chan bool, 1),
		pingTimeout: 90 * time.Second,
	}
	go manager.run()
	return manager
}

// ========================================
// WebSocketClient 方法
// ========================================

func newWebSocketClient(conn WebSocketConnection, sessionKey, userID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:       conn,
		sessionKey: sessionKey,
		userID:     userID,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		createdAt:  time.Now(),
		windows:    make(map[string]*socketWindow),
	}
	client.UpdatePing()
	return client
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		// send 通道不关闭，写协程通过 done 退出
		close(client.done)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后ping时间
func (client *WebSocketClient) UpdatePing() {
	atomic.StoreInt64(&client.lastPing, time.Now().UnixNano())
}

// LastPing 最后活跃时间
func (client *WebSocketClient) LastPing() time.Time {
	return time.Unix(0, atomic.LoadInt64(&client.lastPing))
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true // 零超时时间立即过期
	}

	return time.Since(client.LastPing()) > timeout
}

// SendMessage 安全发送消息到客户端
func (client *WebSocketClient) SendMessage(message map[string]interface{}) error {
	if client.IsClosed() {
		return apperrors.ErrWindowUnavailable
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.send <- msgBytes:
		return nil
	case <-client.done:
		return apperrors.ErrWindowUnavailable
	default:
		// 队列满，记录警告但不阻塞
		log.Printf("⚠️ 客户端 %s 消息队列已满，消息被丢弃", client.userID)
		return nil
	}
}

// SendError 发送错误消息到客户端
func (client *WebSocketClient) SendError(errorMsg string) {
	client.SendMessage(map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (client *WebSocketClient) trackWindow(w *socketWindow) {
	client.windowsMu.Lock()
	defer client.windowsMu.Unlock()
	client.windows[w.id] = w
}

// markWindowClosed 浏览器报告窗口已关闭或被拦截
func (client *WebSocketClient) markWindowClosed(windowID string) bool {
	client.windowsMu.Lock()
	w, ok := client.windows[windowID]
	delete(client.windows, windowID)
	client.windowsMu.Unlock()
	if ok {
		atomic.StoreInt32(&w.closed, 1)
	}
	return ok
}

// ========================================
// WebSocketManager 方法
// ========================================

// run 运行 WebSocket 管理器主循环
func (manager *WebSocketManager) run() {
	// 启动定期清理
	manager.cleanupTicker = time.NewTicker(30 * time.Second)
	defer manager.cleanupTicker.Stop()

	for {
		select {
		case client := <-manager.register:
			manager.registerClient(client)

		case client := <-manager.unregister:
			manager.unregisterClient(client)

		case <-manager.cleanupTicker.C:
			manager.cleanupExpiredConnections()

		case <-manager.cleanup:
			manager.shutdown()
			return
		}
	}
}

// registerClient 注册新客户端
func (manager *WebSocketManager) registerClient(client *WebSocketClient) {
	if client == nil {
		log.Printf("⚠️ 尝试注册 nil 客户端，忽略")
		return
	}

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.sessionKey] == nil {
		manager.connections[client.sessionKey] = make(map[WebSocketConnection]*WebSocketClient)
	}

	manager.connections[client.sessionKey][client.conn] = client
	client.UpdatePing()

	log.Printf("✅ WebSocket 客户端已连接到会话 %s", client.sessionKey)
}

// unregisterClient 安全注销客户端
func (manager *WebSocketManager) unregisterClient(client *WebSocketClient) {
	if client == nil {
		log.Printf("⚠️ 尝试注销 nil 客户端，忽略")
		return
	}

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if connections, exists := manager.connections[client.sessionKey]; exists {
		delete(connections, client.conn)
		if len(connections) == 0 {
			delete(manager.connections, client.sessionKey)
		}
	}

	client.Close()

	log.Printf("🔌 WebSocket 客户端已断开连接 (会话: %s)", client.sessionKey)
}

// cleanupExpiredConnections 清理过期和死连接
func (manager *WebSocketManager) cleanupExpiredConnections() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for sessionKey, connections := range manager.connections {
		for conn, client := range connections {
			if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
				delete(connections, conn)
				client.Close()
			}
		}
		if len(connections) == 0 {
			delete(manager.connections, sessionKey)
		}
	}
}

// Shutdown 关闭管理器与所有连接
func (manager *WebSocketManager) Shutdown() {
	manager.stopOnce.Do(func() {
		manager.cleanup <- true
	})
}

// shutdown 优雅关闭管理器
func (manager *WebSocketManager) shutdown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	log.Println("🛑 正在关闭 WebSocket 管理器...")

	for _, connections := range manager.connections {
		for _, client := range connections {
			client.Close()
		}
	}
	manager.connections = make(map[string]map[WebSocketConnection]*WebSocketClient)

	log.Println("✅ WebSocket 管理器已关闭")
}

// latestClient 会话中最近连接的存活客户端
func (manager *WebSocketManager) latestClient(sessionKey string) *WebSocketClient {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	var latest *WebSocketClient
	for _, client := range manager.connections[sessionKey] {
		if client.IsClosed() {
			continue
		}
		if latest == nil || client.createdAt.After(latest.createdAt) {
			latest = client
		}
	}
	return latest
}

// ClientCount 会话当前连接数
func (manager *WebSocketManager) ClientCount(sessionKey string) int {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return len(manager.connections[sessionKey])
}

// SendToSession 向会话的所有连接发送消息，返回成功入队的连接数
func (manager *WebSocketManager) SendToSession(sessionKey string, message map[string]interface{}) int {
	manager.mutex.RLock()
	clients := make([]*WebSocketClient, 0, len(manager.connections[sessionKey]))
	for _, client := range manager.connections[sessionKey] {
		if !client.IsClosed() {
			clients = append(clients, client)
		}
	}
	manager.mutex.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.SendMessage(message) == nil {
			sent++
		}
	}
	return sent
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	sessions := make(map[string]interface{})
	totalConnections := 0

	for sessionKey, connections := range manager.connections {
		activeConnections := 0
		clients := make([]interface{}, 0)

		for _, client := range connections {
			if client != nil && !client.IsClosed() {
				activeConnections++
				clients = append(clients, map[string]interface{}{
					"user_id":      client.userID,
					"connected_at": client.createdAt.Format(time.RFC3339),
					"last_ping":    client.LastPing().Format(time.RFC3339),
				})
			}
		}

		sessions[sessionKey] = map[string]interface{}{
			"client_count": activeConnections,
			"clients":      clients,
		}
		totalConnections += activeConnections
	}

	return map[string]interface{}{
		"total_sessions":       len(manager.connections),
		"total_connections":    totalConnections,
		"sessions":             sessions,
		"ping_timeout_seconds": int(manager.pingTimeout.Seconds()),
	}
}

// ========================================
// 窗口通道
// ========================================

// WebSocketWindowOpener 通过会话的 WebSocket 连接驱动浏览器窗口
type WebSocketWindowOpener struct {
	manager    *WebSocketManager
	sessionKey string
}

// NewWebSocketWindowOpener 创建窗口通道
func NewWebSocketWindowOpener(manager *WebSocketManager, sessionKey string) *WebSocketWindowOpener {
	return &WebSocketWindowOpener{manager: manager, sessionKey: sessionKey}
}

// OpenPlaceholder 让最近连接的标签页打开一个空窗口；没有连接时失败
func (o *WebSocketWindowOpener) OpenPlaceholder(_ context.Context) (services.PendingWindow, error) {
	client := o.manager.latestClient(o.sessionKey)
	if client == nil {
		return nil, apperrors.ErrWindowUnavailable
	}

	w := &socketWindow{id: uuid.NewString(), client: client}
	client.trackWindow(w)
	if err := w.command(msgWindowOpen, nil); err != nil {
		client.markWindowClosed(w.id)
		return nil, err
	}
	return w, nil
}

// OpenTab 在最近连接的标签页中打开新标签
func (o *WebSocketWindowOpener) OpenTab(_ context.Context, url string) error {
	client := o.manager.latestClient(o.sessionKey)
	if client == nil {
		return apperrors.ErrWindowUnavailable
	}
	return client.SendMessage(map[string]interface{}{
		"type": msgTabOpen,
		"url":  url,
	})
}

// socketWindow 浏览器端由 window.open 打开的窗口
type socketWindow struct {
	id     string
	client *WebSocketClient
	closed int32
}

func (w *socketWindow) ID() string { return w.id }

func (w *socketWindow) WriteDocument(html string) error {
	return w.command(msgWindowWrite, map[string]interface{}{"html": html})
}

func (w *socketWindow) NavigateTo(url string) error {
	if w.Closed() {
		return apperrors.ErrWindowUnavailable
	}
	return w.command(msgWindowNavigate, map[string]interface{}{"url": url})
}

func (w *socketWindow) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return nil
	}
	w.client.markWindowClosed(w.id)
	if w.client.IsClosed() {
		return nil
	}
	return w.command(msgWindowClose, nil)
}

// Closed 用户关闭、浏览器拦截或连接断开都视为已关闭
func (w *socketWindow) Closed() bool {
	return atomic.LoadInt32(&w.closed) == 1 || w.client.IsClosed()
}

func (w *socketWindow) command(msgType string, extra map[string]interface{}) error {
	message := map[string]interface{}{
		"type":      msgType,
		"window_id": w.id,
	}
	for k, v := range extra {
		message[k] = v
	}
	return w.client.SendMessage(message)
}
