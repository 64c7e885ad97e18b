// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/Corphon/ProposalPilot/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocketHandler 处理 WebSocket 相关的 HTTP 请求
type WebSocketHandler struct {
	sessions *services.SessionService
	manager  *WebSocketManager
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(sessions *services.SessionService, manager *WebSocketManager) *WebSocketHandler {
	return &WebSocketHandler{sessions: sessions, manager: manager}
}

// Manager 连接管理器
func (wh *WebSocketHandler) Manager() *WebSocketManager {
	return wh.manager
}

// ProposalWebSocket 处理提案会话的 WebSocket 连接：窗口通道、提示推送与进度推送
func (wh *WebSocketHandler) ProposalWebSocket(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	userID, _ := GetUserFromContext(c)
	if userID == "" {
		userID = GuestUserID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 提案 WebSocket 升级失败: %v", err)
		return
	}

	session := wh.sessions.GetOrCreate(workspaceID, userID)
	client := newWebSocketClient(&WebSocketConnWrapper{conn}, session.Key, userID)

	// 注册客户端
	select {
	case wh.manager.register <- client:
	default:
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		client.Close()
		return
	}

	defer func() {
		select {
		case wh.manager.unregister <- client:
		case <-time.After(5 * time.Second):
			log.Printf("⚠️ WebSocket 客户端注销超时")
			client.Close()
		}
	}()

	wh.bindSession(session)

	go wh.handleWebSocketWrites(client)
	go wh.handleWebSocketReads(client, session)

	wh.sendWelcomeMessage(client, session)

	// 阻塞直到连接关闭
	wh.forwardProgress(client, session)
	log.Printf("📱 会话 %s 的 WebSocket 连接已关闭", session.Key)
}

// bindSession 把会话的窗口通道与提示推送指向本管理器；重复调用无副作用
func (wh *WebSocketHandler) bindSession(session *services.ProposalSession) {
	key := session.Key
	session.SetWindowOpener(NewWebSocketWindowOpener(wh.manager, key))
	session.Notices.SetListener(services.NotifierFunc(func(n services.Notice) {
		wh.manager.SendToSession(key, map[string]interface{}{
			"type":   msgNotice,
			"notice": n,
		})
	}))
}

// forwardProgress 把进度更新推送给客户端
func (wh *WebSocketHandler) forwardProgress(client *WebSocketClient, session *services.ProposalSession) {
	updates := session.Progress.Subscribe()
	defer session.Progress.Unsubscribe(updates)

	for {
		select {
		case <-client.done:
			return
		case update, ok := <-updates:
			if !ok {
				// 会话已被回收
				client.Close()
				return
			}
			client.SendMessage(map[string]interface{}{
				"type":     msgProgress,
				"progress": update,
			})
		}
	}
}

// handleWebSocketReads 处理 WebSocket 读取
func (wh *WebSocketHandler) handleWebSocketReads(client *WebSocketClient, session *services.ProposalSession) {
	defer client.Close()

	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if client.IsClosed() {
			return
		}

		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			log.Printf("⚠️ JSON解析失败: %v", err)
			continue
		}

		client.UpdatePing()
		wh.handleMessage(client, session, message)
	}
}

// handleWebSocketWrites 处理 WebSocket 写入
func (wh *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(time.Second))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ WebSocket ping 失败: %v", err)
				return
			}
		}
	}
}

// handleMessage 处理收到的 WebSocket 消息
func (wh *WebSocketHandler) handleMessage(client *WebSocketClient, session *services.ProposalSession, message map[string]interface{}) {
	msgType, ok := message["type"].(string)
	if !ok {
		log.Printf("⚠️ 收到无效的消息类型")
		return
	}

	switch msgType {
	case msgWindowClosed, msgWindowBlocked:
		windowID, _ := message["window_id"].(string)
		if windowID == "" {
			client.SendError("缺少窗口ID")
			return
		}
		client.markWindowClosed(windowID)
	case "session.view":
		client.SendMessage(map[string]interface{}{
			"type":    "session",
			"session": session.View(false),
		})
	case "ping":
		wh.handlePing(client)
	default:
		log.Printf("⚠️ 未知的消息类型: %s", msgType)
	}
}

// handlePing 处理ping消息
func (wh *WebSocketHandler) handlePing(client *WebSocketClient) {
	client.SendMessage(map[string]interface{}{
		"type":      "pong",
		"timestamp": time.Now().Unix(),
	})
}

// sendWelcomeMessage 发送欢迎消息
func (wh *WebSocketHandler) sendWelcomeMessage(client *WebSocketClient, session *services.ProposalSession) {
	client.SendMessage(map[string]interface{}{
		"type":         "connected",
		"workspace_id": session.WorkspaceID,
		"user_id":      session.OwnerID,
		"timestamp":    time.Now().Format(time.RFC3339),
		"message":      "WebSocket 连接已建立",
	})
}

// GetWebSocketStatus 获取 WebSocket 连接状态（调试用）
func (wh *WebSocketHandler) GetWebSocketStatus(c *gin.Context) {
	status := wh.manager.GetStatus()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	c.JSON(http.StatusOK, status)
}
