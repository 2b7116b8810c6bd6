// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/AIShowrunner/internal/utils"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketClient 订阅某个任务进度的连接
type WebSocketClient struct {
	conn      *websocket.Conn
	taskID    string
	userID    string
	closed    int32 // 原子操作标志，0=开启，1=关闭
	lastPing  atomic.Int64
	createdAt time.Time
	writeMu   sync.Mutex
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后ping时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// writeJSON 写操作串行化
func (client *WebSocketClient) writeJSON(v interface{}) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return client.conn.WriteJSON(v)
}

func (client *WebSocketClient) writeControl(messageType int, data []byte) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	return client.conn.WriteControl(messageType, data, time.Now().Add(wsWriteWait))
}

// WebSocketManager 按任务 ID 管理进度连接
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{} // taskID -> clients
	mutex       sync.RWMutex
	pingTimeout time.Duration
	logger      *utils.Logger
	metrics     *utils.APIMetrics
}

// NewWebSocketManager 创建连接管理器
func NewWebSocketManager(pingTimeout time.Duration) *WebSocketManager {
	if pingTimeout <= 0 {
		pingTimeout = 90 * time.Second
	}
	return &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		pingTimeout: pingTimeout,
		logger:      utils.GetLogger(),
		metrics:     utils.NewAPIMetrics(),
	}
}

func (manager *WebSocketManager) register(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.taskID] == nil {
		manager.connections[client.taskID] = make(map[*WebSocketClient]struct{})
	}
	if _, exists := manager.connections[client.taskID][client]; !exists {
		manager.metrics.WebSocketConnections(1)
	}
	manager.connections[client.taskID][client] = struct{}{}
	client.UpdatePing()

	manager.logger.Info("WebSocket 客户端已连接", map[string]interface{}{
		"task_id": client.taskID,
		"user_id": client.userID,
	})
}

func (manager *WebSocketManager) unregister(client *WebSocketClient) {
	manager.mutex.Lock()
	if clients, exists := manager.connections[client.taskID]; exists {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			manager.metrics.WebSocketConnections(-1)
		}
		if len(clients) == 0 {
			delete(manager.connections, client.taskID)
		}
	}
	manager.mutex.Unlock()

	client.Close()
}

// CleanupExpiredConnections 关闭超时未响应 ping 的连接
func (manager *WebSocketManager) CleanupExpiredConnections() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	removed := 0
	for taskID, clients := range manager.connections {
		for client := range clients {
			if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
				delete(clients, client)
				client.Close()
				removed++
			}
		}
		if len(clients) == 0 {
			delete(manager.connections, taskID)
		}
	}
	if removed > 0 {
		manager.metrics.WebSocketConnections(int64(-removed))
	}
	return removed
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	tasks := make(map[string]interface{}, len(manager.connections))
	total := 0
	for taskID, clients := range manager.connections {
		active := 0
		for client := range clients {
			if !client.IsClosed() {
				active++
			}
		}
		tasks[taskID] = map[string]interface{}{"client_count": active}
		total += active
	}

	return map[string]interface{}{
		"total_tasks":          len(manager.connections),
		"total_connections":    total,
		"tasks":                tasks,
		"ping_timeout_seconds": int(manager.pingTimeout.Seconds()),
	}
}

// wsClientMessage 客户端可以发送的指令
type wsClientMessage struct {
	Type string `json:"type"`
}

// ProgressWebSocket 通过 WebSocket 推送任务进度，客户端发送 {"type":"cancel"} 可取消任务
func (h *Handler) ProgressWebSocket(c *gin.Context) {
	taskID := c.Param("taskID")
	tracker, ok := h.Showrunner.Progress.GetTracker(taskID)
	if !ok {
		h.Response.Error(c, http.StatusNotFound, ErrorTaskNotFound, "task not found", taskID)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket 升级失败", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return
	}

	userID, _ := GetUserFromContext(c)
	client := &WebSocketClient{conn: conn, taskID: taskID, userID: userID, createdAt: time.Now()}
	h.WebSockets.register(client)
	defer h.WebSockets.unregister(client)

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			client.UpdatePing()

			var msg wsClientMessage
			if json.Unmarshal(data, &msg) != nil {
				client.writeJSON(gin.H{"type": "error", "error": "invalid message"})
				continue
			}
			switch msg.Type {
			case "cancel":
				if err := h.Showrunner.CancelRun(taskID); err != nil {
					client.writeJSON(gin.H{"type": "error", "error": err.Error()})
				}
			case "ping":
				client.writeJSON(gin.H{"type": "pong", "timestamp": time.Now().Format(time.RFC3339)})
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case update, ok := <-updates:
			if !ok {
				client.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
			if err := client.writeJSON(gin.H{"type": "progress", "data": update}); err != nil {
				return
			}
			if update.Final() {
				client.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, update.Status))
				return
			}
		case <-ticker.C:
			if err := client.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetWebSocketStatus 获取 WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := h.WebSockets.GetStatus()
	status["timestamp"] = time.Now().Format(time.RFC3339)
	h.Response.Success(c, status)
}
