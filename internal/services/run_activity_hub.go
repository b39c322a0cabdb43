package services

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// RunActivityMessage is pushed to subscribers whenever the ledger writes.
type RunActivityMessage struct {
	Type      string      `json:"type"` // automation_run | action_runs
	StageID   string      `json:"stage_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type RunActivityClient struct {
	ID      string
	StageID string // empty subscribes to every stage
	Conn    *websocket.Conn
	Send    chan RunActivityMessage
	Hub     *RunActivityHub
}

// RunActivityHub fans run activity out to websocket subscribers, filtered by stage.
type RunActivityHub struct {
	clients    map[string]*RunActivityClient
	broadcast  chan RunActivityMessage
	register   chan *RunActivityClient
	unregister chan *RunActivityClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
	origins    map[string]bool // nil: same origin only
}

func NewRunActivityHub(logger *logrus.Logger) *RunActivityHub {
	if logger == nil {
		logger = logrus.New()
	}
	h := &RunActivityHub{
		clients:    make(map[string]*RunActivityClient),
		broadcast:  make(chan RunActivityMessage, 256),
		register:   make(chan *RunActivityClient),
		unregister: make(chan *RunActivityClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	return h
}

// SetAllowedOrigins 设置允许的浏览器来源；"*" 放开全部，空列表只接受同源握手
func (h *RunActivityHub) SetAllowedOrigins(origins []string) {
	var allowed map[string]bool
	if len(origins) > 0 {
		allowed = make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))] = true
		}
	}
	h.mutex.Lock()
	h.origins = allowed
	h.mutex.Unlock()
}

func (h *RunActivityHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	h.mutex.RLock()
	allowed := h.origins
	h.mutex.RUnlock()
	if allowed == nil {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	return allowed["*"] || allowed[strings.ToLower(origin)]
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *RunActivityHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("run activity: client %s subscribed (stage=%q)", client.ID, client.StageID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("run activity: client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				if client.StageID == "" || message.StageID == "" || client.StageID == message.StageID {
					select {
					case client.Send <- message:
					default:
						close(client.Send)
						delete(h.clients, client.ID)
					}
				}
			}
			h.mutex.Unlock()
		}
	}
}

// RunChanged implements RunObserver. Messages are dropped when the hub is backed up
// so ledger writes never block on subscribers.
func (h *RunActivityHub) RunChanged(evt RunEvent) {
	now := time.Now()
	var msgs []RunActivityMessage
	if evt.AutomationRun != nil {
		msgs = append(msgs, RunActivityMessage{Type: "automation_run", StageID: evt.StageID, Data: evt.AutomationRun, Timestamp: now})
	}
	if len(evt.ActionRuns) > 0 {
		msgs = append(msgs, RunActivityMessage{Type: "action_runs", StageID: evt.StageID, Data: evt.ActionRuns, Timestamp: now})
	}
	for _, m := range msgs {
		select {
		case h.broadcast <- m:
		default:
			h.logger.Warnf("run activity: broadcast queue full, dropping %s", m.Type)
		}
	}
}

// HandleWebSocket upgrades the request; ?stage_id= narrows the subscription.
func (h *RunActivityHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &RunActivityClient{
		ID:      uuid.NewString(),
		StageID: c.Query("stage_id"),
		Conn:    conn,
		Send:    make(chan RunActivityMessage, 64),
		Hub:     h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; subscribers do not send data.
func (c *RunActivityClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *RunActivityClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Errorf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetClientCount 当前订阅者数量
func (h *RunActivityHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
