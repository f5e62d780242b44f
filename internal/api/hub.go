package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"conditional-orders-go/infrastructure/logger"
	"conditional-orders-go/infrastructure/monitor"
	"conditional-orders-go/scheduler"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

type message struct {
	orderID string
	data    []byte
}

// Hub 把调度器转换事件推送给 WebSocket 客户端。
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	upgrader websocket.Upgrader
	origins  map[string]bool // 为空时只接受同源或无 Origin 的请求

	dropped atomic.Int64
	log     *logger.Logger
	mon     *monitor.Monitor
}

// NewHub 创建 Hub
func NewHub(log *logger.Logger, mon *monitor.Monitor) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.WithFields(map[string]interface{}{"component": "ws_hub"}),
		mon:        mon,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetAllowedOrigins 设置允许建立 WebSocket 的来源，"*" 表示不限。须在 ServeWS 之前调用。
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.origins = make(map[string]bool, len(origins))
	for _, o := range origins {
		h.origins[strings.TrimRight(o, "/")] = true
	}
}

// checkOrigin cors 中间件不作用于升级请求，这里单独校验 Origin。
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.origins["*"] || h.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Run 主循环，ctx 结束时断开所有客户端。
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.mon.UpdateWSClients(len(h.clients))
			h.log.Debug("ws client connected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(c)
				h.log.Debug("ws client disconnected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(msg.orderID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// 客户端消费过慢，断开
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.mon.UpdateWSClients(len(h.clients))
}

// OnTransition 可注册为 scheduler.Listener。缓冲区满时丢弃事件，不阻塞调度器。
func (h *Hub) OnTransition(ev scheduler.TransitionEvent) {
	data, err := json.Marshal(struct {
		Type  string                    `json:"type"`
		Event scheduler.TransitionEvent `json:"event"`
	}{Type: "transition", Event: ev})
	if err != nil {
		h.log.Error("marshal transition", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message{orderID: ev.OrderID, data: data}:
	default:
		h.dropped.Add(1)
	}
}

// Dropped 因缓冲区满丢弃的事件数
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Client 一个 WebSocket 连接。默认订阅全部订单。
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.RWMutex
	all    bool
	orders map[string]bool
}

func (c *Client) wants(orderID string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.all || c.orders[orderID]
}

func (c *Client) apply(req WSSubscribeRequest) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	switch req.Op {
	case "subscribe":
		if len(req.Orders) == 0 {
			c.all = true
			return
		}
		c.all = false
		for _, id := range req.Orders {
			c.orders[id] = true
		}
	case "unsubscribe":
		if len(req.Orders) == 0 {
			c.all = false
			c.orders = make(map[string]bool)
			return
		}
		for _, id := range req.Orders {
			delete(c.orders, id)
		}
	}
}

// readPump 处理订阅请求
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		var req WSSubscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.hub.log.Debug("ws invalid message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		c.apply(req)
	}
}

// writePump 每个事件一帧，定期发送 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS 升级连接并注册客户端
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade error", zap.Error(err))
		return
	}
	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     conn.RemoteAddr().String(),
		all:    true,
		orders: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
