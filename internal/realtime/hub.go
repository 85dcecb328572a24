// Package realtime fans entity status and launch progress out to WebSocket clients.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Message is the frame written to subscribers.
type Message struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type subscription struct {
	conn  *websocket.Conn
	topic string
}

type broadcast struct {
	topic string
	frame []byte
}

// Hub manages WebSocket clients and broadcasts messages to them. A client
// subscribes to one topic; the empty topic receives everything.
type Hub struct {
	connections map[*websocket.Conn]string
	register    chan subscription
	unregister  chan *websocket.Conn
	broadcast   chan broadcast
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.Mutex
	logf        func(format string, args ...any)
}

// NewHub constructs a Hub. A nil logf discards write failures.
func NewHub(logf func(format string, args ...any)) *Hub {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Hub{
		connections: make(map[*websocket.Conn]string),
		register:    make(chan subscription),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan broadcast, 64),
		done:        make(chan struct{}),
		logf:        logf,
	}
}

// Run processes register/unregister/broadcast events until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.connections[sub.conn] = sub.topic
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, topic := range h.connections {
				if topic != "" && topic != msg.topic {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg.frame); err != nil {
					h.logf("realtime write topic=%s: %v", msg.topic, err)
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Register adds conn as a subscriber of topic.
func (h *Hub) Register(conn *websocket.Conn, topic string) {
	select {
	case h.register <- subscription{conn: conn, topic: topic}:
	case <-h.done:
		conn.Close()
	}
}

// Unregister drops conn and closes it.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Publish encodes v and queues it for every subscriber of topic.
// Publishing after Close is a no-op.
func (h *Hub) Publish(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Message{Topic: topic, Data: data})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- broadcast{topic: topic, frame: frame}:
	case <-h.done:
	}
	return nil
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// ServeWS upgrades the request and subscribes the connection to the "topic"
// query parameter. The read loop only exists to notice disconnects.
func (h *Hub) ServeWS(upgrader *websocket.Upgrader) http.HandlerFunc {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logf("realtime upgrade: %v", err)
			return
		}
		h.Register(conn, r.URL.Query().Get("topic"))
		go func() {
			defer h.Unregister(conn)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()
	}
}
