package events

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/quillforge/quill/pkg/logger"
)

// WebsocketSink broadcasts events to connected WebSocket clients, letting
// remote front-ends (dashboards, messaging bridges) observe the stream
// without linking against the core. Slow clients get dropped, never the loop.
type WebsocketSink struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]chan Event
}

func NewWebsocketSink() *WebsocketSink {
	return &WebsocketSink{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan Event),
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (w *WebsocketSink) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		logger.WarnCF("events", "WebSocket upgrade failed",
			map[string]interface{}{"error": err.Error()})
		return
	}

	ch := make(chan Event, 256)
	w.mu.Lock()
	w.clients[conn] = ch
	w.mu.Unlock()

	logger.InfoCF("events", "WebSocket client connected",
		map[string]interface{}{"remote": conn.RemoteAddr().String()})

	go func() {
		defer w.drop(conn)
		for e := range ch {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}()
}

func (w *WebsocketSink) drop(conn *websocket.Conn) {
	w.mu.Lock()
	ch, ok := w.clients[conn]
	if ok {
		delete(w.clients, conn)
	}
	w.mu.Unlock()
	if ok {
		close(ch)
	}
	conn.Close()
}

func (w *WebsocketSink) Handle(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for conn, ch := range w.clients {
		select {
		case ch <- e:
		default:
			// Client is not keeping up; skip this event for it.
			_ = conn
		}
	}
}

// Close disconnects all clients.
func (w *WebsocketSink) Close() {
	w.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(w.clients))
	for conn := range w.clients {
		conns = append(conns, conn)
	}
	w.mu.Unlock()
	for _, conn := range conns {
		w.drop(conn)
	}
}
