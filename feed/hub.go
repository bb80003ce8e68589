package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Lekssays/flpoison/session"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	SEND_BUFFER   = 16
	WRITE_TIMEOUT = 5 * time.Second
	FEED_PATH     = "/ws"
)

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts round records as JSON to every connected websocket client.
// Subscribers that fall SEND_BUFFER messages behind are dropped.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	upgrader    websocket.Upgrader
	logger      logrus.FieldLogger
}

func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.WithField("component", "feed"),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("upgrade failed")
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, SEND_BUFFER)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	h.logger.WithField("remote", r.RemoteAddr).Debug("subscriber connected")

	go h.write(sub)
	// reads only serve to notice the peer going away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(sub)
}

func (h *Hub) write(sub *subscriber) {
	defer sub.conn.Close()
	for message := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
		if err := sub.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.remove(sub)
			return
		}
	}
	sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) Broadcast(record session.RoundRecord) error {
	message, err := json.Marshal(record)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- message:
		default:
			h.logger.Warn("dropping slow subscriber")
			delete(h.subscribers, sub)
			close(sub.send)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}

// Serve exposes the hub on addr under FEED_PATH until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(FEED_PATH, h)
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	h.logger.WithField("addr", addr).Info("live feed listening")

	select {
	case <-ctx.Done():
		h.Close()
		shutdown, cancel := context.WithTimeout(context.Background(), WRITE_TIMEOUT)
		defer cancel()
		return srv.Shutdown(shutdown)
	case err := <-errc:
		return err
	}
}
