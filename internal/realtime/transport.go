package realtime

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/igm/sockjs-go/sockjs"
)

const (
	clientBuffer   = 16
	wsReadLimit    = 512
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// serveFrames applies subscribe/unsubscribe frames read by recv until it fails.
func serveFrames(h *Hub, client *Client, recv func() ([]byte, error)) {
	for {
		frame, err := recv()
		if err != nil {
			return
		}
		msg, ok := ParseSubscribe(frame)
		if !ok {
			continue
		}
		if msg.Action == "unsubscribe" {
			h.Unsubscribe(client, msg.Channel)
			continue
		}
		h.Subscribe(client, msg.Channel)
	}
}

// SockJSHandler serves the hub over SockJS under prefix.
func SockJSHandler(prefix string, h *Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := NewClient(uuid.NewString(), clientBuffer)
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		serveFrames(h, client, func() ([]byte, error) {
			msg, err := session.Recv()
			return []byte(msg), err
		})
	})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler serves the hub over a plain WebSocket.
func WebSocketHandler(h *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		client := NewClient(uuid.NewString(), clientBuffer)
		h.Register(client)

		go writePump(conn, client)

		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		serveFrames(h, client, func() ([]byte, error) {
			_, frame, err := conn.ReadMessage()
			if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error client=%s: %v", client.ID, err)
			}
			return frame, err
		})
		h.Unregister(client)
	})
}

func writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
