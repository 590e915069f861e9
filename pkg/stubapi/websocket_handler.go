package stubapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mahaj/market-realtime/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	user model.Sender
}

// readPump turns client frames into stored messages and typing fan-out.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.WithError(err).Debug("chat socket read")
			}
			break
		}

		var frame model.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.reply(model.EncodeErrorEvent("invalid frame"))
			continue
		}

		switch frame.Type {
		case model.TypeMessage:
			text := strings.TrimSpace(frame.Text)
			if text == "" {
				c.reply(model.EncodeErrorEvent("message text is required"))
				continue
			}
			msg := c.srv.store.appendMessage(c.hub.appID, c.user, text)
			data, err := model.EncodeMessageEvent(msg)
			if err != nil {
				continue
			}
			c.hub.Broadcast(data, nil)
		case model.TypeTyping:
			data, err := model.EncodeTypingEvent(c.user.Email, frame.IsTyping)
			if err != nil {
				continue
			}
			c.hub.Broadcast(data, c)
		default:
			c.reply(model.EncodeErrorEvent("unsupported frame type " + string(frame.Type)))
		}
	}
}

func (c *Client) reply(data []byte, err error) {
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump pumps frames from the hub to the websocket connection. Each
// queued frame goes out as its own websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// serveWs handles /ws/chat/application/{id}/?token=...
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if tokenString == "" {
		s.log.Debug("chat socket without token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := s.issuer.ValidateToken(tokenString)
	if err != nil {
		s.log.WithError(err).Debug("chat socket with invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	appID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || appID <= 0 {
		http.Error(w, "Invalid application id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("upgrade failed")
		return
	}

	user := claims.Sender()
	s.store.touchUser(user)

	client := &Client{hub: s.hub(appID), srv: s, conn: conn, send: make(chan []byte, 256), user: user}
	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		conn.Close()
		return
	}
	client.reply(model.EncodeConnectionEstablished("connected to application " + strconv.FormatInt(appID, 10)))

	go client.writePump()
	go client.readPump()
}
