package stubapi

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type outbound struct {
	data   []byte
	except *Client
}

// Hub fans frames out to every socket open on one application.
type Hub struct {
	appID      int64
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	drop       chan int
	count      chan chan int
	done       chan struct{}
	log        *logrus.Entry
}

func newHub(appID int64, log *logrus.Entry) *Hub {
	return &Hub{
		appID:      appID,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		drop:       make(chan int),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		log:        log.WithField("application_id", appID),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.closeWith(websocket.CloseGoingAway)
				delete(h.clients, client)
				close(client.send)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.WithField("user", client.user.Email).Info("client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.WithField("user", client.user.Email).Info("client unregistered")
			}

		case code := <-h.drop:
			for client := range h.clients {
				client.closeWith(code)
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case msg := <-h.broadcast:
			for client := range h.clients {
				if client == msg.except {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

func (h *Hub) Broadcast(data []byte, except *Client) {
	select {
	case h.broadcast <- outbound{data: data, except: except}:
	case <-h.done:
	}
}

// Drop closes every socket of the hub. Code 0 cuts the TCP connection
// without a close frame, which peers observe as 1006.
func (h *Hub) Drop(code int) {
	select {
	case h.drop <- code:
	case <-h.done:
	}
}

func (h *Hub) Connections() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (c *Client) closeWith(code int) {
	if code == 0 {
		_ = c.conn.UnderlyingConn().Close()
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	_ = c.conn.Close()
}
