package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sync-service/internal/notify"
)

// Authorizer decides whether a user may keep watching a collection.
type Authorizer func(collectionID, userID string) error

type Options struct {
	Authorize Authorizer
	// AllowedOrigin restricts the websocket handshake. Empty allows any.
	AllowedOrigin string
	Logger        *zap.Logger
}

type delivery struct {
	n    notify.Notification
	data []byte
}

// Hub owns the connected clients and routes notifications to the clients
// watching the notification's collection.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan delivery
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	authorize Authorizer
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	count     atomic.Int64
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		authorize:  opts.Authorize,
		logger:     opts.Logger,
	}
	origin := opts.AllowedOrigin
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin == "" || r.Header.Get("Origin") == origin
		},
	}
	return h
}

// Clients reports how many clients are connected.
func (h *Hub) Clients() int { return int(h.count.Load()) }

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Add(1)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case d := <-h.broadcast:
			for client := range h.clients {
				if d.n.CollectionID != "" && d.n.CollectionID != client.room {
					continue
				}
				if h.authorize != nil {
					if err := h.authorize(client.room, client.userID); err != nil {
						h.logger.Info("realtime: dropping client without access",
							zap.String("collection", client.room), zap.String("user", client.userID))
						h.drop(client)
						continue
					}
				}
				select {
				case client.send <- d.data:
				default:
					h.logger.Warn("realtime: slow client dropped",
						zap.String("collection", client.room), zap.String("user", client.userID))
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	h.count.Add(-1)
	close(client.send)
	_ = client.conn.Close()
}

// Bridge subscribes to the bus and forwards every notification to the hub
// until ctx is done.
func (h *Hub) Bridge(ctx context.Context, bus *notify.Bus) {
	sub := bus.Subscribe(1024, nil)
	go h.forward(ctx, sub)
}

func (h *Hub) forward(ctx context.Context, sub *notify.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-sub.C:
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Warn("realtime: encode notification", zap.String("type", n.Type), zap.Error(err))
				continue
			}
			select {
			case h.broadcast <- delivery{n: n, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ServeWS upgrades the request and registers a client watching the
// collection. The caller has already authenticated userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, collectionID, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("realtime: ws upgrade", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		room:   collectionID,
		userID: userID,
	}

	welcome := map[string]any{
		"type":         "welcome",
		"collectionId": collectionID,
		"now":          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.Marshal(welcome); err == nil {
		client.send <- b
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
