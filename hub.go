package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go-meshcore-gateway/app/metrics"
	"go-meshcore-gateway/app/shared"
	"go-meshcore-gateway/app/worker"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 5120
	wsSendBuffer   = 256
	commandTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one dashboard websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func (c *Client) stop() {
	c.once.Do(func() { close(c.quit) })
}

// Hub broadcasts dashboard updates to every connected client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewHub(m *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log.Named("hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.stop()
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.metrics.WebsocketClients(len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.stop()
			}
			h.metrics.WebsocketClients(len(h.clients))
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn("client too slow, dropping it")
					client.stop()
					delete(h.clients, client)
				}
			}
			h.metrics.WebsocketClients(len(h.clients))
		}
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.stop()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// Commander executes dashboard commands on the radio worker.
type Commander interface {
	Submit(ctx context.Context, cmd worker.Command) error
}

// IncomingMessage is a dashboard request. Type is a worker action or
// "subscribe_state".
type IncomingMessage struct {
	Type        string `json:"type"`
	Channel     int    `json:"channel,omitempty"`
	PubKey      string `json:"pubkey,omitempty"`
	ContactName string `json:"contactName,omitempty"`
	Text        string `json:"text,omitempty"`
	ZeroHop     bool   `json:"zeroHop,omitempty"`
}

type OutgoingMessage struct {
	Type     string      `json:"type"`
	Payload  interface{} `json:"payload,omitempty"`
	ErrorMsg string      `json:"error,omitempty"`
}

func (c *Client) readPump(ctx context.Context, cmds Commander, store *shared.Store, log *zap.Logger) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsReadLimit)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		var msg IncomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("invalid websocket message", zap.Error(err))
			c.sendJSON(OutgoingMessage{Type: "error", ErrorMsg: "invalid message"}, log)
			continue
		}
		c.handleIncoming(ctx, cmds, store, msg, log)
	}
}

func (c *Client) writePump(log *zap.Logger) {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("websocket write error", zap.Error(err))
				return
			}
		case <-c.quit:
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) handleIncoming(ctx context.Context, cmds Commander, store *shared.Store, msg IncomingMessage, log *zap.Logger) {
	if msg.Type == "subscribe_state" {
		c.sendJSON(OutgoingMessage{Type: "state", Payload: store.Snapshot()}, log)
		return
	}

	cmd := worker.Command{
		Action:      worker.Action(msg.Type),
		Channel:     msg.Channel,
		Text:        msg.Text,
		PubKey:      msg.PubKey,
		ContactName: msg.ContactName,
		ZeroHop:     msg.ZeroHop,
	}
	if cmd.Action == worker.ActionAddChannel {
		c.sendJSON(OutgoingMessage{Type: "error", ErrorMsg: "use /api/add-channel"}, log)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := cmds.Submit(ctx, cmd); err != nil {
		c.sendJSON(OutgoingMessage{Type: "error", ErrorMsg: err.Error()}, log)
		return
	}
	c.sendJSON(OutgoingMessage{Type: "command_done", Payload: msg.Type}, log)
}

func (c *Client) sendJSON(msg OutgoingMessage, log *zap.Logger) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("marshal error", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.quit:
	default:
		log.Warn("client send buffer full, dropping message")
	}
}

func broadcastJSON(h *Hub, msg OutgoingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal error", zap.Error(err))
		return
	}
	h.Broadcast(data)
}

// updatePayload carries only the parts of the store that changed since
// the previous tick.
type updatePayload struct {
	Connected       bool        `json:"connected"`
	Status          string      `json:"status"`
	Device          interface{} `json:"device,omitempty"`
	Contacts        interface{} `json:"contacts,omitempty"`
	Channels        interface{} `json:"channels,omitempty"`
	PendingChannels interface{} `json:"pendingChannels,omitempty"`
	Messages        interface{} `json:"messages,omitempty"`
	RxLog           interface{} `json:"rxLog,omitempty"`
}

func buildUpdate(snap shared.Snapshot) (updatePayload, bool) {
	up := updatePayload{Connected: snap.Connected, Status: snap.Status}
	changed := false
	if snap.DeviceUpdated {
		up.Device = snap.Device
		changed = true
	}
	if snap.ContactsUpdated {
		up.Contacts = snap.Contacts
		changed = true
	}
	if snap.ChannelsUpdated {
		up.Channels = snap.Channels
		up.PendingChannels = snap.PendingChannels
		changed = true
	}
	if snap.MessagesUpdated {
		up.Messages = snap.Messages
		changed = true
	}
	if snap.RxLogUpdated {
		up.RxLog = snap.RxLog
		changed = true
	}
	return up, changed
}

// broadcastLoop pushes store changes to the dashboard on every tick.
// Status and connection state are cheap and always sent when they change.
func broadcastLoop(ctx context.Context, hub *Hub, store *shared.Store, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastStatus string
	var lastConnected bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := store.SnapshotAndClear()
			up, changed := buildUpdate(snap)
			if !changed && snap.Status == lastStatus && snap.Connected == lastConnected {
				continue
			}
			lastStatus, lastConnected = snap.Status, snap.Connected
			broadcastJSON(hub, OutgoingMessage{Type: "update", Payload: up})
		}
	}
}

func serveWs(ctx context.Context, hub *Hub, cmds Commander, store *shared.Store, log *zap.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, wsSendBuffer), quit: make(chan struct{})}
	hub.Register(client)
	go client.writePump(log)

	// the full state goes to the new client right away
	client.sendJSON(OutgoingMessage{Type: "state", Payload: store.Snapshot()}, log)
	client.readPump(ctx, cmds, store, log)
}
