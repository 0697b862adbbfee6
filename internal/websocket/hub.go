// internal/websocket/hub.go
package websocket

import (
	"context"
	"sync"

	"lifeline-client/internal/domain/auth"
	"lifeline-client/internal/domain/notification"
	"lifeline-client/internal/domain/otp"
	wstypes "lifeline-client/internal/domain/websocket"
	"lifeline-client/internal/metrics"

	"go.uber.org/zap"
)

// Hub fans agent events out to connected UI shells and doubles as the
// platform badge.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	// Registration/unregistration
	Register   chan *Client
	unregister chan *Client

	// Broadcasting
	broadcast chan *BroadcastMessage

	routes *eventRoutes

	// done is closed when Run returns.
	done     chan struct{}
	doneOnce sync.Once

	badgeMu sync.Mutex
	badge   int

	logger  *zap.Logger
	metrics *metrics.Metrics
}

type BroadcastMessage struct {
	Channel wstypes.ChannelType
	Message *wstypes.WSMessage
}

func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan *BroadcastMessage, 256),
		routes:     newEventRoutes(),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    m,
	}
}

// RegisterHandler routes the handler's events to it.
func (h *Hub) RegisterHandler(handler MessageHandler) {
	for _, ev := range h.routes.add(handler) {
		h.logger.Warn("websocket handler replaced", zap.String("event", string(ev)))
	}
}

// HandleClientMessage dispatches to a registered handler. Unrouted events
// fall through to the client's built-in handling.
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) error {
	handler, ok := h.routes.lookup(msg.Type)
	if !ok {
		return nil
	}
	return handler.HandleMessage(ctx, client, msg)
}

func (h *Hub) Run(ctx context.Context) {
	defer h.doneOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.BroadcastMessage(msg)
		}
	}
}

// Attach hands client to the running hub. It reports false once the hub has
// stopped.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// detach removes client, or just closes it when the hub has stopped.
func (h *Hub) detach(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.WebsocketClients(1)
	h.logger.Info("websocket client connected",
		zap.String("client_id", client.id),
		zap.Int("total", total),
	)

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"client_id": client.id,
		"channels":  wstypes.DefaultChannels,
	}))
	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeBadgeSet, wstypes.BadgeData{Count: h.Badge()}))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, exists := h.clients[client]
	if exists {
		delete(h.clients, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !exists {
		return
	}
	client.Close()
	h.metrics.WebsocketClients(-1)
	h.logger.Info("websocket client disconnected",
		zap.String("client_id", client.id),
		zap.Int("total", total),
	)
}

func (h *Hub) BroadcastMessage(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(msg.Channel) {
			client.SendMessage(msg.Message)
		}
	}
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// publish queues a message for Run. A full buffer drops the message.
func (h *Hub) publish(channel wstypes.ChannelType, msg *wstypes.WSMessage) {
	select {
	case h.broadcast <- &BroadcastMessage{Channel: channel, Message: msg}:
	default:
		h.logger.Warn("websocket broadcast buffer full, dropping event", zap.String("type", string(msg.Type)))
	}
}

// ========== Badge ==========

// SetBadge records the badge count and pushes it to every shell.
func (h *Hub) SetBadge(n int) {
	h.badgeMu.Lock()
	h.badge = n
	h.badgeMu.Unlock()
	h.publish(wstypes.ChannelBadge, wstypes.NewMessage(wstypes.EventTypeBadgeSet, wstypes.BadgeData{Count: n}))
}

func (h *Hub) ClearBadge() {
	h.badgeMu.Lock()
	h.badge = 0
	h.badgeMu.Unlock()
	h.publish(wstypes.ChannelBadge, wstypes.NewMessage(wstypes.EventTypeBadgeClear, wstypes.BadgeData{}))
}

func (h *Hub) Badge() int {
	h.badgeMu.Lock()
	defer h.badgeMu.Unlock()
	return h.badge
}

// ========== Agent events ==========

func (h *Hub) BroadcastQueueStatus(st notification.QueueStatus) {
	h.publish(wstypes.ChannelQueue, wstypes.NewMessage(wstypes.EventTypeQueueStatus, st))
}

func (h *Hub) BroadcastSession(ev auth.Event, snap auth.Snapshot) {
	data := wstypes.SessionEventData{
		Event:         string(ev),
		Authenticated: snap.Authenticated,
	}
	if snap.User != nil {
		data.UserID = snap.User.ID
		data.DisplayName = snap.User.DisplayName
	}

	eventType := wstypes.EventTypeSessionChanged
	if ev == auth.EventExpired {
		eventType = wstypes.EventTypeSessionExpired
		data.Message = "Your session has expired. Please sign in again."
	}
	h.publish(wstypes.ChannelSession, wstypes.NewMessage(eventType, data))
}

func (h *Hub) BroadcastOTP(s *otp.Session) {
	h.publish(wstypes.ChannelOTP, wstypes.NewMessage(wstypes.EventTypeOTPChanged, s))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for client := range clients {
		client.Close()
		h.metrics.WebsocketClients(-1)
	}
}
