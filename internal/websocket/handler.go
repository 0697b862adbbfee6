// internal/websocket/handler.go
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	wstypes "lifeline-client/internal/domain/websocket"
)

// MessageHandler serves socket requests for one area (queue, badge, ...).
type MessageHandler interface {
	HandleMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) error
	SupportedEvents() []wstypes.EventType
}

// eventRoutes maps inbound event types to handlers. Later registrations win.
type eventRoutes struct {
	mu     sync.RWMutex
	routes map[wstypes.EventType]MessageHandler
}

func newEventRoutes() *eventRoutes {
	return &eventRoutes{routes: make(map[wstypes.EventType]MessageHandler)}
}

func (r *eventRoutes) add(handler MessageHandler) (replaced []wstypes.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range handler.SupportedEvents() {
		if _, ok := r.routes[ev]; ok {
			replaced = append(replaced, ev)
		}
		r.routes[ev] = handler
	}
	return replaced
}

func (r *eventRoutes) lookup(ev wstypes.EventType) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.routes[ev]
	return handler, ok
}

// decodeData re-reads a loosely typed message payload into target.
func decodeData(data interface{}, target interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode message data: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode message data: %w", err)
	}
	return nil
}
