// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents different real-time event types
type EventType string

const (
	// Connection events
	EventTypePing      EventType = "ping"
	EventTypePong      EventType = "pong"
	EventTypeConnected EventType = "connected"
	EventTypeError     EventType = "error"

	// Badge events (platform badge API)
	EventTypeBadgeSet   EventType = "badge:set"
	EventTypeBadgeClear EventType = "badge:clear"

	// Queue events
	EventTypeQueueStatus EventType = "queue:status"
	EventTypeQueueSync   EventType = "queue:sync"

	// Session events
	EventTypeSessionChanged EventType = "session:changed"
	EventTypeSessionExpired EventType = "session:expired"

	// OTP events
	EventTypeOTPChanged EventType = "otp:changed"

	// Subscription events
	EventTypeSubscribe   EventType = "subscribe"
	EventTypeUnsubscribe EventType = "unsubscribe"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      interface{}            `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"`
}

// ChannelType groups events a UI shell can subscribe to
type ChannelType string

const (
	ChannelBadge   ChannelType = "badge"
	ChannelQueue   ChannelType = "queue"
	ChannelSession ChannelType = "session"
	ChannelOTP     ChannelType = "otp"
)

// DefaultChannels are subscribed on connect.
var DefaultChannels = []ChannelType{ChannelBadge, ChannelQueue, ChannelSession, ChannelOTP}

// SubscribeRequest sent by client to subscribe to specific channels
type SubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

// UnsubscribeRequest sent by client to unsubscribe from channels
type UnsubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

// ErrorData for error events
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// BadgeData for badge events
type BadgeData struct {
	Count int `json:"count"`
}

// SessionEventData for session events
type SessionEventData struct {
	Event         string `json:"event"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	Message       string `json:"message,omitempty"`
}

// NewMessage builds a message with a fresh id
func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		ID:        ulid.Make().String(),
	}
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return &msg, err
}
