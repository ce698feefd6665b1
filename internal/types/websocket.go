package types

import "time"

// WebSocketConnection tracks an open WebSocket on a tracked tab.
type WebSocketConnection struct {
	RequestID string
	URL       string
	TabID     string
	CreatedAt time.Time
}
