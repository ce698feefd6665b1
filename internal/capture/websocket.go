package capture

import (
	"sync"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/types"
)

// Frame directions carried by websocket events.
const (
	DirectionRecv = "recv"
	DirectionSent = "sent"
)

// socketTracker remembers the URL of each open WebSocket so frames, which
// only carry the request id, can be attributed to a domain.
type socketTracker struct {
	connections   map[string]*types.WebSocketConnection
	connectionsMu sync.RWMutex
}

func newSocketTracker() *socketTracker {
	return &socketTracker{connections: make(map[string]*types.WebSocketConnection)}
}

func (w *socketTracker) onCreated(tabID, requestID, url string) {
	w.connectionsMu.Lock()
	w.connections[requestID] = &types.WebSocketConnection{
		RequestID: requestID,
		URL:       url,
		TabID:     tabID,
		CreatedAt: time.Now().UTC(),
	}
	w.connectionsMu.Unlock()
}

func (w *socketTracker) lookup(requestID string) (types.WebSocketConnection, bool) {
	w.connectionsMu.RLock()
	defer w.connectionsMu.RUnlock()
	conn, ok := w.connections[requestID]
	if !ok {
		return types.WebSocketConnection{}, false
	}
	return *conn, true
}

func (w *socketTracker) onClosed(requestID string) {
	w.connectionsMu.Lock()
	delete(w.connections, requestID)
	w.connectionsMu.Unlock()
}

func (w *socketTracker) onTabClosed(tabID string) {
	w.connectionsMu.Lock()
	defer w.connectionsMu.Unlock()
	for id, conn := range w.connections {
		if conn.TabID == tabID {
			delete(w.connections, id)
		}
	}
}

func (w *socketTracker) activeConnections() int {
	w.connectionsMu.RLock()
	defer w.connectionsMu.RUnlock()
	return len(w.connections)
}
