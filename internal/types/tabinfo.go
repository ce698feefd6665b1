package types

import "time"

// TabStats are the rolling per-tab counters shown on the dashboard.
type TabStats struct {
	Requests    int `json:"requests"`
	Tokens      int `json:"tokens"`
	AuthCookies int `json:"authCookies"`
	WebSockets  int `json:"websockets"`
}

// TabSnapshot is a point-in-time copy of a tab session.
type TabSnapshot struct {
	TabID       string     `json:"tabId"`
	Tracked     bool       `json:"tracked"`
	Domain      string     `json:"domain"`
	Stats       TabStats   `json:"stats"`
	TotalEvents int        `json:"totalEvents"`
	Recent      []Event    `json:"recent"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
}
