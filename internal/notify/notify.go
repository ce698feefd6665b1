// Package notify posts plain-text messages to an ntfy-style HTTP endpoint.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Notifier sends messages to a fixed endpoint.
type Notifier struct {
	endpoint string
	client   *http.Client
}

// New returns a notifier for endpoint. A nil client uses http.DefaultClient.
func New(endpoint string, client *http.Client) *Notifier {
	return &Notifier{endpoint: endpoint, client: client}
}

// QueueDrained reports that the navigation queue ran out of URLs.
func (n *Notifier) QueueDrained(ctx context.Context, done, failed int) error {
	return Send(ctx, n.client, n.endpoint, drainedMessage(done, failed))
}

func drainedMessage(done, failed int) string {
	msg := fmt.Sprintf("scrape_agent queue drained: %d navigated", done)
	if failed > 0 {
		msg += fmt.Sprintf(", %d failed", failed)
	}
	return msg
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
