package services

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// NotifyTimeout bounds a notification call.
const NotifyTimeout = 10 * time.Second

// Notifier posts markdown messages to PushPlus.
type Notifier struct {
	api *APIService
}

// NewNotifier creates a [Notifier] for the PushPlus endpoint at sendURL.
func NewNotifier(sendURL string, client *http.Client) *Notifier {
	return &Notifier{api: NewAPIService(sendURL, client)}
}

// Send posts a markdown message on behalf of token. An empty token sends nothing.
func (n *Notifier) Send(ctx context.Context, token, title, content string) error {
	if token == "" {
		return nil
	}

	ctx, cancel := withTimeout(ctx, NotifyTimeout)
	defer cancel()

	resp, err := n.api.PostJSON(ctx, "", map[string]string{
		"token":    token,
		"title":    title,
		"content":  content,
		"template": "markdown",
	})
	if err != nil {
		return fmt.Errorf("notification failed: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("notification failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
