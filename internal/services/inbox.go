package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// InboxRequestTimeout bounds a single inbox lookup.
const InboxRequestTimeout = 10 * time.Second

// InboxService implements [Inbox] against the temporary mailbox service.
type InboxService struct {
	api *APIService
}

// NewInboxService creates an [InboxService] for baseURL.
func NewInboxService(baseURL string, client *http.Client) *InboxService {
	return &InboxService{api: NewAPIService(baseURL, client)}
}

// LookupURL returns the URL polled for email, shown to operators as a link.
func (s *InboxService) LookupURL(email string) string {
	return s.api.BaseURL() + "/api/get-emails?email=" + url.QueryEscape(email)
}

// Messages returns the mails currently in the mailbox.
func (s *InboxService) Messages(ctx context.Context, email string) ([]Message, error) {
	ctx, cancel := withTimeout(ctx, InboxRequestTimeout)
	defer cancel()

	resp, err := s.api.Get(ctx, "/api/get-emails?email="+url.QueryEscape(email))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("inbox lookup returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Emails []Message `json:"emails"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return body.Emails, nil
}
