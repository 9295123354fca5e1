package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/shared"
	"golang.org/x/oauth2"
)

const (
	loginPath        = "/api/auth/z/login"
	customerInfoPath = "/api/biz/customer/getCustomerInfo"
	apiKeysPath      = "/api/biz/v1/organization/%s/projects/%s/api_keys"

	LoginTimeout        = 15 * time.Second
	CustomerInfoTimeout = 20 * time.Second
	IssueKeyTimeout     = 30 * time.Second
)

// SecondaryService implements [Secondary] against the secondary API.
//
// Every call reports its outcome as an event and returns a zero value with ok=false on any failure.
type SecondaryService struct {
	api       *APIService
	logger    *log.Logger
	publisher events.Publisher
}

// NewSecondaryService creates a [SecondaryService]. A nil publisher discards events.
func NewSecondaryService(baseURL string, client *http.Client, publisher events.Publisher, logger *log.Logger) *SecondaryService {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	if publisher == nil {
		publisher = events.Discard
	}

	api := NewAPIService(baseURL, client)
	if u, err := url.Parse(api.BaseURL()); err == nil && u.Host != "" {
		origin := u.Scheme + "://" + u.Host
		api.SetHeader("Origin", origin)
		api.SetHeader("Referer", origin+"/")
	}

	return &SecondaryService{
		api:       api,
		logger:    shared.WithLogger(logger, "component", "secondary"),
		publisher: publisher,
	}
}

// envelope is the common response wrapper of the secondary API.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Data    T      `json:"data"`
}

func (e envelope[T]) ok() bool {
	return e.Success && e.Code == http.StatusOK
}

// bearer returns a copy of the API client that authenticates with session.
func (s *SecondaryService) bearer(ctx context.Context, session string) *APIService {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.api.httpClient)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: session, TokenType: "Bearer"})
	client := oauth2.NewClient(ctx, src)
	// oauth2 only keeps the base transport
	client.Timeout = s.api.httpClient.Timeout
	client.Jar = s.api.httpClient.Jar
	return s.api.WithClient(client)
}

func (s *SecondaryService) fail(step string, err error) {
	s.logger.Warn(step+" failed", "error", err)
	s.publisher.Publish(events.Warn(fmt.Sprintf("%s failed: %v", step, err)))
}

// Authenticate exchanges the primary token for a secondary session token.
func (s *SecondaryService) Authenticate(ctx context.Context, token string) (string, bool) {
	ctx, cancel := withTimeout(ctx, LoginTimeout)
	defer cancel()

	resp, err := s.api.PostJSON(ctx, loginPath, map[string]string{"token": token})
	if err != nil {
		s.fail("secondary login", err)
		return "", false
	}

	var body envelope[struct {
		AccessToken string `json:"access_token"`
	}]
	if err := resp.Decode(&body); err != nil {
		s.fail("secondary login", err)
		return "", false
	}
	if !body.ok() || body.Data.AccessToken == "" {
		s.fail("secondary login", fmt.Errorf("HTTP %d code %d %s", resp.StatusCode, body.Code, body.Msg))
		return "", false
	}

	s.publisher.Publish(events.Success("secondary login succeeded"))
	return body.Data.AccessToken, true
}

// ResolveOrganization returns the first organization and its first project.
func (s *SecondaryService) ResolveOrganization(ctx context.Context, session string) (string, string, bool) {
	ctx, cancel := withTimeout(ctx, CustomerInfoTimeout)
	defer cancel()

	resp, err := s.bearer(ctx, session).Get(ctx, customerInfoPath)
	if err != nil {
		s.fail("organization lookup", err)
		return "", "", false
	}

	var body envelope[struct {
		Organizations []struct {
			OrganizationID string `json:"organizationId"`
			Projects       []struct {
				ProjectID string `json:"projectId"`
			} `json:"projects"`
		} `json:"organizations"`
	}]
	if err := resp.Decode(&body); err != nil {
		s.fail("organization lookup", err)
		return "", "", false
	}
	if !body.ok() || len(body.Data.Organizations) == 0 {
		s.fail("organization lookup", fmt.Errorf("no organization (HTTP %d code %d)", resp.StatusCode, body.Code))
		return "", "", false
	}

	org := body.Data.Organizations[0]
	if org.OrganizationID == "" || len(org.Projects) == 0 || org.Projects[0].ProjectID == "" {
		s.fail("organization lookup", fmt.Errorf("organization has no project"))
		return "", "", false
	}

	s.publisher.Publish(events.Success("organization resolved"))
	return org.OrganizationID, org.Projects[0].ProjectID, true
}

// IssueCredential creates an API key and returns it as "apiKey.secretKey".
func (s *SecondaryService) IssueCredential(ctx context.Context, session, orgID, projectID string) (string, bool) {
	ctx, cancel := withTimeout(ctx, IssueKeyTimeout)
	defer cancel()

	path := fmt.Sprintf(apiKeysPath, url.PathEscape(orgID), url.PathEscape(projectID))
	name := fmt.Sprintf("key_%d", time.Now().UnixNano())

	resp, err := s.bearer(ctx, session).PostJSON(ctx, path, map[string]string{"name": name})
	if err != nil {
		s.fail("api key issuance", err)
		return "", false
	}

	var body envelope[struct {
		APIKey    string `json:"apiKey"`
		SecretKey string `json:"secretKey"`
	}]
	if err := resp.Decode(&body); err != nil {
		s.fail("api key issuance", err)
		return "", false
	}
	if !body.ok() || body.Data.APIKey == "" || body.Data.SecretKey == "" {
		s.fail("api key issuance", fmt.Errorf("no key issued (HTTP %d code %d)", resp.StatusCode, body.Code))
		return "", false
	}

	s.publisher.Publish(events.Success("api key issued"))
	return body.Data.APIKey + "." + body.Data.SecretKey, true
}
