package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/shared"
)

const (
	signupPath        = "/api/v1/auths/signup"
	finishSignupPath  = "/api/v1/auths/finish_signup"
	blankProfileImage = "data:image/png;base64,"
)

// IdentityService implements [Identity] against the identity service.
type IdentityService struct {
	api     *APIService
	timeout time.Duration
	logger  *log.Logger
}

// NewIdentityService creates an [IdentityService]; timeout bounds each call. Zero leaves the deadline to ctx.
func NewIdentityService(baseURL string, client *http.Client, timeout time.Duration, logger *log.Logger) *IdentityService {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	api := NewAPIService(baseURL, client)
	api.SetHeader("Origin", api.BaseURL())
	api.SetHeader("Referer", api.BaseURL()+"/")

	return &IdentityService{
		api:     api,
		timeout: timeout,
		logger:  shared.WithLogger(logger, "component", "identity"),
	}
}

type signupRequest struct {
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	Password        string  `json:"password"`
	ProfileImageURL string  `json:"profile_image_url"`
	SSORedirect     *string `json:"sso_redirect"`
}

type finishSignupRequest struct {
	Email           string  `json:"email"`
	Password        string  `json:"password"`
	ProfileImageURL string  `json:"profile_image_url"`
	SSORedirect     *string `json:"sso_redirect"`
	Token           string  `json:"token"`
	Username        string  `json:"username"`
}

// Signup submits the registration. Every failure wraps [shared.ErrUpstreamRejection]; transport failures and
// 5xx statuses also wrap [shared.ErrServiceUnavailable] so callers may retry them.
func (s *IdentityService) Signup(ctx context.Context, creds Credentials) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.api.PostJSON(ctx, signupPath, signupRequest{
		Name:            creds.Name(),
		Email:           creds.Email,
		Password:        creds.Password,
		ProfileImageURL: blankProfileImage,
	})
	if err != nil {
		return fmt.Errorf("%w: %w: %v", shared.ErrUpstreamRejection, shared.ErrServiceUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w: HTTP %d", shared.ErrUpstreamRejection, shared.ErrServiceUnavailable, resp.StatusCode)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: HTTP %d: %s", shared.ErrUpstreamRejection, resp.StatusCode, resp.Snippet(200))
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := resp.Decode(&body); err != nil || !body.Success {
		return fmt.Errorf("%w: signup not accepted: %s", shared.ErrUpstreamRejection, resp.Snippet(200))
	}

	s.logger.Debug("signup accepted", "email", creds.Email)
	return nil
}

// FinishSignup finalizes the registration with the parameters of the verification link and returns the
// primary token. A rejected call wraps [shared.ErrFinalizationFailed]; an accepted call without a token
// wraps [shared.ErrNoToken].
func (s *IdentityService) FinishSignup(ctx context.Context, creds Credentials, v Verification) (string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	email := v.Email
	if email == "" {
		email = creds.Email
	}

	resp, err := s.api.PostJSON(ctx, finishSignupPath, finishSignupRequest{
		Email:           email,
		Password:        creds.Password,
		ProfileImageURL: blankProfileImage,
		Token:           v.Token,
		Username:        v.Username,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrFinalizationFailed, err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: HTTP %d", shared.ErrFinalizationFailed, resp.StatusCode)
	}

	var body struct {
		Success bool `json:"success"`
		User    struct {
			Token string `json:"token"`
		} `json:"user"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrFinalizationFailed, err)
	}
	if !body.Success {
		return "", fmt.Errorf("%w: finish_signup rejected", shared.ErrFinalizationFailed)
	}
	if body.User.Token == "" {
		return "", shared.ErrNoToken
	}

	return body.User.Token, nil
}
