// package services implements the HTTP clients for the identity service, the inbox lookup service,
// the secondary API and the completion notifier.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Identity registers and finalizes accounts with the identity service.
type Identity interface {
	Signup(ctx context.Context, creds Credentials) error
	FinishSignup(ctx context.Context, creds Credentials, v Verification) (string, error)
}

// Inbox looks up messages delivered to a mailbox.
type Inbox interface {
	Messages(ctx context.Context, email string) ([]Message, error)
}

// Secondary performs the post-token enrichment calls. Each returns ok=false instead of an error.
type Secondary interface {
	Authenticate(ctx context.Context, token string) (string, bool)
	ResolveOrganization(ctx context.Context, session string) (string, string, bool)
	IssueCredential(ctx context.Context, session, orgID, projectID string) (string, bool)
}

// Credentials identify an account being registered.
type Credentials struct {
	Email    string
	Password string
}

// Name is the mailbox local part, used as display name at signup.
func (c Credentials) Name() string {
	name, _, _ := strings.Cut(c.Email, "@")
	return name
}

// Verification carries the query parameters of an emailed verification link.
type Verification struct {
	Token    string
	Email    string
	Username string
}

// Message is a mail returned by the inbox service.
type Message struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

const passwordCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// NewCredentials generates a random 12 hex character mailbox on one of domains and a 14 character password.
func NewCredentials(domains []string) (Credentials, error) {
	if len(domains) == 0 {
		return Credentials{}, fmt.Errorf("no email domains configured")
	}

	local := make([]byte, 6)
	if _, err := rand.Read(local); err != nil {
		return Credentials{}, fmt.Errorf("failed to generate mailbox: %w", err)
	}

	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(domains))))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to pick domain: %w", err)
	}

	password := make([]byte, 14)
	for i := range password {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordCharset))))
		if err != nil {
			return Credentials{}, fmt.Errorf("failed to generate password: %w", err)
		}
		password[i] = passwordCharset[n.Int64()]
	}

	return Credentials{
		Email:    hex.EncodeToString(local) + "@" + domains[idx.Int64()],
		Password: string(password),
	}, nil
}
