package models

import (
	"fmt"
	"strings"
	"time"
)

// Enrichment describes how many of the optional post-token steps succeeded.
type Enrichment string

const (
	EnrichmentComplete  Enrichment = "complete"   // API key issued
	EnrichmentTokenOnly Enrichment = "token-only" // token captured, enrichment failed or skipped
	EnrichmentFailed    Enrichment = "failed"
)

// Valid reports whether e is a known enrichment value.
func (e Enrichment) Valid() bool {
	switch e {
	case EnrichmentComplete, EnrichmentTokenOnly, EnrichmentFailed:
		return true
	}
	return false
}

// Status is the outcome of the most recent liveness check.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusActive, StatusInactive:
		return true
	}
	return false
}

// Account is a registered account.
//
// Email is the unique identifier, Token the primary token returned by the identity service,
// and APIKey the optional credential issued by the secondary API.
type Account struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Password   string     `json:"password"`
	Token      string     `json:"token"`
	APIKey     string     `json:"api_key,omitempty"`
	Enrichment Enrichment `json:"enrichment"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewAccount builds an account captured at time.Now, deriving enrichment from the presence of a key.
func NewAccount(email, password, token, apiKey string) *Account {
	now := time.Now()
	enrichment := EnrichmentTokenOnly
	if apiKey != "" {
		enrichment = EnrichmentComplete
	}
	return &Account{
		Email:      email,
		Password:   password,
		Token:      token,
		APIKey:     apiKey,
		Enrichment: enrichment,
		Status:     StatusUnknown,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HasAPIKey reports whether a credential was issued.
func (a *Account) HasAPIKey() bool {
	return a.APIKey != ""
}

// Validate checks the fields required before an account can be persisted.
func (a *Account) Validate() error {
	if a.Email == "" || !strings.Contains(a.Email, "@") {
		return fmt.Errorf("invalid email: %q", a.Email)
	}
	if a.Password == "" {
		return fmt.Errorf("password is required")
	}
	if a.Token == "" {
		return fmt.Errorf("token is required")
	}
	if !a.Enrichment.Valid() {
		return fmt.Errorf("invalid enrichment: %q", a.Enrichment)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("invalid status: %q", a.Status)
	}
	return nil
}

// AccountStats aggregates the stored accounts.
type AccountStats struct {
	Total      int `json:"total"`
	WithKey    int `json:"with_key"`
	WithoutKey int `json:"without_key"`
	Active     int `json:"active"`
	Inactive   int `json:"inactive"`
	Unknown    int `json:"unknown"`
}
