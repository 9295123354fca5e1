package models

import "fmt"

// WorkflowState is the lifecycle position of a single registration workflow.
type WorkflowState int

const (
	StateInitiated WorkflowState = iota
	StateSubmitted
	StateAwaitingVerification
	StateLinkExtracted
	StateFinalized
	StateTokenAcquired
	StateSecondaryAuthenticated
	StateOrganizationResolved
	StateCredentialIssued
	StatePersisted
	StateFailed
)

func (s WorkflowState) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateSubmitted:
		return "submitted"
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateLinkExtracted:
		return "link_extracted"
	case StateFinalized:
		return "finalized"
	case StateTokenAcquired:
		return "token_acquired"
	case StateSecondaryAuthenticated:
		return "secondary_authenticated"
	case StateOrganizationResolved:
		return "organization_resolved"
	case StateCredentialIssued:
		return "credential_issued"
	case StatePersisted:
		return "persisted"
	case StateFailed:
		return "failed"
	default:
		return ""
	}
}

// Terminal reports whether no transition leaves s.
func (s WorkflowState) Terminal() bool {
	return s == StatePersisted || s == StateFailed
}

// HasToken reports whether s is at or past token acquisition, after which Failed is unreachable.
func (s WorkflowState) HasToken() bool {
	return s >= StateTokenAcquired && s <= StatePersisted
}

var allowedTransitions = map[WorkflowState][]WorkflowState{
	StateInitiated:              {StateSubmitted, StateFailed},
	StateSubmitted:              {StateAwaitingVerification, StateFailed},
	StateAwaitingVerification:   {StateLinkExtracted, StateFailed},
	StateLinkExtracted:          {StateFinalized, StateFailed},
	StateFinalized:              {StateTokenAcquired, StateFailed},
	StateTokenAcquired:          {StateSecondaryAuthenticated, StatePersisted},
	StateSecondaryAuthenticated: {StateOrganizationResolved, StatePersisted},
	StateOrganizationResolved:   {StateCredentialIssued, StatePersisted},
	StateCredentialIssued:       {StatePersisted},
}

// ValidateTransition returns an error unless from -> to is a forward edge of the workflow.
func ValidateTransition(from, to WorkflowState) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid workflow transition %s -> %s", from, to)
}
