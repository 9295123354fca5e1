// Package services contains the HTTP clients used by the registration workflow.
//
// # Transport
//
// [APIService] is the JSON transport shared by every client: a base URL, default browser-like headers and
// a raw [APIResponse]. Non-2xx statuses are returned as responses, not errors, so each client decides what
// a rejection means.
//
// # Identity
//
// [IdentityService] submits registrations and finalizes them with the parameters of the emailed verification
// link. Failures wrap [shared.ErrUpstreamRejection], [shared.ErrFinalizationFailed] or [shared.ErrNoToken].
//
// # Inbox
//
// [InboxService] lists the messages of a temporary mailbox. Each lookup has its own 10 second deadline.
//
// # Secondary API
//
// [SecondaryService] performs the enrichment chain: token exchange, organization resolution and API key
// issuance. Calls after login authenticate with an oauth2 static bearer token. None of them return errors:
// a failure is logged, published as an event and reported as ok=false so the workflow can degrade.
//
// # Notifications
//
// [Notifier] posts a markdown summary to PushPlus when a batch completes. The token travels with each call
// since it is a runtime setting.
package services
