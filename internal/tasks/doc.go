// Package tasks runs the registration pipeline and the maintenance jobs over stored accounts.
//
// # Workflow
//
// A [Workflow] provisions one account:
//
//  1. Generate a mailbox the dedup cache does not know and submit the signup
//  2. Wait for the verification mail with the [VerificationPoller]
//  3. Extract the verification link through the ordered [DefaultLinkStrategies]
//  4. Finalize the signup and read the primary token
//  5. Log in to the secondary API, resolve the organization and issue an API key
//  6. Persist the account
//
// Any failure in steps 1 to 4 rejects the account with a sentinel from the shared package. Once the
// token is held the workflow always persists: a failed enrichment step stores the account as token-only
// and stop requests are ignored.
//
// # Batches
//
// The [Orchestrator] runs one [BatchJob] at a time in waves of min(concurrency, remaining) workflows.
// Every wave is a barrier: the next one starts only after all workflows of the current one settled,
// and only if no stop was requested. Counters, elapsed time and ETA are published after each wave and a
// complete event closes the batch.
//
// # Maintenance
//
// [Maintenance] backfills API keys, checks account liveness and prunes inactive accounts through a
// rate-limited worker pool. Progress is reported on a [ProgressUpdate] channel; sends never block.
package tasks
