// Package models defines the domain entities of the registration pipeline.
//
//   - [Account] : a registered account and everything captured for it
//   - [Enrichment] : how far the post-token steps got for an account
//   - [Status] : result of the last liveness check
//   - [WorkflowState] : lifecycle of one registration workflow, with forward-only transitions
//
// Accounts become immutable once written, except for credential backfill and liveness updates.
package models
