// Package server exposes the registration pipeline over HTTP.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
// [RequestLogger] and [Recover] are the stock middleware.
//
// The [BasicRouter] implementation uses [http.ServeMux] internally and dispatches one path to several
// methods, answering 405 for the rest.
//
// # Control API
//
// [ControlAPI] registers:
//
//	POST /api/register/start   {count, concurrency} → 202 with status
//	POST /api/register/stop    → 200, 409 when idle
//	GET  /api/register/status
//	GET  /api/config           runtime settings
//	PUT  /api/config           partial update, validated
//	GET  /api/accounts         ?prefix=&status=&missing_key=&limit=&offset=
//	GET  /api/accounts/stats
//
// Errors are JSON bodies of the form {"error": "..."}; [StatusFor] maps sentinel errors to 400, 404, 409 or 500.
//
// # Event Stream
//
// [EventStream] implements the [Handler] interface for GET /api/events. Each message is a data line holding
// one JSON event. After a restart the in-memory log is empty, so replay falls back to the stored snapshot.
package server
