// Package ui implements the batch monitor, an interactive terminal interface using bubbletea's Elm architecture.
//
// The [Model] starts one batch through a [BatchRunner] and renders:
//   - a header with a spinner while the batch runs, or the final summary once it settles
//   - success, failure and launched counters with the projected time to completion
//   - a scrolling viewport of bus events colored by level
//
// Events arrive through a subscription channel; the model re-arms a read command after every event, so a slow
// terminal never blocks the bus (the bus drops the subscriber instead).
//
// Keyboard: s requests a stop (the current wave finishes), j/k or arrows scroll, g/G jump to top or follow,
// ? toggles full help, q stops the batch and quits once it has settled.
package ui
