package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/tasks"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgEvent MsgKind = iota
	MsgStreamClosed
	MsgBatchDone
)

// eventMsg is the constructor for [MsgEvent]
func eventMsg(e events.Event) Msg {
	return Msg{kind: MsgEvent, data: e}
}

// streamClosedMsg is the constructor for [MsgStreamClosed]
func streamClosedMsg() Msg {
	return Msg{kind: MsgStreamClosed}
}

// batchDoneMsg is the constructor for [MsgBatchDone]
func batchDoneMsg(summary *tasks.Summary, err error) Msg {
	return Msg{
		kind: MsgBatchDone,
		data: struct {
			summary *tasks.Summary
			err     error
		}{summary, err},
	}
}
