package tasks

import "fmt"

// ProgressUpdate represents a progress event during a maintenance operation.
//
// Used to send real-time updates to the CLI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Email   string // Account the update refers to, if any
}

// Operation phase enumeration
type Phase int

const (
	LoadAccounts Phase = iota
	Refetch
	Check
	Prune
)

func (p Phase) String() string {
	switch p {
	case LoadAccounts:
		return "load_accounts"
	case Refetch:
		return "refetch"
	case Check:
		return "check"
	case Prune:
		return "prune"
	default:
		return ""
	}
}

// sendProgress sends a progress update through the channel without blocking.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

func loadedAccountsUpdate(phase Phase, total int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   LoadAccounts,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Loaded %d accounts to %s", total, phase),
	}
}

func resultUpdate(phase Phase, step, total int, r AccountResult) ProgressUpdate {
	msg := fmt.Sprintf("[%d/%d] ✓ %s", step, total, r.Email)
	if r.Err != nil {
		msg = fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, r.Email, r.Err)
	}
	return ProgressUpdate{Phase: phase, Step: step, Total: total, Message: msg, Email: r.Email}
}

func pruneUpdate(removed int64) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Prune,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Removed %d inactive accounts", removed),
	}
}
