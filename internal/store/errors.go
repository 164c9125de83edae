package store

import "errors"

// Sentinel errors surfaced by conditional state transitions. The service
// layer translates these into caller-facing typed failures.
var (
	ErrNotPending          = errors.New("proposal is not pending")
	ErrNotApproved         = errors.New("proposal is not approved")
	ErrAlreadyUndone       = errors.New("entry has already been undone")
	ErrDuplicateSuggestion = errors.New("identical suggestion is already pending")
)
