package services

import "errors"

// Sentinel errors for pipeline operations. Every error aborts the enclosing
// transaction, so a caller that receives one of these is guaranteed the store
// is unchanged from before the call.
var (
	ErrTemplateNotFound    = errors.New("pipeline template not found")
	ErrListingNotFound     = errors.New("listing not found")
	ErrTaskNotFound        = errors.New("task not found on listing")
	ErrStageNotFound       = errors.New("stage instance not found on listing")
	ErrTaskMismatch        = errors.New("task does not belong to listing")
	ErrNoActiveStage       = errors.New("listing has no active stage")
	ErrTargetStageNotFound = errors.New("target stage not found on listing")
	// ErrInconsistentState signals a broken invariant on load, e.g. two
	// ACTIVE stages. Surfaced rather than silently repaired.
	ErrInconsistentState = errors.New("listing pipeline state is inconsistent")
)
