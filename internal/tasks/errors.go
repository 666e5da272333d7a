package tasks

import "errors"

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrNotTaskOwner       = errors.New("only the task creator can do this")
	ErrTaskStateConflict  = errors.New("task is not in a state that allows this")
	ErrTaskFull           = errors.New("task has no completions left")
	ErrAlreadySubmitted   = errors.New("proof already submitted for this task")
	ErrOwnTask            = errors.New("cannot submit proof to your own task")
	ErrSubmissionReviewed = errors.New("submission was already reviewed")
	ErrInvalidTask        = errors.New("invalid task")
	ErrProofMismatch      = errors.New("proof does not match the task's proof type")
)
