package models

import (
	"errors"
	"fmt"
)

// Error variables for conditions callers branch on.
var (
	ErrDuplicateKeyword = errors.New("keyword already exists")
	ErrRuleNotFound     = errors.New("rule not found")
	ErrAlreadyInFlow    = errors.New("user already has an open conversation flow")
	ErrEmptyUserID      = errors.New("user id cannot be empty")
)

// ValidationError reports a message that contains segment kinds not allowed
// in the role it was submitted for.
type ValidationError struct {
	Field   string // "keyword" or "reply"
	Allowed []SegmentType
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: only %v segments are allowed", e.Field, e.Allowed)
}

// PermissionError reports an attempt to modify a rule owned by someone else.
type PermissionError struct {
	UserID  string
	OwnerID string
	RuleID  int64
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s may not modify rule %d owned by %s", e.UserID, e.RuleID, e.OwnerID)
}

// StorageError wraps a failure of the persistence layer.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// AttachmentDownloadError reports an attachment that could not be materialized.
type AttachmentDownloadError struct {
	Ref   string
	Cause error
}

func (e *AttachmentDownloadError) Error() string {
	return fmt.Sprintf("failed to download attachment %s: %v", e.Ref, e.Cause)
}

func (e *AttachmentDownloadError) Unwrap() error {
	return e.Cause
}
