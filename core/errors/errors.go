package errors

import "errors"

type Category string

const (
	CategoryInvalidInput        Category = "invalid_input"
	CategoryLockBusy            Category = "lock_busy"
	CategoryPrerequisiteMissing Category = "prerequisite_missing"
	CategoryStageFailure        Category = "stage_failure"
	CategoryPublishSoft         Category = "publish_soft"
	CategoryPublishHard         Category = "publish_hard"
	CategoryVerification        Category = "verification_failed"
	CategoryIOFailure           Category = "io_failure"
	CategoryNetworkTransient    Category = "network_transient"
	CategoryInternalFailure     Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap attaches a category, a stable machine code and an operator hint to cause.
// A nil cause stays nil so call sites can wrap unconditionally.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// IsPrecondition reports whether err belongs to the categories that surface as
// a validation failure rather than a runtime fault.
func IsPrecondition(err error) bool {
	switch CategoryOf(err) {
	case CategoryInvalidInput, CategoryLockBusy, CategoryPrerequisiteMissing, CategoryVerification, CategoryPublishHard:
		return true
	default:
		return false
	}
}
