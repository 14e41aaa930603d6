package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	coreerrors "github.com/davidahmann/postwatch/core/errors"
)

const (
	exitOK              = 0
	exitPrecondition    = 2
	exitInternalFailure = 3
)

// errorEnvelope is the --json shape of every failed command.
type errorEnvelope struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code"`
	ErrorCategory string `json:"error_category"`
	Retryable     bool   `json:"retryable"`
	Hint          string `json:"hint,omitempty"`
}

// usageError marks cobra flag and argument errors, which carry no category.
type usageError struct{ cause error }

func (e *usageError) Error() string { return e.cause.Error() }

func (e *usageError) Unwrap() error { return e.cause }

func exitCodeForError(err error) int {
	if err == nil {
		return exitOK
	}
	var usage *usageError
	if stderrors.As(err, &usage) {
		return exitPrecondition
	}
	if coreerrors.IsPrecondition(err) {
		return exitPrecondition
	}
	return exitInternalFailure
}

func envelopeFor(err error) errorEnvelope {
	category := coreerrors.CategoryOf(err)
	code := coreerrors.CodeOf(err)
	var usage *usageError
	if stderrors.As(err, &usage) {
		category = coreerrors.CategoryInvalidInput
		code = "invalid_usage"
	}
	if category == "" {
		category = coreerrors.CategoryInternalFailure
	}
	if code == "" {
		code = defaultErrorCode(category)
	}
	hint := coreerrors.HintOf(err)
	if hint == "" {
		hint = defaultHint(category)
	}
	return errorEnvelope{
		OK:            false,
		Error:         err.Error(),
		ErrorCode:     code,
		ErrorCategory: string(category),
		Retryable:     coreerrors.RetryableOf(err) || defaultRetryable(category),
		Hint:          hint,
	}
}

func defaultErrorCode(category coreerrors.Category) string {
	switch category {
	case coreerrors.CategoryInvalidInput:
		return "invalid_input"
	case coreerrors.CategoryVerification:
		return "verification_failed"
	case coreerrors.CategoryLockBusy:
		return "lock_busy"
	default:
		return "internal_failure"
	}
}

func defaultHint(category coreerrors.Category) string {
	switch category {
	case coreerrors.CategoryInvalidInput:
		return "check command usage and the project config"
	case coreerrors.CategoryVerification:
		return "inspect the mismatched artifacts; replay never repairs them"
	case coreerrors.CategoryLockBusy:
		return "wait for the active run or raise --lock-timeout"
	default:
		return "retry after checking the run log and the state root"
	}
}

func defaultRetryable(category coreerrors.Category) bool {
	return category == coreerrors.CategoryNetworkTransient || category == coreerrors.CategoryLockBusy
}

func writeJSON(writer io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(writer, string(encoded))
	return err
}

// reportError prints err as an envelope or a single line and returns the
// exit code it maps to.
func (c *cli) reportError(err error) int {
	code := exitCodeForError(err)
	var already *reported
	if stderrors.As(err, &already) {
		return code
	}
	if c.root.JSON {
		if writeErr := writeJSON(c.stdout, envelopeFor(err)); writeErr != nil {
			fmt.Fprintln(c.stderr, `{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		}
		return code
	}
	message := strings.TrimSpace(err.Error())
	if hint := envelopeFor(err).Hint; hint != "" {
		message += "\nhint: " + hint
	}
	fmt.Fprintln(c.stderr, "postwatch: "+message)
	return code
}
