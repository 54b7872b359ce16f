package stagemachine

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeEmptyInput          = "STAGE_EMPTY_INPUT"
	ErrCodeDuplicateID         = "STAGE_DUPLICATE_ID"
	ErrCodeInvalidState        = "STAGE_INVALID_STATE"
	ErrCodeAlreadyInitialized  = "STAGE_ALREADY_INITIALIZED"
	ErrCodeMachineFinalized    = "STAGE_MACHINE_FINALIZED"
	ErrCodeNoSuchEdge          = "STAGE_NO_SUCH_EDGE"
	ErrCodeTimestampInPast     = "STAGE_TIMESTAMP_IN_PAST"
	ErrCodeOperationNotAllowed = "STAGE_OPERATION_NOT_ALLOWED"
	ErrCodeNotInitialized      = "STAGE_NOT_INITIALIZED"
	ErrCodeReentrant           = "STAGE_REENTRANT_CALL"
	ErrCodeHookFailed          = "STAGE_HOOK_FAILED"
)

var (
	ErrEmptyInput = apperrors.New("empty input", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeEmptyInput)
	ErrDuplicateID = apperrors.New("duplicate id", apperrors.CategoryConflict).
			WithTextCode(ErrCodeDuplicateID)
	ErrInvalidState = apperrors.New("invalid state", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidState)
	ErrAlreadyInitialized = apperrors.New("already initialized", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAlreadyInitialized)
	ErrMachineFinalized = apperrors.New("machine finalized", apperrors.CategoryConflict).
				WithTextCode(ErrCodeMachineFinalized)
	ErrNoSuchEdge = apperrors.New("no such edge", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNoSuchEdge)
	ErrTimestampInPast = apperrors.New("timestamp in past", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeTimestampInPast)
	ErrOperationNotAllowed = apperrors.New("operation not allowed", apperrors.CategoryAuthz).
				WithTextCode(ErrCodeOperationNotAllowed)
	ErrNotInitialized = apperrors.New("not initialized", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeNotInitialized)
	ErrReentrant = apperrors.New("reentrant call", apperrors.CategoryInternal).
			WithTextCode(ErrCodeReentrant)
	ErrHookFailed = apperrors.New("hook failed", apperrors.CategoryHandler).
			WithTextCode(ErrCodeHookFailed)
)

func newError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of a machine error, or "" for foreign errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsCode reports whether err carries the given text code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
