package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	InspectorErrorTransport    = "INSPECTOR_TRANSPORT_ERROR"
	InspectorErrorValidation   = "INSPECTOR_VALIDATION_ERROR"
	InspectorErrorConflict     = "INSPECTOR_CONFLICT"
	InspectorErrorTimeout      = "INSPECTOR_TIMEOUT"
	InspectorErrorCompensation = "INSPECTOR_COMPENSATION_REQUIRED"
	InspectorErrorDurability   = "INSPECTOR_DURABILITY_ERROR"
	InspectorErrorBudget       = "ERROR_BUDGET_EXHAUSTED"
	InspectorErrorInternal     = "INSPECTOR_INTERNAL_ERROR"
)

type ErrorKind string

const (
	ErrorKindTransport    ErrorKind = "transport"
	ErrorKindValidation   ErrorKind = "validation"
	ErrorKindConflict     ErrorKind = "conflict"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindCompensation ErrorKind = "compensation"
	ErrorKindDurability   ErrorKind = "durability"
	ErrorKindBudget       ErrorKind = "budget"
	ErrorKindInternal     ErrorKind = "internal"
)

var (
	ErrIllegalTransition = errors.New("core: illegal run state transition")
	ErrRunTerminal       = errors.New("core: run is terminal")
	ErrStaleToken        = errors.New("core: claim token is stale")
	ErrRunReaped         = errors.New("core: run was reaped after exceeding its ttl")
)

func NewTransportError(message string, cause error) *goerrors.Error {
	return wrapInspectorError(cause, goerrors.CategoryExternal, message, InspectorErrorTransport, http.StatusBadGateway)
}

func NewValidationError(message string, fields ...goerrors.FieldError) *goerrors.Error {
	err := goerrors.NewValidation(message, fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(InspectorErrorValidation).
		WithSeverity(goerrors.SeverityError)
	return err
}

// NewConflictError reports a claim that could not be taken; reason is one of
// the ConflictReason values.
func NewConflictError(key string, reason ConflictReason, run *InspectionRun) *goerrors.Error {
	metadata := map[string]any{
		"idempotency_key": key,
		"reason":          string(reason),
	}
	if run != nil {
		metadata["run_id"] = run.RunID
		metadata["status"] = string(run.Status)
	}
	return goerrors.New("inspector: idempotency key "+quote(key)+" conflict: "+string(reason), goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(InspectorErrorConflict).
		WithMetadata(metadata)
}

func NewTimeoutError(message string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryOperation).
		WithCode(http.StatusGatewayTimeout).
		WithTextCode(InspectorErrorTimeout)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func NewCompensationError(message string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(InspectorErrorCompensation)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func NewDurabilityError(message string, cause error, metadata map[string]any) *goerrors.Error {
	err := wrapInspectorError(cause, goerrors.CategoryInternal, message, InspectorErrorDurability, http.StatusInternalServerError)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func wrapInspectorError(cause error, category goerrors.Category, message, textCode string, code int) *goerrors.Error {
	var err *goerrors.Error
	if cause == nil {
		err = goerrors.New(message, category)
	} else {
		err = goerrors.Wrap(cause, category, message)
	}
	return err.WithCode(code).WithTextCode(textCode)
}

// KindOf classifies any error by its envelope text code.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return ErrorKindInternal
	}
	switch rich.TextCode {
	case InspectorErrorTransport:
		return ErrorKindTransport
	case InspectorErrorValidation:
		return ErrorKindValidation
	case InspectorErrorConflict:
		return ErrorKindConflict
	case InspectorErrorTimeout:
		return ErrorKindTimeout
	case InspectorErrorCompensation:
		return ErrorKindCompensation
	case InspectorErrorDurability:
		return ErrorKindDurability
	case InspectorErrorBudget:
		return ErrorKindBudget
	}
	switch rich.Category {
	case goerrors.CategoryExternal:
		return ErrorKindTransport
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return ErrorKindValidation
	case goerrors.CategoryConflict:
		return ErrorKindConflict
	case goerrors.CategoryRateLimit:
		return ErrorKindBudget
	}
	return ErrorKindInternal
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return ensureServiceErrorEnvelope(NewTimeoutError(err.Error(), nil))
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "eof"):
		return ensureServiceErrorEnvelope(NewTransportError(err.Error(), err))
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "missing"):
		return newServiceError(err.Error(), goerrors.CategoryValidation, InspectorErrorValidation)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return InspectorErrorValidation
	case goerrors.CategoryExternal:
		return InspectorErrorTransport
	case goerrors.CategoryConflict:
		return InspectorErrorConflict
	case goerrors.CategoryRateLimit:
		return InspectorErrorBudget
	default:
		return InspectorErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

func quote(value string) string {
	return "\"" + value + "\""
}
