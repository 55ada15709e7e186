package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-mcp-inspector/core"
)

const (
	ReasonStreamReset      = "stream_reset"
	ReasonConnectionClosed = "connection_closed"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonFrameTooLarge    = "frame_too_large"
	ReasonBodyTooLarge     = "body_too_large"
	ReasonHeartbeatMissed  = "heartbeat_missed"
)

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return transportError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.InspectorErrorValidation
	case goerrors.CategoryOperation:
		return core.InspectorErrorTimeout
	case goerrors.CategoryExternal:
		return core.InspectorErrorTransport
	default:
		return core.InspectorErrorInternal
	}
}

func externalError(kind core.TransportKind, message string, cause error, reason string) error {
	metadata := map[string]any{"transport": string(kind)}
	if reason != "" {
		metadata["reason"] = reason
	}
	return transportWrapError(cause, goerrors.CategoryExternal, message, http.StatusBadGateway, metadata)
}

func timeoutError(kind core.TransportKind, message string, reason string) error {
	metadata := map[string]any{"transport": string(kind)}
	if reason != "" {
		metadata["reason"] = reason
	}
	return transportError(message, goerrors.CategoryOperation, http.StatusGatewayTimeout, metadata)
}

func handshakeTimeoutError(kind core.TransportKind, timeout time.Duration) error {
	return timeoutError(
		kind,
		fmt.Sprintf("%s handshake timed out after %d ms", kind, timeout.Milliseconds()),
		ReasonHandshakeTimeout,
	)
}

// contextError maps a finished request context onto the inspector taxonomy.
func contextError(kind core.TransportKind, method string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(kind, fmt.Sprintf("%s %s timed out after %d ms", kind, method, timeout.Milliseconds()), "")
	}
	return externalError(kind, fmt.Sprintf("%s %s cancelled", kind, method), err, "")
}

// ReasonOf returns the reason metadata of a transport error, if any.
func ReasonOf(err error) string {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Metadata == nil {
		return ""
	}
	reason, _ := rich.Metadata["reason"].(string)
	return reason
}

// retryable reports whether a connect attempt may be repeated.
func retryable(err error) bool {
	if err == nil || ReasonOf(err) == ReasonSpawnFailed {
		return false
	}
	switch core.KindOf(err) {
	case core.ErrorKindTransport, core.ErrorKindTimeout:
		return true
	}
	return false
}
