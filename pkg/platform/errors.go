package platform

import (
	"errors"
	"fmt"
)

// Sentinel errors for gateway operations.
var (
	// ErrContainerNotFound indicates the container does not exist or is not visible.
	ErrContainerNotFound = errors.New("container not found")

	// ErrMessageNotFound indicates the message does not exist in the container.
	ErrMessageNotFound = errors.New("message not found")

	// ErrAccessDenied indicates the bot lacks permissions for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnavailable indicates the platform could not be reached.
	ErrUnavailable = errors.New("platform unavailable")
)

// GatewayError wraps platform-specific errors with context.
type GatewayError struct {
	// Op is the operation that failed (e.g., "FetchContainer").
	Op string

	// ContainerID is the container id, if applicable.
	ContainerID string

	// MessageID is the message id, if applicable.
	MessageID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s: %s/%s: %v", e.Op, e.ContainerID, e.MessageID, e.Err)
	}
	if e.ContainerID != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.ContainerID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsContainerNotFound returns true if the error indicates a missing container.
func IsContainerNotFound(err error) bool {
	return errors.Is(err, ErrContainerNotFound)
}

// IsMessageNotFound returns true if the error indicates a missing message.
func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

// IsNotFound returns true for either kind of missing resource.
func IsNotFound(err error) bool {
	return IsContainerNotFound(err) || IsMessageNotFound(err)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}
