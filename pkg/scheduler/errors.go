package scheduler

import (
	"errors"
	"fmt"

	"github.com/3leaps/unreact/pkg/platform"
)

var (
	// ErrUnsupportedContainer indicates the container kind cannot host a
	// cleaning task.
	ErrUnsupportedContainer = errors.New("unsupported container kind")

	// ErrPersistence indicates the durable registry rejected a write. When
	// returned from Start, the live task has been rolled back.
	ErrPersistence = errors.New("registry write failed")

	// ErrStaleRegistry is returned by StopAll when live tasks were stopped
	// but the durable registry could not be cleared.
	ErrStaleRegistry = errors.New("registry may be stale")

	// ErrClosed is returned by operations after Shutdown.
	ErrClosed = errors.New("scheduler is shut down")
)

// UnsupportedContainerError describes a policy rejection of a container.
type UnsupportedContainerError struct {
	Reference   string
	ContainerID string
	Kind        platform.ContainerKind
}

func (e *UnsupportedContainerError) Error() string {
	if e.Kind == platform.KindForum {
		return fmt.Sprintf("container %s is a forum; reference a message inside one of its threads instead", e.ContainerID)
	}
	return fmt.Sprintf("container %s has unsupported kind %q", e.ContainerID, e.Kind)
}

func (e *UnsupportedContainerError) Unwrap() error {
	return ErrUnsupportedContainer
}

// Forum reports whether the rejected container was a forum root.
func (e *UnsupportedContainerError) Forum() bool {
	return e.Kind == platform.KindForum
}

// IsUnsupportedContainer reports whether err is a container-kind rejection.
func IsUnsupportedContainer(err error) bool {
	return errors.Is(err, ErrUnsupportedContainer)
}

// IsForumContainer reports whether err rejects a forum root.
func IsForumContainer(err error) bool {
	var uerr *UnsupportedContainerError
	return errors.As(err, &uerr) && uerr.Forum()
}

// IsPersistence reports whether err is a registry write failure.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
