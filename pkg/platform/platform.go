// Package platform defines the chat platform operations the cleaning engine
// depends on.
//
// A gateway resolves containers (channels, threads) and messages into live
// handles and performs the "remove all reactions" action. Implementations
// are expected to be rate-limited and bounded by the caller's context.
package platform

import "context"

// Gateway abstracts the chat platform.
//
// Implementations should:
//   - Honour ctx cancellation on every call
//   - Return errors wrapping ErrContainerNotFound / ErrMessageNotFound for
//     resources that do not exist
//   - Be safe for concurrent use
type Gateway interface {
	// FetchContainer resolves a container id into a live handle.
	// Returns ErrContainerNotFound if the container does not exist.
	FetchContainer(ctx context.Context, containerID string) (*Container, error)

	// FetchMessage resolves a message inside a container.
	// Returns ErrMessageNotFound if the message does not exist.
	FetchMessage(ctx context.Context, container *Container, messageID string) (*Message, error)

	// ClearAllReactions removes every reaction from the message.
	ClearAllReactions(ctx context.Context, message *Message) error
}

// ContainerKind classifies a container for policy decisions.
type ContainerKind string

const (
	// KindStandard is a regular text channel.
	KindStandard ContainerKind = "standard"

	// KindBroadcast is an announcement channel.
	KindBroadcast ContainerKind = "broadcast"

	// KindThread is a thread under a standard, broadcast, or forum channel.
	KindThread ContainerKind = "thread"

	// KindForum is a forum root. Its messages live in threads, so callers
	// must reference the thread instead.
	KindForum ContainerKind = "forum"

	// KindUnsupported covers voice, category, DM, and anything unknown.
	KindUnsupported ContainerKind = "unsupported"
)

// Supported reports whether reactions on messages in this kind of container
// can be cleaned.
func (k ContainerKind) Supported() bool {
	switch k {
	case KindStandard, KindBroadcast, KindThread:
		return true
	default:
		return false
	}
}

// Container is a live container handle.
type Container struct {
	// ID is the platform id of the container.
	ID string

	// Kind is the classified container kind.
	Kind ContainerKind

	// Name is a display name, if known.
	Name string

	// GuildID is the owning guild, if any.
	GuildID string
}

// Message is a live message handle.
type Message struct {
	// ContainerID is the container holding the message.
	ContainerID string

	// ID is the platform id of the message.
	ID string

	// ReactionCount is the number of distinct reactions at fetch time.
	ReactionCount int
}
