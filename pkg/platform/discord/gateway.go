// Package discord implements platform.Gateway on top of discordgo's REST client.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/unreact/pkg/platform"
)

// REST is the subset of *discordgo.Session used by the gateway.
type REST interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionsRemoveAll(channelID, messageID string, options ...discordgo.RequestOption) error
}

// Config configures the gateway.
type Config struct {
	// RateLimit is the maximum number of REST calls per second issued by the
	// gateway on top of discordgo's own bucket handling. Zero means unlimited.
	RateLimit float64

	// Burst is the limiter burst size. Defaults to 1.
	Burst int
}

// Gateway is a Discord-backed platform.Gateway.
type Gateway struct {
	rest    REST
	limiter *rate.Limiter // nil if unlimited
	logger  *zap.Logger
}

var _ platform.Gateway = (*Gateway)(nil)

// New creates a gateway over a discordgo session (or any REST implementation).
func New(rest REST, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		rest:   rest,
		logger: logger.Named("gateway"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// FetchContainer resolves a channel or thread.
func (g *Gateway) FetchContainer(ctx context.Context, containerID string) (*platform.Container, error) {
	const op = "FetchContainer"
	if err := g.wait(ctx); err != nil {
		return nil, &platform.GatewayError{Op: op, ContainerID: containerID, Err: err}
	}

	ch, err := g.rest.Channel(containerID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, &platform.GatewayError{Op: op, ContainerID: containerID, Err: mapError(err, platform.ErrContainerNotFound)}
	}
	if ch == nil {
		return nil, &platform.GatewayError{Op: op, ContainerID: containerID, Err: platform.ErrContainerNotFound}
	}

	kind := Classify(ch.Type)
	g.logger.Debug("Resolved container",
		zap.String("container_id", ch.ID),
		zap.String("kind", string(kind)),
		zap.Int("channel_type", int(ch.Type)))

	return &platform.Container{
		ID:      ch.ID,
		Kind:    kind,
		Name:    ch.Name,
		GuildID: ch.GuildID,
	}, nil
}

// FetchMessage resolves a message inside a container.
func (g *Gateway) FetchMessage(ctx context.Context, container *platform.Container, messageID string) (*platform.Message, error) {
	const op = "FetchMessage"
	if container == nil {
		return nil, &platform.GatewayError{Op: op, MessageID: messageID, Err: platform.ErrContainerNotFound}
	}
	if err := g.wait(ctx); err != nil {
		return nil, &platform.GatewayError{Op: op, ContainerID: container.ID, MessageID: messageID, Err: err}
	}

	msg, err := g.rest.ChannelMessage(container.ID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, &platform.GatewayError{Op: op, ContainerID: container.ID, MessageID: messageID, Err: mapError(err, platform.ErrMessageNotFound)}
	}
	if msg == nil {
		return nil, &platform.GatewayError{Op: op, ContainerID: container.ID, MessageID: messageID, Err: platform.ErrMessageNotFound}
	}

	return &platform.Message{
		ContainerID:   container.ID,
		ID:            msg.ID,
		ReactionCount: len(msg.Reactions),
	}, nil
}

// ClearAllReactions removes every reaction from the message.
func (g *Gateway) ClearAllReactions(ctx context.Context, message *platform.Message) error {
	const op = "ClearAllReactions"
	if message == nil {
		return &platform.GatewayError{Op: op, Err: platform.ErrMessageNotFound}
	}
	if err := g.wait(ctx); err != nil {
		return &platform.GatewayError{Op: op, ContainerID: message.ContainerID, MessageID: message.ID, Err: err}
	}

	if err := g.rest.MessageReactionsRemoveAll(message.ContainerID, message.ID, discordgo.WithContext(ctx)); err != nil {
		return &platform.GatewayError{Op: op, ContainerID: message.ContainerID, MessageID: message.ID, Err: mapError(err, platform.ErrMessageNotFound)}
	}
	return nil
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// Classify maps a Discord channel type to a container kind.
func Classify(t discordgo.ChannelType) platform.ContainerKind {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return platform.KindStandard
	case discordgo.ChannelTypeGuildNews:
		return platform.KindBroadcast
	case discordgo.ChannelTypeGuildNewsThread,
		discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread:
		return platform.KindThread
	case discordgo.ChannelTypeGuildForum:
		return platform.KindForum
	default:
		return platform.KindUnsupported
	}
}

// mapError translates discordgo REST failures into platform sentinels.
// notFound is returned for bare 404 responses without a Discord error code.
func mapError(err error, notFound error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", platform.ErrUnavailable, err)
	}

	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %s", platform.ErrContainerNotFound, restErr.Message.Message)
		case discordgo.ErrCodeUnknownMessage:
			return fmt.Errorf("%w: %s", platform.ErrMessageNotFound, restErr.Message.Message)
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %s", platform.ErrAccessDenied, restErr.Message.Message)
		}
	}

	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return notFound
		case http.StatusForbidden, http.StatusUnauthorized:
			return platform.ErrAccessDenied
		}
	}

	return fmt.Errorf("%w: %w", platform.ErrUnavailable, err)
}
