// Package platformtest provides an in-memory platform.Gateway for tests.
//
// Usage:
//
//	gw := platformtest.New()
//	gw.AddContainer("10", platform.KindStandard)
//	gw.AddMessage("10", "100")
//	// ... exercise code that resolves https://host/channels/1/10/100 ...
//	assert.Equal(t, 3, gw.ClearCount("10", "100"))
package platformtest

import (
	"context"
	"sync"

	"github.com/3leaps/unreact/pkg/platform"
)

// Gateway is a concurrency-safe fake gateway.
type Gateway struct {
	mu         sync.Mutex
	containers map[string]platform.ContainerKind
	messages   map[string]bool
	reactions  map[string]int
	clears     map[string]int
	fetches    int

	// containerErr, when set, is returned by FetchContainer for every id.
	containerErr error
	// clearErr is returned by ClearAllReactions while set.
	clearErr error
	// clearHook runs inside ClearAllReactions before it returns.
	clearHook func(key string)
}

var _ platform.Gateway = (*Gateway)(nil)

// New creates an empty fake gateway.
func New() *Gateway {
	return &Gateway{
		containers: make(map[string]platform.ContainerKind),
		messages:   make(map[string]bool),
		reactions:  make(map[string]int),
		clears:     make(map[string]int),
	}
}

func key(containerID, messageID string) string {
	return containerID + "/" + messageID
}

// AddContainer registers a container of the given kind.
func (g *Gateway) AddContainer(containerID string, kind platform.ContainerKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.containers[containerID] = kind
}

// RemoveContainer deletes a container and all of its messages.
func (g *Gateway) RemoveContainer(containerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.containers, containerID)
	for k := range g.messages {
		if len(k) > len(containerID) && k[:len(containerID)+1] == containerID+"/" {
			delete(g.messages, k)
		}
	}
}

// AddMessage registers a message. The container must be added separately.
func (g *Gateway) AddMessage(containerID, messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[key(containerID, messageID)] = true
}

// RemoveMessage deletes a message.
func (g *Gateway) RemoveMessage(containerID, messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.messages, key(containerID, messageID))
}

// SetReactions sets the reaction count FetchMessage reports for a message.
func (g *Gateway) SetReactions(containerID, messageID string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reactions[key(containerID, messageID)] = n
}

// SetContainerError makes every FetchContainer call fail with err (nil resets).
func (g *Gateway) SetContainerError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.containerErr = err
}

// SetClearError makes ClearAllReactions fail with err (nil resets).
func (g *Gateway) SetClearError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearErr = err
}

// SetClearHook installs a callback invoked on every ClearAllReactions call.
func (g *Gateway) SetClearHook(fn func(key string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearHook = fn
}

// ClearCount returns how many times reactions were cleared on a message,
// counting failed attempts too.
func (g *Gateway) ClearCount(containerID, messageID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clears[key(containerID, messageID)]
}

// FetchCount returns the number of FetchContainer calls.
func (g *Gateway) FetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

// FetchContainer implements platform.Gateway.
func (g *Gateway) FetchContainer(ctx context.Context, containerID string) (*platform.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++

	if g.containerErr != nil {
		return nil, &platform.GatewayError{Op: "FetchContainer", ContainerID: containerID, Err: g.containerErr}
	}
	kind, ok := g.containers[containerID]
	if !ok {
		return nil, &platform.GatewayError{Op: "FetchContainer", ContainerID: containerID, Err: platform.ErrContainerNotFound}
	}
	return &platform.Container{ID: containerID, Kind: kind}, nil
}

// FetchMessage implements platform.Gateway.
func (g *Gateway) FetchMessage(ctx context.Context, container *platform.Container, messageID string) (*platform.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.messages[key(container.ID, messageID)] {
		return nil, &platform.GatewayError{Op: "FetchMessage", ContainerID: container.ID, MessageID: messageID, Err: platform.ErrMessageNotFound}
	}
	return &platform.Message{
		ContainerID:   container.ID,
		ID:            messageID,
		ReactionCount: g.reactions[key(container.ID, messageID)],
	}, nil
}

// ClearAllReactions implements platform.Gateway.
func (g *Gateway) ClearAllReactions(ctx context.Context, message *platform.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := key(message.ContainerID, message.ID)

	g.mu.Lock()
	g.clears[k]++
	err := g.clearErr
	if err == nil && !g.messages[k] {
		err = platform.ErrMessageNotFound
	}
	hook := g.clearHook
	g.mu.Unlock()

	if hook != nil {
		hook(k)
	}
	if err != nil {
		return &platform.GatewayError{Op: "ClearAllReactions", ContainerID: message.ContainerID, MessageID: message.ID, Err: err}
	}
	return nil
}
