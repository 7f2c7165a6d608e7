// ABOUTME: Tests for the per-connection state machine and subscription set
// ABOUTME: Covers auth transitions, re-auth, disconnect cleanup, send buffering

package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/parley-relay/internal/protocol"
)

func TestConn_StateMachine(t *testing.T) {
	c := newConn(newFakeSocket(), nil)
	assert.Equal(t, StateConnected, c.State())

	c.beginAuth()
	assert.Equal(t, StateAuthenticating, c.State())

	c.finishAuth("u1")
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, "u1", c.UserID())

	// Re-authentication replaces the identity
	c.beginAuth()
	c.finishAuth("u2")
	assert.Equal(t, "u2", c.UserID())

	c.close()
	assert.Equal(t, StateDisconnected, c.State())

	// Terminal: no transition revives a disconnected connection
	c.beginAuth()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConn_FailedAuthClearsIdentity(t *testing.T) {
	c := newConn(newFakeSocket(), nil)
	c.beginAuth()
	c.finishAuth("u1")

	c.beginAuth()
	c.failAuth()
	assert.Equal(t, StateConnected, c.State())
	assert.Empty(t, c.UserID())
}

func TestConn_CloseCancelsSubscriptions(t *testing.T) {
	c := newConn(newFakeSocket(), nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	c.trackSubscription("conv-1", "sub-1", cancel1)
	c.trackSubscription("conv-2", "sub-2", cancel2)
	assert.True(t, c.isSubscribed("conv-1"))
	assert.Equal(t, "sub-1", c.subID("conv-1"))

	c.close()

	assert.Error(t, ctx1.Err(), "subscription context should be cancelled")
	assert.Error(t, ctx2.Err(), "subscription context should be cancelled")
	assert.False(t, c.isSubscribed("conv-1"))
}

func TestConn_DropSubscription(t *testing.T) {
	c := newConn(newFakeSocket(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.trackSubscription("conv-1", "sub-1", cancel)

	assert.True(t, c.dropSubscription("conv-1"))
	assert.Error(t, ctx.Err())
	assert.False(t, c.dropSubscription("conv-1"))
	assert.False(t, c.dropSubscription("never-subscribed"))
}

func TestConn_SendDropsWhenBufferFull(t *testing.T) {
	c := newConn(newFakeSocket(), nil)

	// No write pump running; fill the buffer past capacity
	for range sendBufferSize + 10 {
		c.Send(protocol.Error(protocol.CodeBadRequest, "x"))
	}
	// Must not block or panic; buffer holds at most sendBufferSize
	assert.Len(t, c.send, sendBufferSize)
}
