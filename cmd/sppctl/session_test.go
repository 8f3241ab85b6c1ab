package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"btserial/internal/update"
)

func newServeLoop(once bool, listenErr error) (*serveLoop, *int) {
	listens := 0
	return &serveLoop{
		once:   once,
		listen: func() error { listens++; return listenErr },
		peer:   func() string { return "AA:BB:CC:DD:EE:FF" },
		print:  func(string) {},
		done:   func() bool { return false },
	}, &listens
}

func TestServeListensAgainAfterPeerLeaves(t *testing.T) {
	l, listens := newServeLoop(false, nil)
	assert.False(t, l.handle(update.DeviceConnected))
	assert.False(t, l.handle(update.DeviceDisconnected))
	assert.Equal(t, 1, *listens)

	assert.False(t, l.handle(update.DeviceConnected))
	assert.False(t, l.handle(update.DeviceDisconnected))
	assert.Equal(t, 2, *listens)
	assert.NoError(t, l.err)
}

func TestServeStopsWhenListenEndsWithoutPeer(t *testing.T) {
	l, listens := newServeLoop(false, nil)
	assert.True(t, l.handle(update.DeviceDisconnected))
	assert.Zero(t, *listens)
	assert.ErrorIs(t, l.err, errNoPeer)

	l, listens = newServeLoop(false, nil)
	l.handle(update.DeviceConnected)
	l.handle(update.DeviceDisconnected)
	assert.True(t, l.handle(update.DeviceDisconnected))
	assert.Equal(t, 1, *listens)
	assert.ErrorIs(t, l.err, errNoPeer)
}

func TestServeOnceAndListenFailure(t *testing.T) {
	l, listens := newServeLoop(true, nil)
	l.handle(update.DeviceConnected)
	assert.True(t, l.handle(update.DeviceDisconnected))
	assert.Zero(t, *listens)
	assert.NoError(t, l.err)

	busy := errors.New("register profile")
	l, _ = newServeLoop(false, busy)
	l.handle(update.DeviceConnected)
	assert.True(t, l.handle(update.DeviceDisconnected))
	assert.ErrorIs(t, l.err, busy)
}

func TestServeStopsQuietlyOnShutdown(t *testing.T) {
	l, listens := newServeLoop(false, nil)
	l.done = func() bool { return true }
	assert.True(t, l.handle(update.DeviceDisconnected))
	assert.Zero(t, *listens)
	assert.NoError(t, l.err)
}
