package mcp

import (
	"context"
	"iter"
)

// Channel is the server-side handle of one session's push stream. Messages handed to Send are
// written to the peer in the order Send was called, never reordered.
type Channel interface {
	// Send queues msg for the peer and waits until it is written or the channel goes away.
	// Implementations must return an error when the message could not be written, so the caller
	// can report the delivery failure.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Done is closed once the channel can no longer deliver messages, either because the peer
	// disconnected or because Close was called.
	Done() <-chan struct{}

	// Close releases the channel. It must be safe to call more than once.
	Close()
}

// ClientTransport provides the client-side communication layer: it opens the push stream and
// learns the request channel for the session.
type ClientTransport interface {
	// StartSession opens the push stream and blocks until the server announced the session, or
	// until ctx is done. The session stays open until ctx is cancelled or Stop is called.
	StartSession(ctx context.Context) (ClientSession, error)
}

// ClientSession is the client view of an established session.
type ClientSession interface {
	// ID returns the session id assigned by the server.
	ID() string

	// Send submits msg on the request channel. A synchronous rejection by the server is
	// returned as a *Failure of the matching kind.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator over the messages received on the push stream. The
	// iteration ends when the push stream ends.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop closes the push stream.
	Stop()
}

// NotificationHandler receives the notifications the server pushes outside of any request.
type NotificationHandler interface {
	OnNotification(msg JSONRPCMessage)
}

// NotificationHandlerFunc adapts a function to a NotificationHandler.
type NotificationHandlerFunc func(msg JSONRPCMessage)

// OnNotification calls f(msg).
func (f NotificationHandlerFunc) OnNotification(msg JSONRPCMessage) {
	f(msg)
}
