package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"
)

// sseChannel is the Channel of one SSE connection. A single writer goroutine, run, drains the
// queue, so events are written in the order Send was called and the go-sse session is never
// written concurrently.
type sseChannel struct {
	sess      *sse.Session
	keepAlive time.Duration
	logger    *slog.Logger

	queue chan sseChannelMessage

	done      chan struct{}
	closeOnce sync.Once
}

// sseChannelMessage is a queued event. When state is set, the sender and the writer race for
// it: the writer claims it before writing, the sender withdraws it when its context is done.
// Whoever wins decides, so a withdrawn event is never written and a claimed one is reported.
type sseChannelMessage struct {
	msg   *sse.Message
	errs  chan<- error
	state *atomic.Int32
}

const (
	messageQueued int32 = iota
	messageClaimed
	messageWithdrawn
)

const (
	sseChannelQueueSize = 16
	keepAliveComment    = "keepalive"
)

var errChannelClosed = errors.New("push channel closed")

func newSSEChannel(sess *sse.Session, keepAlive time.Duration, logger *slog.Logger) *sseChannel {
	return &sseChannel{
		sess:      sess,
		keepAlive: keepAlive,
		logger:    logger,
		queue:     make(chan sseChannelMessage, sseChannelQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *sseChannel) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type(messageEventType),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)
	state := &atomic.Int32{}

	// Queue the message so only the writer goroutine touches the session.
	select {
	case c.queue <- sseChannelMessage{msg: sseMsg, errs: errs, state: state}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errChannelClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(messageQueued, messageWithdrawn) {
			return ctx.Err()
		}
		// Already being written: the write decides.
		select {
		case err := <-errs:
			return err
		case <-c.done:
			return errChannelClosed
		}
	case <-c.done:
		return errChannelClosed
	}
}

func (c *sseChannel) Done() <-chan struct{} {
	return c.done
}

func (c *sseChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// enqueue queues an event without waiting for it to be written. The queue must have room.
func (c *sseChannel) enqueue(msg *sse.Message) {
	c.queue <- sseChannelMessage{msg: msg}
}

// run writes queued events until ctx is done, the channel is closed, or a write fails. The
// channel is closed when run returns.
func (c *sseChannel) run(ctx context.Context) {
	defer c.Close()

	var keepAlive <-chan time.Time
	if c.keepAlive > 0 {
		ticker := time.NewTicker(c.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("push stream disconnected")
			return
		case <-c.done:
			return
		case <-keepAlive:
			msg := &sse.Message{}
			msg.AppendComment(keepAliveComment)
			if err := c.write(msg); err != nil {
				c.logger.Warn("failed to send keep-alive", slog.String("err", err.Error()))
				return
			}
		case qm := <-c.queue:
			if qm.state != nil && !qm.state.CompareAndSwap(messageQueued, messageClaimed) {
				continue
			}
			err := c.write(qm.msg)
			if qm.errs != nil {
				qm.errs <- err
			}
			if err != nil {
				c.logger.Warn("failed to send message", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (c *sseChannel) write(msg *sse.Message) error {
	if err := c.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := c.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}
