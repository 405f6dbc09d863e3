package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
)

// StreamChannel is a Channel writing newline-delimited JSON-RPC messages to an io.Writer. It
// lets a session be served over stdio, pipes or any byte stream, and is handy in tests.
//
// Messages are written by a single goroutine in the order Send was called. A failed write
// closes the channel. Instances should be created using NewStreamChannel.
type StreamChannel struct {
	writer io.Writer
	logger *slog.Logger

	writeMessages chan streamMessage
	done          chan struct{}
	closeOnce     sync.Once
	writeClosed   chan struct{}
}

// StreamOption represents the options shared by the stream helpers.
type StreamOption func(*streamConfig)

type streamConfig struct {
	logger *slog.Logger
}

// parseErrorResponse is the answer to a line that could not be decoded. Its id is always null,
// which JSONRPCMessage cannot express.
type parseErrorResponse struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      *MustString  `json:"id"`
	Error   JSONRPCError `json:"error"`
}

type streamMessage struct {
	msg  []byte
	errs chan error
}

// StreamClient implements ClientTransport over a reader and writer pair connected to ServeStream.
// The request channel and the push stream share the pair, so there are no synchronous
// rejections: the server answers them on the stream like any other failure.
type StreamClient struct {
	reader io.Reader
	writer io.Writer
	config streamConfig
}

type streamClientSession struct {
	reader  io.Reader
	channel *StreamChannel
	logger  *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// WithStreamLogger sets the logger for the stream helpers.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(c *streamConfig) {
		c.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "stream"),
		)
	}
}

func newStreamConfig(options []StreamOption) streamConfig {
	c := streamConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&c)
	}
	return c
}

// NewStreamChannel creates a StreamChannel writing to writer and starts its writer goroutine.
// Close stops it.
func NewStreamChannel(writer io.Writer, options ...StreamOption) *StreamChannel {
	c := newStreamConfig(options)
	ch := &StreamChannel{
		writer:        writer,
		logger:        c.logger,
		writeMessages: make(chan streamMessage),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	go ch.processWriteMessages()
	return ch
}

// Send implements Channel.
func (s *StreamChannel) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.write(ctx, msgBs)
}

// write queues one encoded message for the writer goroutine and waits for the result.
func (s *StreamChannel) write(ctx context.Context, msgBs []byte) error {
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := streamMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errChannelClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errChannelClosed
	}
}

// Done implements Channel.
func (s *StreamChannel) Done() <-chan struct{} {
	return s.done
}

// Close implements Channel. It waits for the writer goroutine to exit.
func (s *StreamChannel) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.writeClosed
}

func (s *StreamChannel) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg streamMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)
		msg.errs <- err
		if err != nil {
			s.logger.Warn("failed to write message", slog.String("err", err.Error()))
			s.closeOnce.Do(func() {
				close(s.done)
			})
			return
		}
	}
}

// ServeStream serves a single session over a reader and writer pair: requests are read from
// reader as newline-delimited JSON and responses are written to writer. It returns when reader
// reaches EOF or ctx is done, and closes the session. Rejected requests are answered on writer
// with the rejection as a JSON-RPC error.
func ServeStream(
	ctx context.Context,
	sessions *SessionManager,
	dispatcher *Dispatcher,
	reader io.Reader,
	writer io.Writer,
	options ...StreamOption,
) error {
	c := newStreamConfig(options)

	sessID, err := sessions.Open()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	logger := c.logger.With(slog.String("sessionID", sessID))

	ch := NewStreamChannel(writer, options...)
	if err := sessions.Bind(sessID, ch); err != nil {
		ch.Close()
		return fmt.Errorf("failed to bind stream: %w", err)
	}
	defer func() {
		if err := sessions.Close(sessID); err != nil {
			logger.Warn("failed to close session", slog.String("err", err.Error()))
		}
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-done:
		}
	}()
	defer close(done)

	// A line that is not JSON has no id to answer to, so the rejection carries a null id.
	rejectUnparsable := func(err error) {
		f := newFailure(KindMalformedRequest, "failed to decode message: %s", err)
		rejection, mErr := json.Marshal(parseErrorResponse{
			JSONRPC: JSONRPCVersion,
			Error:   f.JSONRPCError(),
		})
		if mErr != nil {
			logger.Warn("failed to marshal rejection", slog.String("err", mErr.Error()))
			return
		}
		if sErr := ch.write(ctx, rejection); sErr != nil {
			logger.Warn("failed to send rejection", slog.String("err", sErr.Error()))
		}
	}

	for msg := range readMessages(reader, ch.Done(), logger, rejectUnparsable) {
		if err := dispatcher.Submit(sessID, msg); err != nil {
			f := AsFailure(err)
			if msg.ID == "" {
				continue
			}
			jErr := f.JSONRPCError()
			sErr := ch.Send(ctx, JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Error:   &jErr,
			})
			if sErr != nil {
				logger.Warn("failed to send rejection", slog.String("err", sErr.Error()))
			}
		}
	}

	return ctx.Err()
}

// NewStreamClient creates a ClientTransport exchanging newline-delimited JSON over reader and
// writer.
func NewStreamClient(reader io.Reader, writer io.Writer, options ...StreamOption) *StreamClient {
	return &StreamClient{
		reader: reader,
		writer: writer,
		config: newStreamConfig(options),
	}
}

// StartSession implements ClientTransport. The session is ready immediately.
func (s *StreamClient) StartSession(ctx context.Context) (ClientSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &streamClientSession{
		reader:  s.reader,
		channel: NewStreamChannel(s.writer, WithStreamLogger(s.config.logger)),
		logger:  s.config.logger,
		done:    make(chan struct{}),
	}, nil
}

// ID returns an empty id: the session is implied by the stream.
func (s *streamClientSession) ID() string { return "" }

func (s *streamClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	return s.channel.Send(ctx, msg)
}

func (s *streamClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range readMessages(s.reader, s.done, s.logger, nil) {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *streamClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.channel.Close()
}

// readMessages yields the newline-delimited messages read from reader until EOF, a read error,
// or done is closed. Lines that are not JSON are passed to invalid when it is not nil.
func readMessages(
	reader io.Reader,
	done <-chan struct{},
	logger *slog.Logger,
	invalid func(err error),
) iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		br := bufio.NewReader(reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Read in a goroutine so a slow reader does not keep us from noticing done.
			go func() {
				line, err := br.ReadString('\n')
				if err != nil && line == "" {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSpace(line)}
			}()

			var lwe lineWithErr
			select {
			case <-done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					logger.Error("failed to read message", "err", lwe.err)
				}
				return
			}

			if lwe.line == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				logger.Error("failed to unmarshal message", "err", err)
				if invalid != nil {
					invalid(err)
				}
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}
