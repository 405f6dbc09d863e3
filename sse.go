package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SSEServer exposes a Dispatcher over HTTP: a Server-Sent Events push stream per session and a
// POST endpoint for the requests. It is framework-agnostic, HandleSSE and HandleMessage are
// plain http.Handlers the host mounts on its own router.
//
// Each GET on HandleSSE opens a session, announces the request channel in an "endpoint" event
// whose data is the message URL with the session id as the "sessionId" query parameter, and
// keeps the connection open to push responses as "message" events. Closing the connection
// closes the session.
//
// Instances should be created using NewSSEServer and shut down using Shutdown.
type SSEServer struct {
	messageURL string
	sessions   *SessionManager
	dispatcher *Dispatcher

	keepAlive     time.Duration
	ackOnDelivery bool
	maxBodySize   int64
	logger        *slog.Logger

	streams *sync.WaitGroup
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements ClientTransport over an SSEServer: it opens the push stream with a GET
// on the connect URL and posts requests to the URL announced by the server.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseClientSession struct {
	id         string
	messageURL string
	httpClient *http.Client
	logger     *slog.Logger

	messages chan JSONRPCMessage
	cancel   context.CancelFunc
	closed   chan struct{}
}

var (
	defaultSSEKeepAlive   = 15 * time.Second
	defaultSSEMaxBodySize = int64(4 << 20)
)

// NewSSEServer creates an SSEServer announcing messageURL as the request channel of every
// session. messageURL is the URL, absolute or relative to the push stream, where the host
// mounts HandleMessage.
func NewSSEServer(
	messageURL string,
	sessions *SessionManager,
	dispatcher *Dispatcher,
	options ...SSEServerOption,
) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		streams:    &sync.WaitGroup{},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.keepAlive == 0 {
		s.keepAlive = defaultSSEKeepAlive
	}
	if s.maxBodySize == 0 {
		s.maxBodySize = defaultSSEMaxBodySize
	}
	return s
}

// WithSSEServerKeepAlive sets the interval of the comment events written to idle push streams.
// A negative interval disables them.
func WithSSEServerKeepAlive(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.keepAlive = interval
	}
}

// WithAckOnDelivery makes HandleMessage execute the request before answering the POST. The
// POST then fails with 502 when the response could not be delivered on the push stream. By
// default the POST is acknowledged as soon as the request is accepted.
func WithAckOnDelivery() SSEServerOption {
	return func(s *SSEServer) {
		s.ackOnDelivery = true
	}
}

// WithSSEServerMaxBodySize limits the size of the request bodies accepted by HandleMessage.
func WithSSEServerMaxBodySize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodySize = size
	}
}

// WithSSEServerLogger sets the logger for the SSEServer.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "sse-server"),
		)
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSEClient.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "sse-client"),
		)
	}
}

// HandleSSE returns an http.Handler for the push streams. The handler upgrades the connection
// to SSE, opens a session, binds its push channel and blocks until the client disconnects or
// the session is closed.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID, err := s.sessions.Open()
		if err != nil {
			s.logger.Error("failed to open session", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger := s.logger.With(slog.String("sessionID", sessID))
		ch := newSSEChannel(sess, s.keepAlive, logger)
		if err := s.sessions.Bind(sessID, ch); err != nil {
			logger.Error("failed to bind push channel", "err", err)
			_ = s.sessions.Close(sessID)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		s.streams.Add(1)
		defer s.streams.Done()

		// The endpoint event is the first one on the stream: nobody else knows the session yet.
		endpoint := &sse.Message{
			Type: sse.Type(endpointEventType),
		}
		endpoint.AppendData(s.endpointURL(sessID))
		ch.enqueue(endpoint)

		logger.Info("push stream connected")

		// Blocks until the client disconnects or the session is closed.
		ch.run(r.Context())

		if err := s.sessions.Close(sessID); err != nil {
			logger.Warn("failed to close session", "err", err)
		}
		logger.Info("push stream disconnected")
	})
}

// HandleMessage returns an http.Handler for the request channel. The handler expects a POST
// with the sessionId query parameter and a JSON-RPC message body. Accepted requests get
// 202 Accepted. Rejections carry a JSON-RPC error body and a status matching the error kind:
// 400 for malformed requests, 404 for unknown sessions, 410 for closed sessions and 502 once
// the dispatcher is shutting down or, with WithAckOnDelivery, when the response could not be
// pushed.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			s.writeRejection(w, http.StatusMethodNotAllowed, "",
				newFailure(KindMalformedRequest, "method %s not allowed", r.Method))
			return
		}

		sessID := r.URL.Query().Get(sessionIDQueryParam)

		var msg JSONRPCMessage
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize))
		if err := decoder.Decode(&msg); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			s.writeRejection(w, http.StatusBadRequest, "",
				newFailure(KindMalformedRequest, "failed to decode message: %s", err))
			return
		}

		var err error
		if s.ackOnDelivery {
			err = s.dispatcher.Handle(r.Context(), sessID, msg)
		} else {
			err = s.dispatcher.Submit(sessID, msg)
		}
		if err != nil {
			f := AsFailure(err)
			s.writeRejection(w, statusForFailure(f), msg.ID, f)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// Notify pushes a notification to one session.
func (s *SSEServer) Notify(ctx context.Context, sessionID, method string, params any) error {
	return s.dispatcher.Notify(ctx, sessionID, method, params)
}

// Shutdown closes every session, which ends the push streams, and waits for the stream
// handlers to return.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.sessions.CloseAll()

	finished := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-finished:
	}
	return nil
}

func (s *SSEServer) endpointURL(sessionID string) string {
	u, err := url.Parse(s.messageURL)
	if err != nil {
		return fmt.Sprintf("%s?%s=%s", s.messageURL, sessionIDQueryParam, url.QueryEscape(sessionID))
	}
	q := u.Query()
	q.Set(sessionIDQueryParam, sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *SSEServer) writeRejection(w http.ResponseWriter, status int, id MustString, f *Failure) {
	jErr := f.JSONRPCError()
	body := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jErr,
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to write rejection", slog.String("err", err.Error()))
	}
}

func statusForFailure(f *Failure) int {
	switch f.Kind {
	case KindMalformedRequest:
		return http.StatusBadRequest
	case KindUnknownSession:
		return http.StatusNotFound
	case KindSessionClosed:
		return http.StatusGone
	case KindChannelUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StartSession opens the push stream and waits for the endpoint event announcing the session.
// The push stream is closed when ctx is cancelled or the returned session is stopped.
func (s *SSEClient) StartSession(ctx context.Context) (ClientSession, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connect URL: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		httpClient: s.httpClient,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage),
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
	ready := make(chan error, 1)

	go sess.listen(streamCtx, resp.Body, base, s.maxPayloadSize, ready)

	select {
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	case <-ctx.Done():
		sess.Stop()
		return nil, fmt.Errorf("failed to wait for endpoint event: %w", ctx.Err())
	}

	return sess, nil
}

func (s *sseClientSession) ID() string { return s.id }

// Send posts msg to the request channel. Rejections carrying a JSON-RPC error are returned as
// a *Failure.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	var rejection JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&rejection); err == nil && rejection.Error != nil {
		return FailureFromJSONRPC(*rejection.Error)
	}
	return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.cancel()
	<-s.closed
}

func (s *sseClientSession) listen(
	ctx context.Context,
	body io.ReadCloser,
	base *url.URL,
	maxPayloadSize int,
	ready chan<- error,
) {
	defer func() {
		body.Close()
		close(s.messages)
		close(s.closed)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			if s.messageURL == "" {
				ready <- fmt.Errorf("push stream ended before the endpoint event: %w", err)
			}
			return
		}

		switch ev.Type {
		case endpointEventType:
			if s.messageURL != "" {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("failed to parse endpoint URL: %w", err)
				return
			}
			u = base.ResolveReference(u)
			id := u.Query().Get(sessionIDQueryParam)
			if id == "" {
				ready <- errors.New("endpoint URL carries no session id")
				return
			}
			s.id = id
			s.messageURL = u.String()
			close(ready)
		case messageEventType, "":
			// Messages are meaningless before the session is known.
			if s.messageURL == "" {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case s.messages <- msg:
			case <-ctx.Done():
				return
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	if s.messageURL == "" {
		ready <- errors.New("push stream ended before the endpoint event")
	}
}
